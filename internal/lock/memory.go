package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRegistry holds in-process lock state. Handles taken from the same
// registry with the same key exclude each other.
type MemoryRegistry struct {
	mu       sync.Mutex
	owners   map[string]string
	interval time.Duration
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{owners: make(map[string]string), interval: DefaultPollInterval}
}

// WithPollInterval sets the wait poll interval of handles taken afterwards.
func (reg *MemoryRegistry) WithPollInterval(d time.Duration) *MemoryRegistry {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.interval = d
	return reg
}

// Handle returns a new caller identity for key.
func (reg *MemoryRegistry) Handle(key string) *Memory {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return &Memory{reg: reg, key: key, token: uuid.NewString(), interval: reg.interval}
}

type Memory struct {
	reg      *MemoryRegistry
	key      string
	token    string
	interval time.Duration
}

// NewMemory is a standalone lock with its own registry.
func NewMemory(key string) *Memory {
	return NewMemoryRegistry().Handle(key)
}

func (m *Memory) TryAcquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	owner, ok := m.reg.owners[m.key]
	if ok {
		return owner == m.token, nil
	}
	m.reg.owners[m.key] = m.token
	return true, nil
}

func (m *Memory) AcquireOrWait(ctx context.Context, timeout time.Duration) error {
	return poll(ctx, m.key, timeout, m.interval, m.TryAcquire)
}

func (m *Memory) Release(context.Context) (bool, error) {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	if m.reg.owners[m.key] != m.token {
		return false, nil
	}
	delete(m.reg.owners, m.key)
	return true, nil
}

func (m *Memory) IsHeld(context.Context) (bool, error) {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	_, ok := m.reg.owners[m.key]
	return ok, nil
}

func (m *Memory) Key() string { return m.key }
