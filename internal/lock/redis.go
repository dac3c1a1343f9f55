package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis lock using SET NX PX with a per-caller token. The TTL is the safety
// net for crashed holders; while held, a background loop keeps extending it.
type Redis struct {
	client   redis.UniversalClient
	key      string
	ttl      time.Duration
	interval time.Duration

	mu    sync.Mutex
	token string
	stop  chan struct{}
	done  chan struct{}
}

func NewRedis(client redis.UniversalClient, key string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{client: client, key: key, ttl: ttl, interval: DefaultPollInterval}
}

func (r *Redis) TryAcquire(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" {
		return true, nil
	}
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	r.token = token
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.refresh(token, r.stop, r.done)
	return true, nil
}

func (r *Redis) refresh(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := r.ttl / 3
	if every < 10*time.Millisecond {
		every = 10 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			_ = refreshScript.Run(ctx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Err()
			cancel()
		}
	}
}

func (r *Redis) AcquireOrWait(ctx context.Context, timeout time.Duration) error {
	return poll(ctx, r.key, timeout, r.interval, r.TryAcquire)
}

func (r *Redis) Release(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token == "" {
		return false, nil
	}
	close(r.stop)
	<-r.done
	token := r.token
	r.token = ""
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Int()
	if err != nil {
		return false, err
	}
	// 0 means the TTL expired and someone else may own the key now.
	return n == 1, nil
}

func (r *Redis) IsHeld(ctx context.Context) (bool, error) {
	n, err := r.client.Exists(ctx, r.key).Result()
	return n > 0, err
}

func (r *Redis) Key() string { return r.key }
