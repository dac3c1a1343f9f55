package logger

import (
	"io"
	"os"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger struct {
	json bool
	z    *zap.Logger
}

// Options configures New*. A non-empty File adds a rotating JSON log file
// next to the stdout output.
type Options struct {
	// Writer receives the console or JSON stream; nil means os.Stdout.
	Writer     io.Writer
	JSON       bool
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

func New(jsonOutput bool) *Logger {
	return NewWithOptions(Options{JSON: jsonOutput})
}

func NewWithOptions(opts Options) *Logger {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		consoleCfg := encCfg
		consoleCfg.TimeKey = ""
		enc = zapcore.NewConsoleEncoder(consoleCfg)
	}
	var out zapcore.WriteSyncer = zapcore.Lock(os.Stdout)
	if opts.Writer != nil {
		out = zapcore.Lock(zapcore.AddSync(opts.Writer))
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, out, level)}

	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 50
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}
	return &Logger{json: opts.JSON, z: zap.New(zapcore.NewTee(cores...))}
}

// NewWithCore wraps an existing core; tests pass an observer core.
func NewWithCore(core zapcore.Core, jsonOutput bool) *Logger {
	return &Logger{json: jsonOutput, z: zap.New(core)}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

func (l *Logger) log(level zapcore.Level, msg string, fields map[string]any) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(level, msg)
	if ce == nil {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	zf := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}
	ce.Write(zf...)
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.log(zapcore.DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.log(zapcore.InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.log(zapcore.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields map[string]any) { l.log(zapcore.ErrorLevel, msg, fields) }

// JSONEnabled reports whether this logger is configured to emit JSON output.
func (l *Logger) JSONEnabled() bool { return l != nil && l.json }

// Sync flushes buffered output; call it before the process exits.
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}
