// Package qlog provides structured logging for qsim using zap.
package qlog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with qsim-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger. Safe to call multiple times; only
// the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Magic logs a dispatched magic-instruction event.
func (l *Logger) Magic(cpu int, rax uint64, kind string) {
	l.Debug("magic",
		zap.Int("cpu", cpu),
		Hex64("rax", rax),
		zap.String("kind", kind),
	)
}

// IPI logs an inter-processor interrupt delivery attempt.
func (l *Logger) IPI(from, to int, vec uint8, accepted bool) {
	l.Debug("ipi",
		zap.Int("from", from),
		zap.Int("to", to),
		zap.Uint8("vec", vec),
		zap.Bool("accepted", accepted),
	)
}

// Console logs a completed guest console line.
func (l *Logger) Console(cpu int, line string) {
	l.Info("console",
		zap.Int("cpu", cpu),
		zap.String("line", line),
	)
}

// Checkpoint logs a save or restore of Domain state.
func (l *Logger) Checkpoint(action, path string, ncpus int, ramMB uint) {
	l.Info("checkpoint",
		zap.String("action", action),
		zap.String("path", path),
		zap.Int("ncpus", ncpus),
		zap.Uint("ram_mb", ramMB),
	)
}

// CPUState logs a per-CPU running/idle transition.
func (l *Logger) CPUState(cpu int, running, idle bool) {
	l.Debug("cpu_state",
		zap.Int("cpu", cpu),
		zap.Bool("running", running),
		zap.Bool("idle", idle),
	)
}

// Hex64 builds a zap field rendering a uint64 as a 0x-prefixed hex string.
func Hex64(key string, v uint64) zap.Field {
	return zap.String(key, Hex(v))
}

// Hex formats a uint64 as a 0x-prefixed hex string.
func Hex(v uint64) string {
	return "0x" + hexString(v)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}
