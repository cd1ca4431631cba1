package log

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level  = zap.NewAtomicLevelAt(zap.WarnLevel)
	global atomic.Pointer[zap.Logger]
	// custom is set once a caller installed its own logger.
	custom atomic.Bool
)

func init() {
	global.Store(newLogger("console"))
}

func newLogger(format string) *zap.Logger {
	var cfg = zap.NewProductionConfig()
	if format != "json" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.Level = level
	cfg.DisableStacktrace = true
	cfg.Sampling = nil

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l.Named("apihook")
}

// L returns the package logger.
func L() *zap.Logger {
	return global.Load()
}

// SetLogger replaces the package logger, nil installs a no-op logger.
// Setup leaves a logger set here in place.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	custom.Store(true)
	global.Store(l)
}

// Setup sets the level and rebuilds the package logger with the given
// encoding, unless SetLogger installed one.
func Setup(lvl, format string) error {
	if err := SetLevel(lvl); err != nil {
		return err
	}
	if !custom.Load() {
		global.Store(newLogger(format))
	}
	return nil
}

func SetLevel(lvl string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}
