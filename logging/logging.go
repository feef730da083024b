// Package logging contains the zap-backed logger used throughout camserver.
package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// GlobalLogLevel is the level of zap loggers handed out by Desugar and friends. At debug level
// it also lets every camserver logger through regardless of its own level.
var GlobalLogLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// zapConfig is zap's production console setup with colored levels and no stacktraces.
func zapConfig() zap.Config {
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.StringDurationEncoder
	return zap.Config{
		Level:             GlobalLogLevel,
		Encoding:          "console",
		EncoderConfig:     enc,
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
}

// NewDebugLogger returns a logger that writes Debug+ logs to stdout in UTC.
func NewDebugLogger(name string) Logger {
	return &impl{
		name:      name,
		level:     NewAtomicLevelAt(DEBUG),
		inUTC:     true,
		appenders: []Appender{NewStdoutAppender()},
	}
}

// NewTestLogger returns a new logger that outputs Debug+ logs to the test object in local time.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also saves logs to an in memory observer.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	observerCore, observedLogs := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	logger := &impl{
		level:     NewAtomicLevelAt(DEBUG),
		appenders: []Appender{testAppender{tb}, observerCore},
	}
	return logger, observedLogs
}
