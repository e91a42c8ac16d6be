// Package testutil provides shared helpers for tests, chiefly a zap logger
// whose level is controlled with the -loglevel flag or LOG_LEVEL env var.
package testutil

import (
	"flag"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// DefaultLogLevel is used when no level is specified.
	DefaultLogLevel = zapcore.WarnLevel

	globalLogger *zap.Logger
	logLevel     string
	once         sync.Once
)

func init() {
	flag.StringVar(&logLevel, "loglevel", "", "test log level (debug, info, warn, error)")
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "INFO":
		return zapcore.InfoLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return DefaultLogLevel
	}
}

func initLogger() {
	level := logLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}

	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))
	logger, err := config.Build()
	if err != nil {
		globalLogger = zap.NewExample()
		globalLogger.Error("failed to initialize test logger", zap.Error(err))
		return
	}
	globalLogger = logger
}

// NewLogger returns a logger for use in tests, honoring the -loglevel flag.
func NewLogger() *zap.Logger {
	once.Do(initLogger)
	return globalLogger.With(zap.String("context", "test"))
}
