package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var log = zap.NewNop()

// New builds a logger for env. "production" gets JSON output with ISO8601
// timestamps, everything else gets colored console output. level, or
// LOG_LEVEL when level is empty, overrides the default level.
func New(env, level string) (*zap.Logger, error) {
	var config zap.Config
	if env == "production" {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	return config.Build()
}

// Get returns the process-wide logger installed by Set.
func Get() *zap.Logger {
	return log
}

func Set(l *zap.Logger) {
	log = l
	zap.ReplaceGlobals(l)
}

func Sync() error {
	return log.Sync()
}
