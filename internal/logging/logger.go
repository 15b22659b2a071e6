package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu            sync.Mutex
	defaultLogger *zap.Logger
)

// InitLogger builds the process logger. LOG_LEVEL selects the level
// ("debug", "warn", "error"; info otherwise) and LOG_FORMAT=console switches
// from JSON to the human readable encoder used by interactive CLI runs.
func InitLogger() error {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(levelFromEnv(os.Getenv("LOG_LEVEL")))

	if os.Getenv("LOG_FORMAT") == "console" {
		config.Encoding = "console"
	}

	// CLI output goes to stdout, logs stay on stderr
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"

	logger, err := config.Build()
	if err != nil {
		return err
	}

	SetLogger(logger)
	return nil
}

// SetLogger replaces the default logger. Tests use it to install zap.NewNop()
// or an observer core.
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()

	defaultLogger = logger
	zap.ReplaceGlobals(logger)
}

// Logger returns the default logger instance
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if defaultLogger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}
		defaultLogger = logger
	}
	return defaultLogger
}

// Sync flushes any buffered log entries
func Sync() error {
	mu.Lock()
	logger := defaultLogger
	mu.Unlock()

	if logger == nil {
		return nil
	}
	// Sync on /dev/stderr fails with EINVAL on Linux; callers decide whether it matters.
	return logger.Sync()
}

func levelFromEnv(v string) zapcore.Level {
	switch v {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
