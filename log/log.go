package log

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process wide logger. It discards everything until InitLogger is called.
var Logger = zap.NewNop()

// InitLogger builds the global logger. level is one of debug, info, warn, error.
// development switches to the human readable console encoder.
func InitLogger(level string, development bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	config.Level = zap.NewAtomicLevelAt(lvl)
	config.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Local().Format(time.RFC3339))
	}

	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Logger.Sync()
}
