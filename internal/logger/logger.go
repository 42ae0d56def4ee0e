package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger from observability.log_level. Unknown levels
// fall back to info rather than failing startup.
func New(level string) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:         zap.NewAtomicLevelAt(lvl),
		Development:   lvl == zapcore.DebugLevel,
		Encoding:      "json",
		EncoderConfig: encoderConfig,
		OutputPaths:   []string{"stderr"},
	}

	log, err := config.Build()
	if err != nil {
		panic(err)
	}

	return log
}
