// Package logger builds the daemon's zap logger from configuration.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Type is where log messages are sent: stderr, stdout or logfile.
	Type string `mapstructure:"type"`
	// File is the log path when Type is logfile.
	File string `mapstructure:"file"`
	// Level adjusts verbosity (0=Fatal, 1=Error, 2=Warn, 3=Info, 4+=Debug).
	Level int8 `mapstructure:"level"`
	// Developer enables development output with stack traces, overriding
	// the other settings.
	Developer bool `mapstructure:"developer"`
}

// Logger wraps zap so callers defer Sync without caring about the sink.
type Logger struct {
	*zap.Logger
}

func New(cfg Config) (*Logger, error) {
	if cfg.Developer {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return &Logger{l}, nil
	}

	var sink zapcore.WriteSyncer
	switch cfg.Type {
	case "", "stderr":
		sink = zapcore.Lock(os.Stderr)
	case "stdout":
		sink = zapcore.Lock(os.Stdout)
	case "logfile":
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("unable to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("unable to open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	default:
		return nil, fmt.Errorf("unknown log type %q", cfg.Type)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, levelFor(cfg.Level))
	return &Logger{zap.New(core)}, nil
}

func levelFor(level int8) zapcore.Level {
	switch {
	case level <= 0:
		return zapcore.FatalLevel
	case level == 1:
		return zapcore.ErrorLevel
	case level == 2:
		return zapcore.WarnLevel
	case level == 3:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
