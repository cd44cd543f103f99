package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Constants for logging levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Known environments
// Development logs as text, production logs as json
const (
	EnvDevelopment = "dev"
	EnvProduction  = "prod"
)

// Logger interface defines the logging contract
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

// New creates a logger for the given environment and level
func New(environment string, level string) (Logger, error) {
	opts := &slog.HandlerOptions{
		Level:       parseLevelString(level),
		AddSource:   true,
		ReplaceAttr: replace,
	}

	var handler slog.Handler
	switch strings.ToLower(environment) {
	case EnvDevelopment:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case EnvProduction:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown environment: %q", environment)
	}

	return &slogLogger{logger: slog.New(handler)}, nil
}

// NewNoOpLogger creates a logger that discards all log messages
func NewNoOpLogger() Logger {
	logger := slog.New(slog.DiscardHandler)
	return &slogLogger{logger: logger}
}
