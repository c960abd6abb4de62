package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	With(args ...any) Logger
	WithGroup(name string) Logger
}

// New picks the handler by environment: JSON for production, text otherwise.
// Logs always go to stderr, stdout is left for command output.
func New(env string, level string) (Logger, error) {
	switch strings.ToLower(env) {
	case EnvProduction:
		return NewJSONLogger(level)
	case EnvDevelopment, "":
		return NewTextLogger(level)
	default:
		return nil, fmt.Errorf("unknown environment: %q", env)
	}
}

func NewTextLogger(level string) (Logger, error) {
	opts, err := options(level)
	if err != nil {
		return nil, err
	}

	return newSlogLogger(slog.NewTextHandler(os.Stderr, opts)), nil
}

func NewJSONLogger(level string) (Logger, error) {
	opts, err := options(level)
	if err != nil {
		return nil, err
	}

	return newSlogLogger(slog.NewJSONHandler(os.Stderr, opts)), nil
}

// NewWriterLogger writes text records to w; handy in tests that assert on log output
func NewWriterLogger(w io.Writer, level string) (Logger, error) {
	opts, err := options(level)
	if err != nil {
		return nil, err
	}

	return newSlogLogger(slog.NewTextHandler(w, opts)), nil
}

func NewNoOpLogger() Logger {
	return newSlogLogger(slog.DiscardHandler)
}

func options(level string) (*slog.HandlerOptions, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	return &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   true,
		ReplaceAttr: replace,
	}, nil
}
