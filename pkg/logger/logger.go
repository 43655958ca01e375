package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

// NewFor picks the handler by environment: human-readable text in
// development, JSON everywhere else.
func NewFor(environment, service string, level slog.Level) *slog.Logger {
	if environment == "development" {
		h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
		return slog.New(h).With("service", service)
	}
	return New(service, level)
}
