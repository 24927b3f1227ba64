package observability

import (
	"io"
	"log/slog"
	"strings"

	"autosubmit/internal/apperrors"
)

// NewLogger builds the process logger. format is json or text; level is
// any name slog understands (debug, info, warn, error).
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, apperrors.Config("LOG_LEVEL", "unknown level "+level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, apperrors.Config("LOG_FORMAT", "must be json or text, got "+format)
	}
}
