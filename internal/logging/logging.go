// Package logging builds the JSON slog logger shared by every binary and
// adapts it to types.Logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"notifyd/internal/types"
)

// Adapter wraps *slog.Logger to implement types.Logger. slog.Logger
// satisfies Info, Error and Warn, but its With returns *slog.Logger.
type Adapter struct {
	logger *slog.Logger
}

// Wrap adapts an existing slog logger.
func Wrap(l *slog.Logger) *Adapter {
	return &Adapter{logger: l}
}

func (a *Adapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *Adapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *Adapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *Adapter) With(args ...any) types.Logger {
	return &Adapter{logger: a.logger.With(args...)}
}

// Slog returns the underlying logger.
func (a *Adapter) Slog() *slog.Logger { return a.logger }

// ParseLevel maps a LOG_LEVEL value to a slog level. Unknown values mean
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger on stdout tagged with the service name.
func New(service, level string) *Adapter {
	return NewWithWriter(os.Stdout, service, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, service, level string) *Adapter {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})
	return &Adapter{logger: slog.New(h).With("service", service)}
}

// Nop returns a logger that discards everything.
func Nop() *Adapter {
	return &Adapter{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

var _ types.Logger = (*Adapter)(nil)
