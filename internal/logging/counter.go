package logging

import (
	"context"
	"log/slog"
	"sync/atomic"
)

var (
	warnCount  atomic.Uint64
	errorCount atomic.Uint64
)

// countingHandler tallies warnings and errors that pass the level filter
// before handing the record to the real handler.
type countingHandler struct {
	base slog.Handler
}

func (h *countingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *countingHandler) Handle(ctx context.Context, record slog.Record) error {
	switch {
	case record.Level >= slog.LevelError:
		errorCount.Add(1)
	case record.Level >= slog.LevelWarn:
		warnCount.Add(1)
	}
	return h.base.Handle(ctx, record)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{base: h.base.WithAttrs(attrs)}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{base: h.base.WithGroup(name)}
}

// Counts reports how many warnings and errors have been logged since start.
func Counts() (warnings, errors uint64) {
	return warnCount.Load(), errorCount.Load()
}
