package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field keys shared by every media component.
const (
	KeyComponent = "component"
	KeySession   = "session"
	KeyBackend   = "backend"
	KeyError     = "error"
	KeyWidth     = "width"
	KeyHeight    = "height"
)

// rootHandler forwards to whichever handler Init installed last, so
// package-level loggers declared before Init still honour the configured
// format and level.
type rootHandler struct {
	cur    *atomic.Pointer[slog.Handler]
	attrs  []slog.Attr
	groups []string
}

func (h *rootHandler) resolve() slog.Handler {
	handler := *h.cur.Load()
	for _, g := range h.groups {
		handler = handler.WithGroup(g)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *rootHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *rootHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *rootHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &rootHandler{cur: h.cur, groups: append([]string(nil), h.groups...)}
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	next.attrs = append(next.attrs, attrs...)
	return next
}

func (h *rootHandler) WithGroup(name string) slog.Handler {
	next := &rootHandler{cur: h.cur, attrs: append([]slog.Attr(nil), h.attrs...)}
	next.groups = append(append(make([]string, 0, len(h.groups)+1), h.groups...), name)
	return next
}

var (
	current atomic.Pointer[slog.Handler]
	root    = &rootHandler{cur: &current}
	logger  = slog.New(root)
)

func init() {
	install(&countingHandler{base: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})})
	slog.SetDefault(logger)
}

func install(h slog.Handler) {
	current.Store(&h)
}

// Init configures the process-wide logger. It may be called more than once;
// loggers obtained from L before the call switch over immediately.
//
// format is "json" or "text", level one of debug/info/warn/error, and a nil
// output means stdout.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	install(&countingHandler{base: h})
	slog.SetDefault(logger)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return logger.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying a session identifier.
func WithSession(l *slog.Logger, session string) *slog.Logger {
	return l.With(slog.String(KeySession, session))
}

// Err is a shorthand for the error attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
