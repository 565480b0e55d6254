package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler wraps slog.TextHandler and writes a colored level ahead of
// each record. The level key itself is dropped from the text output.
type ColorTextHandler struct {
	*slog.TextHandler
	out      *prefixWriter
	showTime bool
}

// prefixWriter prepends the current prefix to each record. slog hands a
// whole record to a single Write call.
type prefixWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	line := make([]byte, 0, len(p.prefix)+len(b))
	line = append(append(line, p.prefix...), b...)
	if _, err := p.w.Write(line); err != nil {
		return 0, err
	}
	return len(b), nil
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	var o slog.HandlerOptions
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			return slog.Attr{}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	out := &prefixWriter{w: w}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(out, &o),
		out:         out,
		showTime:    showTime,
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = levelColor(r.Level) + r.Level.String() + "\033[0m "
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps the color wrapper when attributes are bound.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	th, _ := h.TextHandler.WithAttrs(attrs).(*slog.TextHandler)
	return &ColorTextHandler{TextHandler: th, out: h.out, showTime: h.showTime}
}

// WithGroup keeps the color wrapper when a group is opened.
func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	th, _ := h.TextHandler.WithGroup(name).(*slog.TextHandler)
	return &ColorTextHandler{TextHandler: th, out: h.out, showTime: h.showTime}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // Red
	case l >= slog.LevelWarn:
		return "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // Green
	default:
		return "\033[36m" // Cyan
	}
}
