package eventbus

import (
	"context"
	"log/slog"
	"maps"
)

// SlogHandler writes records to an inner handler and also publishes each
// one as a LogEntry event. Grouped keys are flattened with dots.
type SlogHandler struct {
	inner  slog.Handler
	bus    *Bus
	fields map[string]any // from WithAttrs, already prefixed
	prefix string
}

// NewSlogHandler returns a handler that writes to inner and publishes to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus}
}

func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := make(map[string]any, len(h.fields)+r.NumAttrs()+3)
	maps.Copy(entry, h.fields)
	r.Attrs(func(a slog.Attr) bool {
		flatten(entry, h.prefix, a)
		return true
	})
	entry["level"] = r.Level.String()
	entry["msg"] = r.Message
	entry["time"] = r.Time
	h.bus.PublishType(LogEntry, entry)

	return h.inner.Handle(ctx, r)
}

func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := maps.Clone(h.fields)
	if fields == nil {
		fields = make(map[string]any, len(attrs))
	}
	for _, a := range attrs {
		flatten(fields, h.prefix, a)
	}
	return &SlogHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, fields: fields, prefix: h.prefix}
}

func (h *SlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SlogHandler{inner: h.inner.WithGroup(name), bus: h.bus, fields: h.fields, prefix: h.prefix + name + "."}
}

func flatten(dst map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
	default:
		if a.Key == "" {
			return
		}
		val := v.Any()
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		dst[prefix+a.Key] = val
	}
}
