package logger

import (
	"context"
	"log"
	"log/slog"
	"strings"
)

// StdLogger returns a *log.Logger writing to l at level. The web server uses
// it as http.Server.ErrorLog.
func StdLogger(l *Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(NewSlogHandler(OrNop(l)), level)
}

// SetDefault makes l the process-wide slog default. Provider SDKs and
// anything else logging through slog or the log package then end up in the
// autopilot log under the "sdk" prefix.
func SetDefault(l *Logger) {
	if l == nil {
		return
	}
	slog.SetDefault(slog.New(NewSlogHandler(l.WithPrefix("sdk"))))
}

// NewSlogHandler returns a slog.Handler writing to l, or nil if l is nil.
// Attributes are rendered as key=value after the message, with group names
// joined by dots.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogBridge{log: l}
}

type slogBridge struct {
	log *Logger
	// group is the dotted group path including a trailing dot.
	group string
	// bound holds attributes from WithAttrs, already rendered.
	bound string
}

func (h *slogBridge) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlog(level) >= h.log.GetLevel()
}

func (h *slogBridge) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		render(&b, h.group, a)
		return true
	})
	line := strings.TrimLeft(b.String(), " ")

	switch fromSlog(r.Level) {
	case LevelError:
		h.log.Error("%s", line)
	case LevelWarn:
		h.log.Warn("%s", line)
	case LevelInfo:
		h.log.Info("%s", line)
	default:
		h.log.Debug("%s", line)
	}
	return nil
}

func (h *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.bound)
	for _, a := range attrs {
		render(&b, h.group, a)
	}
	return &slogBridge{log: h.log, group: h.group, bound: b.String()}
}

func (h *slogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogBridge{log: h.log, group: h.group + name + ".", bound: h.bound}
}

func fromSlog(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// render appends " group.key=value" for a, flattening nested groups.
func render(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		inner := group
		if a.Key != "" {
			inner += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			render(b, inner, ga)
		}
		return
	}
	key := a.Key
	if key == "" {
		key = "attr"
	}
	b.WriteByte(' ')
	b.WriteString(group)
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}
