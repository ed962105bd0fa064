package build

import (
	"context"
	"log/slog"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
)

// HandlerSet fans every log record out to a set of underlying btclog
// handlers. The daemon uses it to write each record both to stderr and to
// the rotating log file with a single logger per subsystem.
type HandlerSet struct {
	level btclog.Level
	set   []btclogv2.Handler
}

// NewHandlerSet constructs a HandlerSet over the given handlers, starting
// everything at the Info level.
func NewHandlerSet(handlers ...btclogv2.Handler) *HandlerSet {
	h := &HandlerSet{
		set:   handlers,
		level: btclog.LevelInfo,
	}
	h.SetLevel(h.level)

	return h
}

// SubLogger returns a logger tagged with the given subsystem, writing
// through every handler in the set.
func (h *HandlerSet) SubLogger(tag string) btclogv2.Logger {
	return btclogv2.NewSLogger(h.SubSystem(tag))
}

// Enabled reports whether every handler in the set accepts records at the
// given level.
//
// NOTE: this is part of the slog.Handler interface.
func (h *HandlerSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.set {
		if !handler.Enabled(ctx, level) {
			return false
		}
	}

	return true
}

// Handle dispatches the record to every handler, stopping at the first
// failure.
//
// NOTE: this is part of the slog.Handler interface.
func (h *HandlerSet) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range h.set {
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs returns a handler carrying the receiver's attributes plus the
// arguments.
//
// NOTE: this is part of the slog.Handler interface.
func (h *HandlerSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.set))
	for i, handler := range h.set {
		out[i] = handler.WithAttrs(attrs)
	}

	return &slogFanout{set: out}
}

// WithGroup returns a handler with the group appended to the receiver's
// groups.
//
// NOTE: this is part of the slog.Handler interface.
func (h *HandlerSet) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.set))
	for i, handler := range h.set {
		out[i] = handler.WithGroup(name)
	}

	return &slogFanout{set: out}
}

// SubSystem returns a copy of the set where every handler carries the given
// subsystem tag.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *HandlerSet) SubSystem(tag string) btclogv2.Handler {
	out := make([]btclogv2.Handler, len(h.set))
	for i, handler := range h.set {
		out[i] = handler.SubSystem(tag)
	}

	return &HandlerSet{set: out, level: h.level}
}

// SetLevel changes the logging level on every handler in the set.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *HandlerSet) SetLevel(level btclog.Level) {
	for _, handler := range h.set {
		handler.SetLevel(level)
	}
	h.level = level
}

// Level returns the current logging level.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *HandlerSet) Level() btclog.Level {
	return h.level
}

// WithPrefix returns a copy of the set where every handler prefixes log
// messages with the given string.
//
// NOTE: this is part of the btclog.Handler interface.
func (h *HandlerSet) WithPrefix(prefix string) btclogv2.Handler {
	out := make([]btclogv2.Handler, len(h.set))
	for i, handler := range h.set {
		out[i] = handler.WithPrefix(prefix)
	}

	return &HandlerSet{set: out, level: h.level}
}

var _ btclogv2.Handler = (*HandlerSet)(nil)

// slogFanout is the plain slog counterpart of HandlerSet. WithAttrs and
// WithGroup produce slog.Handlers, which drop the btclog-specific methods,
// so the fanout continues at the slog layer from there on.
type slogFanout struct {
	set []slog.Handler
}

// Enabled reports whether every handler accepts records at the level.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range s.set {
		if !handler.Enabled(ctx, level) {
			return false
		}
	}

	return true
}

// Handle dispatches the record to every handler, stopping at the first
// failure.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range s.set {
		if err := handler.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// WithAttrs returns a handler carrying the receiver's attributes plus the
// arguments.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(s.set))
	for i, handler := range s.set {
		out[i] = handler.WithAttrs(attrs)
	}

	return &slogFanout{set: out}
}

// WithGroup returns a handler with the group appended to the receiver's
// groups.
//
// NOTE: this is part of the slog.Handler interface.
func (s *slogFanout) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(s.set))
	for i, handler := range s.set {
		out[i] = handler.WithGroup(name)
	}

	return &slogFanout{set: out}
}

var _ slog.Handler = (*slogFanout)(nil)
