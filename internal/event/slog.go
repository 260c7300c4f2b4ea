package event

import (
	"context"
	"log/slog"
	"slices"
)

// SlogSink writes each event as a structured log record.
type SlogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewSlogSink logs events on logger at level.
func NewSlogSink(logger *slog.Logger, level slog.Level) *SlogSink {
	return &SlogSink{logger: logger, level: level}
}

func (s *SlogSink) Emit(e Event) {
	attrs := make([]slog.Attr, 0, len(e.Fields)+3)
	attrs = append(attrs, slog.String("eventid", e.Type.String()))
	if e.Session != "" {
		attrs = append(attrs, slog.String("session", e.Session))
	}
	if e.SrcIP != "" {
		attrs = append(attrs, slog.String("src_ip", e.SrcIP))
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, e.Fields[k]))
	}
	s.logger.LogAttrs(context.Background(), s.level, "honeysh.event", attrs...)
}
