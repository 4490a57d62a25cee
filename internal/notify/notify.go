// Package notify carries domain events out of the circulation core.
// Delivery is best-effort: a failed emit is logged by the caller and never
// changes the outcome of a circulation operation.
package notify

import (
	"context"
	"log/slog"
)

// Event is a fire-and-forget domain notification.
type Event struct {
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload"`
}

// Sink receives domain events.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// LogSink writes every event to the structured log. It is the default sink
// and also serves as the audit trail for emitted notifications.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	attrs := make([]any, 0, 2+2*len(ev.Payload))
	attrs = append(attrs, "event", ev.Type)
	for k, v := range ev.Payload {
		attrs = append(attrs, k, v)
	}
	s.log.InfoContext(ctx, "domain event", attrs...)
	return nil
}

// FanOut emits to every sink and returns the first error, after all sinks
// have seen the event.
type FanOut []Sink

func (f FanOut) Emit(ctx context.Context, ev Event) error {
	var first error
	for _, s := range f {
		if err := s.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
