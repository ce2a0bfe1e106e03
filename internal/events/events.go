// Package events delivers execution lifecycle events to external
// channels (webhooks, logs). Delivery is best-effort: an event sink
// failure never blocks or fails the operation that produced the event.
package events

import (
	"context"
	"log/slog"
	"time"

	"intent-trader/internal/model"
)

// Kind classifies an event.
type Kind string

const (
	SignalGenerated Kind = "SIGNAL_GENERATED"
	OrderSubmitted  Kind = "ORDER_SUBMITTED"
	OrderFilled     Kind = "ORDER_FILLED"
	OrderRejected   Kind = "ORDER_REJECTED"
	OrderCancelled  Kind = "ORDER_CANCELLED"
	OrderFailed     Kind = "ORDER_FAILED"
	Reconciled      Kind = "RECONCILED"
)

// Event is one lifecycle notification.
type Event struct {
	Kind       Kind      `json:"kind"`
	OrderID    string    `json:"order_id,omitempty"`
	SignalID   string    `json:"signal_id,omitempty"`
	Instrument string    `json:"instrument,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	TS         time.Time `json:"ts"`
}

// FromOrder builds an event for an order reaching the given state.
func FromOrder(kind Kind, o model.Order, detail string) Event {
	return Event{
		Kind:       kind,
		OrderID:    o.ID,
		SignalID:   o.SignalID,
		Instrument: o.Instrument,
		Backend:    o.Backend,
		Detail:     detail,
		TS:         time.Now(),
	}
}

// Sink is the interface for event delivery backends.
type Sink interface {
	// Send delivers an event. Returns error if delivery fails.
	Send(ctx context.Context, ev Event) error
}

// LogSink writes events to the structured log (useful for development).
type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (s *LogSink) Send(ctx context.Context, ev Event) error {
	slog.Info("event",
		"kind", string(ev.Kind),
		"order_id", ev.OrderID,
		"instrument", ev.Instrument,
		"backend", ev.Backend,
		"detail", ev.Detail)
	return nil
}

// Emit sends to every sink, logging failures instead of returning them.
func Emit(ctx context.Context, sinks []Sink, ev Event) {
	for _, s := range sinks {
		if err := s.Send(ctx, ev); err != nil {
			slog.Warn("event delivery failed", "kind", string(ev.Kind), "err", err)
		}
	}
}
