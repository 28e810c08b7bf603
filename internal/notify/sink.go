// Package notify is the fire-and-forget notification sink. Services call
// Notify after their transaction commits; a sink must never block the
// caller or report delivery failures back to it.
package notify

import (
	"context"
	"encoding/json"
	"sync"

	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"go.uber.org/zap"
)

type Sink interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Fanout hands each event to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, ev Event) {
	for _, s := range f {
		s.Notify(ctx, ev)
	}
}

// LogSink writes events to the log.
type LogSink struct{ Logger *zap.Logger }

func (l LogSink) Notify(_ context.Context, ev Event) {
	fields := []zap.Field{zap.String("type", ev.Type), zap.String("key", ev.Key)}
	if raw, ok := ev.Payload.(json.RawMessage); ok {
		// Order events name the customer; the rest go to admins.
		if r, err := kafkax.UnwrapPayload[recipient](raw); err == nil && r.UserID != "" {
			fields = append(fields, zap.String("user_id", r.UserID))
		}
	}
	l.Logger.Info("notification", fields...)
}

type recipient struct {
	UserID string `json:"user_id"`
}

// Recorder keeps every event; tests use it to assert on emissions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type typ were recorded.
func (r *Recorder) Count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}
