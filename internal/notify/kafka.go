package notify

import (
	"context"
	"time"

	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the non-blocking side of kafkax.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) bool
}

// KafkaSink wraps events in an Envelope and publishes them on the
// notification topic. A full producer buffer drops the event with a log line.
type KafkaSink struct {
	Producer Publisher
	Service  string
	Logger   *zap.Logger
}

func (s *KafkaSink) Notify(ctx context.Context, ev Event) {
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Type,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Service,
		TraceID:       traceID(ctx),
		CorrelationID: ev.Key,
		Payload:       kafkax.MustMarshal(ev.Payload),
	}
	ok := s.Producer.Publish(PartitionKey(ev.Key), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(ev.Type)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
	if !ok && s.Logger != nil {
		s.Logger.Warn("notification dropped",
			zap.String("type", ev.Type),
			zap.String("key", ev.Key))
	}
}

type traceKey struct{}

// WithTraceID tags ctx so envelopes published under it carry the id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

func traceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
