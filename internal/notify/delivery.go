package notify

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Deduper remembers keys for a while; MarkOnce reports true the first time
// it sees a key.
type Deduper interface {
	MarkOnce(ctx context.Context, key string) (bool, error)
}

// Delivery consumes the notification topic and hands each event to the
// delivery channel. Only a log channel exists; email/push delivery lives
// outside this service.
type Delivery struct {
	Dedup  Deduper
	Out    Sink
	Logger *zap.Logger
}

// HandleMessage is installed as the kafka consumer handler.
func (d *Delivery) HandleMessage(ctx context.Context, m kafkago.Message) error {
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Poison message: log and commit so it does not block the partition.
		d.Logger.Error("undecodable notification", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if d.Dedup != nil {
		first, err := d.Dedup.MarkOnce(ctx, fmt.Sprintf("notify:%s", env.EventID))
		if err != nil {
			return fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			return nil
		}
	}
	d.Out.Notify(ctx, Event{Type: env.EventType, Key: env.CorrelationID, Payload: env.Payload})
	return nil
}
