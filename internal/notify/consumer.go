package notify

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/memorabilia-settlement/internal/kafka"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
)

// Sink performs delivery (email, push, ...). It lives outside this service.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// Deduper reports whether an event id is seen for the first time.
type Deduper interface {
	FirstSeen(ctx context.Context, eventID string) (bool, error)
}

type Consumer struct {
	Dedup  Deduper
	Sink   Sink
	Logger *zap.Logger
}

// Handle is installed as the kafka consumer handler. The dedup mark is written
// before delivery, so a crash mid-delivery loses the notification rather than
// sending it twice.
func (c *Consumer) Handle(ctx context.Context, m kafkago.Message) error {
	logger := logging.OrNop(c.Logger)

	if t := kafkax.Header(m, HeaderEventType); t != "" {
		if _, ok := TopicFor(Type(t)); !ok {
			return nil
		}
	}

	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		logger.Warn("undecodable envelope skipped", zap.String("topic", m.Topic), zap.Error(err))
		return nil
	}
	if _, ok := TopicFor(env.EventType); !ok {
		return nil
	}

	first, err := c.Dedup.FirstSeen(ctx, env.EventID)
	if err != nil {
		return err
	}
	if !first {
		return nil
	}

	e, err := kafkax.UnwrapPayload[Event](env.Payload)
	if err != nil {
		logger.Warn("undecodable payload skipped", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if err := c.Sink.Deliver(ctx, e); err != nil {
		logger.Warn("notification delivery failed",
			zap.String("event_id", e.ID), zap.String("type", string(e.Type)), zap.Error(err))
	}
	return nil
}

// LogSink records delivery requests in the log.
type LogSink struct{ Logger *zap.Logger }

func (s LogSink) Deliver(_ context.Context, e Event) error {
	logging.OrNop(s.Logger).Info("notification requested",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("user_id", e.UserID),
		zap.String("order_id", e.OrderID),
		zap.String("item_id", e.ItemID),
		zap.String("size", e.Size),
		zap.Int64("price", e.Price),
		zap.String("status", e.Status),
	)
	return nil
}
