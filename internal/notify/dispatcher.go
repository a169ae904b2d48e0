package notify

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/memorabilia-settlement/internal/kafka"
	"github.com/ariefcatur/memorabilia-settlement/internal/logging"
	"github.com/ariefcatur/memorabilia-settlement/internal/metrics"
)

// Dispatcher hands events to the notification side at most once. It never reports
// failure to the caller; domain state is never rolled back because of it.
type Dispatcher interface {
	Dispatch(ctx context.Context, e Event)
}

type publisher interface {
	TryPublish(topic string, key, value []byte, headers ...kafkago.Header) bool
}

type KafkaDispatcher struct {
	producer publisher
	service  string
	logger   *zap.Logger
	metrics  *metrics.Metrics
	clock    func() time.Time
}

func NewKafkaDispatcher(p *kafkax.Producer, service string, logger *zap.Logger, m *metrics.Metrics) *KafkaDispatcher {
	return &KafkaDispatcher{
		producer: p,
		service:  service,
		logger:   logging.OrNop(logger),
		metrics:  m,
		clock:    time.Now,
	}
}

func (d *KafkaDispatcher) Dispatch(_ context.Context, e Event) {
	e = stamp(e, d.clock)
	topic, ok := TopicFor(e.Type)
	if !ok {
		d.logger.Warn("event type has no topic", zap.String("type", string(e.Type)))
		return
	}
	env := Envelope{
		EventID:       e.ID,
		EventType:     e.Type,
		EventVersion:  1,
		OccurredAt:    e.OccurredAt,
		Producer:      d.service,
		CorrelationID: e.AggregateKey(),
		Payload:       kafkax.MustMarshal(e),
	}
	accepted := d.producer.TryPublish(topic, []byte(e.AggregateKey()), kafkax.MustMarshal(env),
		kafkago.Header{Key: HeaderEventType, Value: []byte(e.Type)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
	)
	if !accepted {
		d.metrics.Dropped(string(e.Type))
		d.logger.Warn("event dropped, producer inbox full",
			zap.String("event_id", e.ID), zap.String("type", string(e.Type)), zap.String("user_id", e.UserID))
	}
}

// HeaderEventType lets consumers skip foreign event types without decoding the body.
const HeaderEventType = "x-event-type"

func stamp(e Event, clock func() time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = clock().UTC()
	}
	return e
}

// Recorder keeps dispatched events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Dispatch(_ context.Context, e Event) {
	e = stamp(e, time.Now)
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Nop discards events.
type Nop struct{}

func (Nop) Dispatch(context.Context, Event) {}
