package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	kafkax "github.com/ariefcatur/memorabilia-settlement/internal/kafka"
)

type fakePublisher struct {
	full     bool
	messages []kafkago.Message
}

func (p *fakePublisher) TryPublish(topic string, key, value []byte, headers ...kafkago.Header) bool {
	if p.full {
		return false
	}
	p.messages = append(p.messages, kafkago.Message{Topic: topic, Key: key, Value: value, Headers: headers})
	return true
}

func TestKafkaDispatcherWrapsEventInEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	d := NewKafkaDispatcher(nil, "settlement-api", nil, nil)
	d.producer = pub
	d.clock = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	d.Dispatch(context.Background(), Event{Type: TypeOrderStatusChanged, OrderID: "ord-1", UserID: "u1", Status: "CAPTURED"})

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	require.Equal(t, TopicOrderStatusChanged, msg.Topic)
	require.Equal(t, "ord-1", string(msg.Key))

	var env Envelope
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	require.NotEmpty(t, env.EventID)
	require.Equal(t, "settlement-api", env.Producer)
	e, err := kafkax.UnwrapPayload[Event](env.Payload)
	require.NoError(t, err)
	require.Equal(t, env.EventID, e.ID)
	require.Equal(t, "CAPTURED", e.Status)
}

func TestKafkaDispatcherDropsWhenFull(t *testing.T) {
	pub := &fakePublisher{full: true}
	d := NewKafkaDispatcher(nil, "svc", nil, nil)
	d.producer = pub
	require.NotPanics(t, func() {
		d.Dispatch(context.Background(), Event{Type: TypeBidOutbid, ItemID: "i", Size: "M"})
	})
	require.Empty(t, pub.messages)
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) FirstSeen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

type countingSink struct {
	delivered []Event
	err       error
}

func (s *countingSink) Deliver(_ context.Context, e Event) error {
	s.delivered = append(s.delivered, e)
	return s.err
}

func TestConsumerDeliversOncePerEventID(t *testing.T) {
	sink := &countingSink{err: errors.New("smtp down")}
	c := &Consumer{Dedup: &memDedup{seen: map[string]bool{}}, Sink: sink}

	e := Event{ID: "evt-1", Type: TypeAuctionWon, UserID: "u1", ItemID: "card-7", Size: "OS", Price: 1200}
	env := Envelope{EventID: e.ID, EventType: e.Type, EventVersion: 1, Payload: kafkax.MustMarshal(e)}
	msg := kafkago.Message{Topic: TopicAuctionWon, Value: kafkax.MustMarshal(env)}

	require.NoError(t, c.Handle(context.Background(), msg))
	require.NoError(t, c.Handle(context.Background(), msg))
	require.Len(t, sink.delivered, 1)
	require.Equal(t, int64(1200), sink.delivered[0].Price)

	require.NoError(t, c.Handle(context.Background(), kafkago.Message{Value: []byte("{not json")}))
}

func TestRecorderOfType(t *testing.T) {
	var r Recorder
	r.Dispatch(context.Background(), Event{Type: TypeBidOutbid})
	r.Dispatch(context.Background(), Event{Type: TypeAuctionWon})
	require.Len(t, r.OfType(TypeBidOutbid), 1)
	require.NotEmpty(t, r.Events()[0].ID)
}

func TestConsumerSkipsForeignEventTypeByHeader(t *testing.T) {
	dedup := &memDedup{seen: map[string]bool{}}
	sink := &countingSink{}
	c := &Consumer{Dedup: dedup, Sink: sink}

	msg := kafkago.Message{
		Value:   []byte("{not even json"),
		Headers: []kafkago.Header{{Key: HeaderEventType, Value: []byte("inventory.adjusted")}},
	}
	require.NoError(t, c.Handle(context.Background(), msg))
	require.Empty(t, sink.delivered)
	require.Empty(t, dedup.seen)
}
