package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.msgs) == 0 {
		r.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func TestKafkaConsumer_DeliversAndCommits(t *testing.T) {
	good, err := encode(Event{Type: TypeExpired, AccountID: "a1", Handle: "novax"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: good},
			{Offset: 2, Value: []byte("not json")},
			{Offset: 3, Value: good},
		},
		cancel: cancel,
	}
	rec := NewRecorder()
	if err := newKafkaConsumer(r, rec, nil).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Count(TypeExpired) != 2 {
		t.Errorf("delivered %d events, want 2", rec.Count(TypeExpired))
	}
	if len(r.committed) != 3 {
		t.Errorf("committed %v, want all three offsets", r.committed)
	}
	if !r.closed {
		t.Error("reader should be closed")
	}
}

type dbDownPublisher struct{}

func (dbDownPublisher) Publish(context.Context, Event) error { return errors.New("db down") }

func TestKafkaConsumer_HandlerFailureStillCommits(t *testing.T) {
	payload, _ := encode(Event{Type: TypeDeleted, AccountID: "a1"})
	ctx, cancel := context.WithCancel(context.Background())
	r := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: payload}}, cancel: cancel}
	if err := newKafkaConsumer(r, dbDownPublisher{}, nil).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if len(r.committed) != 1 {
		t.Errorf("committed = %v", r.committed)
	}
}

func TestNewKafkaConsumer_Disabled(t *testing.T) {
	if c := NewKafkaConsumer(nil, "topic", "group", NewRecorder(), nil); c != nil {
		t.Error("no brokers should disable the consumer")
	}
	if c := NewKafkaConsumer([]string{"localhost:9092"}, "", "group", NewRecorder(), nil); c != nil {
		t.Error("no topic should disable the consumer")
	}
}
