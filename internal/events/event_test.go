package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
)

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestFanout_PublishesToAllAndJoinsErrors(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	boom := errors.New("boom")
	f := Fanout{a, failingPublisher{err: boom}, nil, b}
	err := f.Publish(context.Background(), Event{Type: TypeRegistered, AccountID: "acc-1"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want to wrap boom", err)
	}
	if a.Count(TypeRegistered) != 1 || b.Count(TypeRegistered) != 1 {
		t.Error("every publisher should receive the event despite one failing")
	}
}

func TestPublishAsync_Delivers(t *testing.T) {
	r := NewRecorder()
	PublishAsync(r, Event{Type: TypeExpired, AccountID: "acc-1"}, zap.NewNop())
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.Events(); len(evs) == 1 {
			if evs[0].OccurredAt.IsZero() {
				t.Error("OccurredAt should be stamped")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event not delivered")
}

func TestPublishAsync_NilPublisher(t *testing.T) {
	PublishAsync(nil, Event{Type: TypeExpired}, nil)
}

func TestEncode(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := encode(Event{Type: TypeProvisioned, AccountID: "acc-1", Handle: "novax", OccurredAt: at})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "account.provisioned" || got["account_id"] != "acc-1" || got["handle"] != "novax" {
		t.Errorf("payload = %s", b)
	}
	if _, ok := got["attributes"]; ok {
		t.Error("empty attributes should be omitted")
	}
}

func TestNewKafkaProducer_DisabledWithoutBrokers(t *testing.T) {
	if p := NewKafkaProducer(nil, "topic"); p != nil {
		t.Error("expected nil producer without brokers")
	}
	if p := NewKafkaProducer([]string{"localhost:9092"}, ""); p != nil {
		t.Error("expected nil producer without topic")
	}
	var p *KafkaProducer
	if err := p.Publish(context.Background(), Event{}); err != nil {
		t.Errorf("nil producer Publish: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil producer Close: %v", err)
	}
}

type recordCapture struct{ rec otellog.Record }

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) { r.rec = rec }

func TestLogEmitter_Attributes(t *testing.T) {
	c := &recordCapture{}
	em := newLogEmitterWithLogger(c)
	err := em.Publish(context.Background(), Event{
		Type:       TypeProvisioningFailed,
		AccountID:  "acc-1",
		Handle:     "novax",
		Attributes: map[string]string{"step": "createMailbox"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	attrs := map[string]string{}
	c.rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	want := map[string]string{"event_type": "account.provisioning_failed", "account_id": "acc-1", "handle": "novax", "step": "createMailbox"}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %s = %q, want %q", k, attrs[k], v)
		}
	}
	if c.rec.Timestamp().IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestNewLogEmitter_NilProvider(t *testing.T) {
	if _, ok := NewLogEmitter(nil).(Nop); !ok {
		t.Error("nil provider should yield Nop")
	}
}
