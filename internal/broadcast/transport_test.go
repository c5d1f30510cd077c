package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestRedisBroadcaster_Channel(t *testing.T) {
	b := NewRedisBroadcaster(nil, "", 0)
	if got := b.channel("abc"); got != "docket:progress:abc" {
		t.Errorf("channel = %q", got)
	}
	b = NewRedisBroadcaster(nil, "staging", 0)
	if got := b.channel("abc"); got != "staging:progress:abc" {
		t.Errorf("channel = %q", got)
	}
}

func TestDecodeEvent(t *testing.T) {
	in := Event{DocumentID: "doc", Stage: "ocr", Status: "processing", Progress: 42.5, Timestamp: time.Unix(1700000000, 0).UTC()}
	payload, _ := json.Marshal(in)
	got, err := decodeEvent(string(payload))
	if err != nil {
		t.Fatalf("decodeEvent: %v", err)
	}
	if !got.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, in.Timestamp)
	}
	got.Timestamp, in.Timestamp = time.Time{}, time.Time{}
	if got != in {
		t.Errorf("decoded = %+v, want %+v", got, in)
	}

	if _, err := decodeEvent(`{"stage":"ocr"}`); err == nil {
		t.Error("event without document id accepted")
	}
	if _, err := decodeEvent(`not json`); err == nil {
		t.Error("malformed payload accepted")
	}
}

type mockWriter struct {
	msgs []kafka.Message
	err  error
}

func (m *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *mockWriter) Close() error { return nil }

func TestKafkaMirror_KeysByDocument(t *testing.T) {
	w := &mockWriter{}
	m := NewKafkaMirror(w)
	e := Event{DocumentID: "doc-9", Stage: "embedding", Status: "processing", Progress: 90}
	if err := m.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "doc-9" {
		t.Errorf("key = %q", msg.Key)
	}
	var got Event
	if err := json.Unmarshal(msg.Value, &got); err != nil || got.Progress != 90 {
		t.Errorf("value = %s (%v)", msg.Value, err)
	}
	if len(msg.Headers) != 2 || string(msg.Headers[0].Value) != "embedding" {
		t.Errorf("headers = %+v", msg.Headers)
	}
}

func TestKafkaMirror_WriteError(t *testing.T) {
	boom := errors.New("broker unavailable")
	m := NewKafkaMirror(&mockWriter{err: boom})
	if err := m.Publish(context.Background(), Event{DocumentID: "d"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestNewKafkaWriter_HashBalancer(t *testing.T) {
	w := NewKafkaWriter([]string{"localhost:9092"}, "docket.progress")
	defer w.Close()
	if _, ok := w.Balancer.(*kafka.Hash); !ok {
		t.Errorf("balancer = %T, want *kafka.Hash", w.Balancer)
	}
	if w.Topic != "docket.progress" || !w.Async {
		t.Errorf("writer = topic %q async %v", w.Topic, w.Async)
	}
}
