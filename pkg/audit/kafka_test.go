package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestNewKafkaSinkValidation(t *testing.T) {
	t.Parallel()
	if _, err := NewKafkaSink(KafkaConfig{Topic: "audit"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{" ", "\t"}, Topic: "audit"}); err == nil {
		t.Fatal("expected error when brokers are blank")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"127.0.0.1:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{" 127.0.0.1:9092 "}, Topic: "audit"})
	if err != nil {
		t.Fatalf("expected valid sink, got %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaSinkAppend(t *testing.T) {
	t.Parallel()
	w := &fakeKafkaWriter{}
	sink := &KafkaSink{writer: w}
	rec := Record{Timestamp: t0, Agent: "agent-1", Scope: "openai:chat.create", Status: "success"}
	if err := sink.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "agent-1" {
		t.Fatalf("unexpected messages: %+v", w.msgs)
	}
	var decoded Record
	if err := json.Unmarshal(w.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Scope != rec.Scope || !decoded.Timestamp.Equal(t0) {
		t.Fatalf("unexpected payload: %+v", decoded)
	}

	sink.Redact = true
	sink.HashSalt = []byte("salt")
	_ = sink.Append(context.Background(), rec)
	if string(w.msgs[1].Key) == "agent-1" {
		t.Fatal("redacted sink must not key by raw agent")
	}

	w.err = errors.New("broker down")
	if err := sink.Append(context.Background(), rec); err == nil {
		t.Fatal("expected write error")
	}
	if _, err := sink.Query(context.Background(), Filter{}); !errors.Is(err, ErrQueryUnsupported) {
		t.Fatalf("expected unsupported query, got %v", err)
	}
	if err := sink.Close(); err != nil || !w.closed {
		t.Fatalf("expected writer closed, err=%v", err)
	}
	var nilSink *KafkaSink
	if err := nilSink.Append(context.Background(), rec); err == nil {
		t.Fatal("expected error for nil sink")
	}
	if err := nilSink.Close(); err != nil {
		t.Fatalf("nil close must be a no-op: %v", err)
	}
}
