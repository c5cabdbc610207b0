//go:build integration

package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"esimcheckout/internal/checkout"

	"github.com/segmentio/kafka-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestProducer_PublishToBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tckafka.Run(ctx,
		"confluentinc/confluent-local:7.8.0",
		tckafka.WithClusterID("test-cluster"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to get kafka brokers: %v", err)
	}

	const topic = "checkout.sessions.it"
	producer := NewProducer(brokers, topic)
	t.Cleanup(func() { _ = producer.Close() })

	event := checkout.SessionEvent{
		Type:       checkout.EventSessionCreated,
		SessionID:  "sess-kafka-1",
		Operation:  "CreateSession",
		Status:     checkout.StatusSelectBundle,
		Version:    1,
		OccurredAt: time.Now().UTC(),
	}

	// The first write may race topic auto-creation.
	deadline := time.Now().Add(30 * time.Second)
	for {
		err = producer.Publish(ctx, event)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("publish: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  "checkout-it",
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	t.Cleanup(func() { _ = reader.Close() })

	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Key) != event.SessionID {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var got checkout.SessionEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != checkout.EventSessionCreated || got.Version != 1 {
		t.Fatalf("unexpected event %+v", got)
	}
}
