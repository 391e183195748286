package bus

import (
	"context"
	"testing"
	"time"
)

func receive(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryDeliversInPublishOrder(t *testing.T) {
	broker := NewMemory()
	defer broker.Close()
	ctx := context.Background()

	sub, err := broker.Subscribe("encode-jobs", "encoders")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	for _, payload := range []string{"a", "b", "c"} {
		if err := broker.Publish(ctx, "encode-jobs", "vid-1", []byte(payload)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		msg := receive(t, sub)
		if string(msg.Payload) != want {
			t.Fatalf("payload = %q, want %q", msg.Payload, want)
		}
		if msg.Key != "vid-1" {
			t.Fatalf("key = %q, want vid-1", msg.Key)
		}
		if err := sub.Ack(ctx, msg); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
}

func TestMemorySubscribeSeesEarlierMessages(t *testing.T) {
	broker := NewMemory()
	defer broker.Close()
	ctx := context.Background()

	if err := broker.Publish(ctx, "thumbnail-jobs", "vid-1", []byte("job")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	sub, err := broker.Subscribe("thumbnail-jobs", "thumbnailers")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	msg := receive(t, sub)
	if string(msg.Payload) != "job" {
		t.Fatalf("payload = %q, want job", msg.Payload)
	}
}

func TestMemoryRedeliversUnackedMessages(t *testing.T) {
	broker := NewMemory()
	defer broker.Close()
	ctx := context.Background()

	first, err := broker.Subscribe("encode-jobs", "encoders")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := broker.Publish(ctx, "encode-jobs", "vid-1", []byte("job-1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := receive(t, first)
	if string(msg.Payload) != "job-1" {
		t.Fatalf("payload = %q", msg.Payload)
	}
	// Close without acking: the delivery returns to the group.
	first.Close()

	second, err := broker.Subscribe("encode-jobs", "encoders")
	if err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	defer second.Close()
	redelivered := receive(t, second)
	if string(redelivered.Payload) != "job-1" {
		t.Fatalf("redelivered payload = %q, want job-1", redelivered.Payload)
	}
	if err := second.Ack(ctx, redelivered); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

func TestMemoryGroupsConsumeIndependently(t *testing.T) {
	broker := NewMemory()
	defer broker.Close()
	ctx := context.Background()

	encoders, err := broker.Subscribe("encoding-status", "encoders")
	if err != nil {
		t.Fatalf("Subscribe encoders: %v", err)
	}
	defer encoders.Close()
	watchers, err := broker.Subscribe("encoding-status", "watchers")
	if err != nil {
		t.Fatalf("Subscribe watchers: %v", err)
	}
	defer watchers.Close()

	if err := broker.Publish(ctx, "encoding-status", "vid-1", []byte("ready")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	fromEncoders := receive(t, encoders)
	fromWatchers := receive(t, watchers)
	if string(fromEncoders.Payload) != "ready" || string(fromWatchers.Payload) != "ready" {
		t.Fatal("both groups should receive the message")
	}
	_ = encoders.Ack(ctx, fromEncoders)
	_ = watchers.Ack(ctx, fromWatchers)
}

func TestMemoryPublishAfterCloseFails(t *testing.T) {
	broker := NewMemory()
	broker.Close()
	if err := broker.Publish(context.Background(), "encode-jobs", "k", []byte("x")); err == nil {
		t.Fatal("expected error publishing on a closed bus")
	}
	if _, err := broker.Subscribe("encode-jobs", "encoders"); err == nil {
		t.Fatal("expected error subscribing on a closed bus")
	}
}
