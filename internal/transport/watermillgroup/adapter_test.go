package watermillgroup

import (
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

func TestBindRecoversPanicAndAcks(t *testing.T) {
	a := New("amqp://unused", slog.Default())

	handler := a.bind(func(source string, iovecs [][]byte, flipped bool) error {
		panic("boom")
	})

	msg := message.NewMessage(watermill.NewUUID(), []byte("payload"))
	if err := handler(msg); err != nil {
		t.Fatalf("expected a panic to be recovered and acked (nil error), got %v", err)
	}
}

func TestBindPassesEndianFlagAndSourceThroughMetadata(t *testing.T) {
	a := New("amqp://unused", slog.Default())

	var gotSource string
	var gotFlipped bool
	handler := a.bind(func(source string, iovecs [][]byte, flipped bool) error {
		gotSource = source
		gotFlipped = flipped
		return nil
	})

	msg := message.NewMessage(watermill.NewUUID(), []byte("payload"))
	msg.Metadata.Set("source-addr", "node-7")
	msg.Metadata.Set("endian-flipped", "true")

	if err := handler(msg); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if gotSource != "node-7" {
		t.Fatalf("expected source-addr node-7, got %q", gotSource)
	}
	if !gotFlipped {
		t.Fatal("expected endian-flipped true to be forwarded")
	}
}

func TestBindPropagatesDeliverErrorForRetry(t *testing.T) {
	a := New("amqp://unused", slog.Default())

	wantErr := errBoom
	handler := a.bind(func(source string, iovecs [][]byte, flipped bool) error {
		return wantErr
	})

	msg := message.NewMessage(watermill.NewUUID(), []byte("payload"))
	if err := handler(msg); err != wantErr {
		t.Fatalf("expected deliver error to propagate for nack/retry, got %v", err)
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
