package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func delivery(t *testing.T, ack *fakeAck, redelivered bool, body any) amqp.Delivery {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: raw, Redelivered: redelivered}
}

func testConsumer(h Handler) *Consumer {
	return NewConsumer(nil, nil, ConsumerConfig{Queue: QueueOccurrencesDue, Handler: h})
}

func TestConsumer_HandleDelivery(t *testing.T) {
	ruleID := uuid.New()
	at := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	msg := Message{
		ID:   "k",
		Type: MessageTypeOccurrenceDue,
		Payload: OccurrenceDuePayload{
			RuleID:     ruleID,
			Occurrence: at,
			Deliver:    "http",
		},
	}

	t.Run("ack on success", func(t *testing.T) {
		ack := &fakeAck{}
		var got OccurrenceDuePayload
		c := testConsumer(func(ctx context.Context, d *Delivery) error {
			var err error
			got, err = ParsePayload[OccurrenceDuePayload](&d.Message)
			return err
		})

		c.handleDelivery(context.Background(), delivery(t, ack, false, msg))

		if !ack.acked {
			t.Fatal("message should be acked")
		}
		if got.RuleID != ruleID || !got.Occurrence.Equal(at) || got.Deliver != "http" {
			t.Errorf("payload = %+v", got)
		}
	})

	t.Run("requeue on first failure", func(t *testing.T) {
		ack := &fakeAck{}
		c := testConsumer(func(context.Context, *Delivery) error { return errors.New("temporary") })
		c.handleDelivery(context.Background(), delivery(t, ack, false, msg))
		if !ack.nacked || !ack.requeue {
			t.Fatalf("expected nack with requeue, got %+v", ack)
		}
	})

	t.Run("dead letter on redelivery", func(t *testing.T) {
		ack := &fakeAck{}
		c := testConsumer(func(context.Context, *Delivery) error { return errors.New("temporary") })
		c.handleDelivery(context.Background(), delivery(t, ack, true, msg))
		if !ack.nacked || ack.requeue {
			t.Fatalf("expected nack without requeue, got %+v", ack)
		}
	})

	t.Run("dead letter on permanent error", func(t *testing.T) {
		ack := &fakeAck{}
		c := testConsumer(func(context.Context, *Delivery) error {
			return fmt.Errorf("bad handler: %w", ErrPermanent)
		})
		c.handleDelivery(context.Background(), delivery(t, ack, false, msg))
		if !ack.nacked || ack.requeue {
			t.Fatalf("expected nack without requeue, got %+v", ack)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		ack := &fakeAck{}
		called := false
		c := testConsumer(func(context.Context, *Delivery) error { called = true; return nil })
		c.handleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{")})
		if called {
			t.Error("handler must not be called")
		}
		if !ack.nacked || ack.requeue {
			t.Fatalf("expected nack without requeue, got %+v", ack)
		}
	})
}
