package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Recur/internal/handler"
	"github.com/shaiso/Recur/internal/mq"
)

func newTestWorker(t *testing.T, reg *handler.Registry, attempts int) (*Worker, *[]time.Duration) {
	t.Helper()

	w := New(Config{
		Handlers: reg,
		Retry:    RetryPolicy{MaxAttempts: attempts, InitialDelay: time.Second, MaxDelay: 3 * time.Second},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var sleeps []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return w, &sleeps
}

func dueDelivery(deliver string) (*mq.Delivery, mq.OccurrenceDuePayload) {
	ruleID := uuid.New()
	at := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	payload := mq.OccurrenceDuePayload{
		RuleID:         ruleID,
		Occurrence:     at,
		Deliver:        deliver,
		IdempotencyKey: handler.IdempotencyKey(ruleID, at),
		Metadata:       map[string]any{"team": "billing"},
	}
	return &mq.Delivery{Message: mq.Message{
		ID:        uuid.NewString(),
		Type:      mq.MessageTypeOccurrenceDue,
		Payload:   payload,
		Timestamp: at,
	}}, payload
}

func TestHandleDelivery_Success(t *testing.T) {
	reg := handler.NewRegistry(nil)

	var got *handler.Occurrence
	reg.Register("capture", handler.HandlerFunc(func(_ context.Context, occ *handler.Occurrence) error {
		got = occ
		return nil
	}))

	w, sleeps := newTestWorker(t, reg, 3)
	d, payload := dueDelivery("capture")

	if err := w.HandleDelivery(context.Background(), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("handler was not called")
	}
	if got.Rule.ID != payload.RuleID || !got.At.Equal(payload.Occurrence) {
		t.Errorf("unexpected occurrence: %+v at %v", got.Rule, got.At)
	}
	if got.IdempotencyKey() != payload.IdempotencyKey {
		t.Errorf("idempotency key changed: %s != %s", got.IdempotencyKey(), payload.IdempotencyKey)
	}
	if got.Rule.Metadata["team"] != "billing" {
		t.Errorf("metadata lost: %v", got.Rule.Metadata)
	}
	if got.Tx != nil {
		t.Error("delivery must run outside a transaction")
	}
	if len(*sleeps) != 0 {
		t.Errorf("expected no retries, got %v", *sleeps)
	}
}

func TestHandleDelivery_RetriesWithBackoff(t *testing.T) {
	reg := handler.NewRegistry(nil)

	calls := 0
	reg.Register("flaky", handler.HandlerFunc(func(context.Context, *handler.Occurrence) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	}))

	w, sleeps := newTestWorker(t, reg, 3)
	d, _ := dueDelivery("flaky")

	if err := w.HandleDelivery(context.Background(), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*sleeps) != len(want) || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Errorf("expected sleeps %v, got %v", want, *sleeps)
	}
}

func TestHandleDelivery_RetryExhausted(t *testing.T) {
	reg := handler.NewRegistry(nil)
	reg.Register("down", handler.HandlerFunc(func(context.Context, *handler.Occurrence) error {
		return handler.ErrHTTPRequest
	}))

	w, _ := newTestWorker(t, reg, 2)
	d, _ := dueDelivery("down")

	err := w.HandleDelivery(context.Background(), d)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", err)
	}
	if !errors.Is(err, handler.ErrHTTPRequest) {
		t.Errorf("expected wrapped handler error, got %v", err)
	}
	if errors.Is(err, mq.ErrPermanent) {
		t.Error("exhausted retries should be requeued once, not marked permanent")
	}
}

func TestHandleDelivery_Permanent(t *testing.T) {
	tests := []struct {
		name    string
		deliver string
		wantErr error
	}{
		{name: "unknown handler", deliver: "missing", wantErr: handler.ErrUnknownHandler},
		{name: "publish loop", deliver: handler.NamePublish, wantErr: ErrLoopingDelivery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newTestWorker(t, handler.NewRegistry(nil), 3)
			d, _ := dueDelivery(tt.deliver)

			err := w.HandleDelivery(context.Background(), d)
			if !errors.Is(err, mq.ErrPermanent) {
				t.Errorf("expected ErrPermanent, got %v", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHandleDelivery_InvalidPayload(t *testing.T) {
	w, _ := newTestWorker(t, handler.NewRegistry(nil), 3)

	d := &mq.Delivery{Message: mq.Message{
		Type:    mq.MessageTypeOccurrenceDue,
		Payload: map[string]any{"rule_id": "not-a-uuid"},
	}}

	err := w.HandleDelivery(context.Background(), d)
	if !errors.Is(err, ErrInvalidPayload) || !errors.Is(err, mq.ErrPermanent) {
		t.Errorf("expected permanent ErrInvalidPayload, got %v", err)
	}
}

func TestHandleDelivery_CancelledDuringBackoff(t *testing.T) {
	reg := handler.NewRegistry(nil)
	reg.Register("down", handler.HandlerFunc(func(context.Context, *handler.Occurrence) error {
		return errors.New("down")
	}))

	w, _ := newTestWorker(t, reg, 3)
	w.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, _ := dueDelivery("down")
	if err := w.HandleDelivery(ctx, d); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{8, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, policy); got != tt.want {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.want, got)
		}
	}
}

func TestStart_WithoutConnection(t *testing.T) {
	w, _ := newTestWorker(t, handler.NewRegistry(nil), 1)
	if err := w.Start(context.Background()); !errors.Is(err, mq.ErrNoChannel) {
		t.Errorf("expected ErrNoChannel, got %v", err)
	}
}
