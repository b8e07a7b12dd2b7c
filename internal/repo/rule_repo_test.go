package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Recur/internal/domain"
	"github.com/shaiso/Recur/internal/lock/locktest"
)

func TestRuleRepo_ForeignTx(t *testing.T) {
	store := locktest.New()
	sess, err := store.OpenSession(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close(context.Background())

	tx, err := sess.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	r := NewRuleRepo(nil)
	if err := r.MarkHandled(context.Background(), tx, uuid.New(), time.Now()); !errors.Is(err, ErrForeignTx) {
		t.Fatalf("expected ErrForeignTx, got %v", err)
	}
	if _, err := r.GetForUpdate(context.Background(), tx, uuid.New()); !errors.Is(err, ErrForeignTx) {
		t.Fatalf("expected ErrForeignTx, got %v", err)
	}
}

func TestMarshalRule(t *testing.T) {
	rule := &domain.RRule{
		Recurrence: domain.Recurrence{
			Params: domain.Params{Freq: domain.FrequencyWeekly, DTStart: "2024-01-01 09:00:00", ByWeekday: []string{"MO"}},
		},
	}

	params, exclusion, metadata, err := marshalRule(rule)
	if err != nil {
		t.Fatal(err)
	}
	if exclusion != nil {
		t.Errorf("exclusion = %s, want nil", exclusion)
	}
	if string(metadata) != "{}" {
		t.Errorf("metadata = %s, want {}", metadata)
	}
	if len(params) == 0 {
		t.Error("params must be encoded")
	}

	rule.Exclusion = &domain.Params{Freq: domain.FrequencyDaily}
	rule.Metadata = map[string]any{"url": "http://example.invalid"}
	_, exclusion, metadata, err = marshalRule(rule)
	if err != nil {
		t.Fatal(err)
	}
	if exclusion == nil || string(metadata) == "{}" {
		t.Errorf("exclusion = %s, metadata = %s", exclusion, metadata)
	}
}
