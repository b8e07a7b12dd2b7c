package handler

import (
	"context"
	"fmt"

	"github.com/shaiso/Recur/internal/mq"
)

// Publisher публикует события об occurrences.
// Реализуется *mq.Publisher.
type Publisher interface {
	PublishOccurrenceDue(ctx context.Context, payload mq.OccurrenceDuePayload) error
}

// PublishHandler — обработчик "publish": событие occurrence.due в RabbitMQ.
//
// Доставку конечному получателю выполняет recur-worker вне lock'а правила.
// metadata.deliver задаёт обработчик для worker'а (по умолчанию "log").
type PublishHandler struct {
	publisher Publisher
}

// NewPublishHandler создаёт PublishHandler.
func NewPublishHandler(p Publisher) *PublishHandler {
	return &PublishHandler{publisher: p}
}

// Handle публикует событие.
func (h *PublishHandler) Handle(ctx context.Context, occ *Occurrence) error {
	p := occ.Payload()
	payload := mq.OccurrenceDuePayload{
		RuleID:         p.RuleID,
		Occurrence:     p.Occurrence,
		Deliver:        getString(occ.Rule.Metadata, "deliver", NameLog),
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       p.Metadata,
	}
	if err := h.publisher.PublishOccurrenceDue(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	return nil
}
