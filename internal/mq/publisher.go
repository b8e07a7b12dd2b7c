package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeOccurrenceDue — наступил occurrence правила.
const MessageTypeOccurrenceDue MessageType = "occurrence.due"

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// OccurrenceDuePayload — payload события occurrence.due.
type OccurrenceDuePayload struct {
	RuleID     uuid.UUID `json:"rule_id"`
	Occurrence time.Time `json:"occurrence"`

	// Deliver — обработчик, которым worker доставит occurrence.
	Deliver string `json:"deliver"`

	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishOccurrenceDue публикует событие occurrence.due.
//
// ID сообщения — ключ идемпотентности occurrence, так что повторная
// публикация после отката распознаётся потребителем.
// Потребитель: recur-worker.
func (p *Publisher) PublishOccurrenceDue(ctx context.Context, payload OccurrenceDuePayload) error {
	msg := &Message{
		ID:        payload.IdempotencyKey,
		Type:      MessageTypeOccurrenceDue,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	return p.Publish(ctx, ExchangeOccurrences, RoutingKeyDue, msg)
}
