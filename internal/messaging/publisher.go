package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"narrative-server/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const appID = "narrative-server"

// Channel часть *amqp.Channel, нужная паблишеру.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// EventPublisher публикует зафиксированные события мира в fanout exchange.
// Одно сообщение на событие, в порядке номеров.
type EventPublisher struct {
	mu       sync.Mutex
	channel  Channel
	exchange string
	logger   *zap.Logger
}

// NewRabbitMQEventPublisher открывает канал и объявляет exchange.
func NewRabbitMQEventPublisher(conn *amqp.Connection, exchange string, logger *zap.Logger) (*EventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("event publisher: failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("event publisher: failed to declare exchange '%s': %w", exchange, err)
	}
	logger.Info("Story events exchange declared", zap.String("exchange", exchange))
	return NewEventPublisher(ch, exchange, logger), nil
}

// NewEventPublisher создает паблишер поверх уже открытого канала.
func NewEventPublisher(ch Channel, exchange string, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{channel: ch, exchange: exchange, logger: logger.Named("EventPublisher")}
}

// PublishCommitted публикует события хода. Канал amqp не потокобезопасен,
// поэтому публикации сериализуются.
func (p *EventPublisher) PublishCommitted(ctx context.Context, worldID domain.WorldID, events []domain.StoryEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, event := range events {
		body, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d of world %s: %w", event.Sequence, worldID, err)
		}
		err = p.channel.PublishWithContext(ctx,
			p.exchange,
			worldID.String(),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    worldID.String() + ":" + strconv.FormatInt(event.Sequence, 10),
				Type:         string(event.Kind),
				Timestamp:    event.Timestamp,
				AppId:        appID,
				Headers: amqp.Table{
					"world_id": worldID.String(),
					"sequence": event.Sequence,
				},
				Body: body,
			},
		)
		if err != nil {
			p.logger.Error("Failed to publish story event",
				zap.String("worldID", worldID.String()),
				zap.Int64("sequence", event.Sequence),
				zap.Error(err),
			)
			return fmt.Errorf("failed to publish event %d of world %s: %w", event.Sequence, worldID, err)
		}
	}
	p.logger.Debug("Story events published", zap.String("worldID", worldID.String()), zap.Int("count", len(events)))
	return nil
}

func (p *EventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.Close()
}
