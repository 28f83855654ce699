package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"narrative-server/internal/domain"
	"narrative-server/internal/engine"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const consumerTag = "narrative-actions-consumer"

// ErrDeliveriesClosed брокер закрыл канал доставки без запроса остановки.
var ErrDeliveriesClosed = errors.New("consumer: delivery channel closed by broker")

// Submitter принимает действия игроков. Реализуется *engine.Engine.
type Submitter interface {
	Submit(ctx context.Context, sub domain.ActionSubmission) (*engine.Turn, error)
}

// ActionConsumer читает действия игроков из очереди и ставит их в движок.
// Сообщение подтверждается после постановки хода в очередь мира, результат
// хода приходит подписчикам через хаб и exchange событий.
type ActionConsumer struct {
	conn      *amqp.Connection
	submitter Submitter
	queueName string
	prefetch  int
	logger    *zap.Logger

	stopOnce    sync.Once
	stopChannel chan struct{}
}

// NewActionConsumer создает консьюмер очереди действий.
func NewActionConsumer(conn *amqp.Connection, submitter Submitter, queueName string, prefetch int, logger *zap.Logger) *ActionConsumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &ActionConsumer{
		conn:        conn,
		submitter:   submitter,
		queueName:   queueName,
		prefetch:    prefetch,
		logger:      logger.Named("ActionConsumer"),
		stopChannel: make(chan struct{}),
	}
}

// StartConsuming слушает очередь до Stop или отмены ctx. Закрытие канала брокером
// возвращает ErrDeliveriesClosed.
func (c *ActionConsumer) StartConsuming(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer: failed to open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(
		c.queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consumer: failed to declare queue '%s': %w", c.queueName, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("consumer: failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("consumer: failed to register consumer: %w", err)
	}
	c.logger.Info("Consuming narrative actions", zap.String("queue", q.Name), zap.Int("prefetch", c.prefetch))

	for {
		select {
		case d, ok := <-msgs:
			if !ok {
				select {
				case <-c.stopChannel:
					return nil
				case <-ctx.Done():
					return nil
				default:
				}
				c.logger.Error("RabbitMQ delivery channel closed, action intake stopped")
				return ErrDeliveriesClosed
			}
			c.HandleDelivery(ctx, d)
		case <-c.stopChannel:
			c.logger.Info("Consumer stop requested")
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// HandleDelivery разбирает одно сообщение и подтверждает или отклоняет его.
// Некорректные и неисполнимые действия отклоняются без повторной доставки;
// остановка движка возвращает сообщение в очередь.
func (c *ActionConsumer) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With(zap.Uint64("deliveryTag", d.DeliveryTag))

	var sub domain.ActionSubmission
	if err := json.Unmarshal(d.Body, &sub); err != nil {
		log.Warn("Malformed action message, rejecting", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	log = log.With(zap.String("worldID", sub.WorldID.String()), zap.String("actor", sub.Actor))

	turn, err := c.submitter.Submit(ctx, sub)
	if err != nil {
		requeue := errors.Is(err, domain.ErrEngineStopped)
		log.Warn("Action rejected", zap.Error(err), zap.Bool("requeue", requeue))
		_ = d.Nack(false, requeue)
		return
	}

	log.Debug("Action queued", zap.String("turnID", turn.ID.String()))
	_ = d.Ack(false)
}

// Stop останавливает консьюмер.
func (c *ActionConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopChannel) })
}
