package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Connect подключается к RabbitMQ с экспоненциальной паузой между попытками.
func Connect(ctx context.Context, url string, maxRetries uint64, logger *zap.Logger) (*amqp.Connection, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0

	attempt := 0
	var conn *amqp.Connection
	op := func() error {
		attempt++
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Uint64("maxRetries", maxRetries),
			zap.Duration("retryDelay", next),
			zap.Error(err),
		)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempt, err)
	}
	logger.Info("Connected to RabbitMQ", zap.Int("attempts", attempt))
	return conn, nil
}
