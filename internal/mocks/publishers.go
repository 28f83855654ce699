package mocks

import (
	"context"

	"narrative-server/internal/domain"
	"narrative-server/internal/engine"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// Mock EventPublisher
type EventPublisher struct {
	mock.Mock
}

func (m *EventPublisher) PublishCommitted(ctx context.Context, worldID domain.WorldID, events []domain.StoryEvent) error {
	args := m.Called(ctx, worldID, events)
	return args.Error(0)
}

// Mock AMQPChannel
type AMQPChannel struct {
	mock.Mock
}

func (m *AMQPChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	args := m.Called(ctx, exchange, key, mandatory, immediate, msg)
	return args.Error(0)
}

func (m *AMQPChannel) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Mock Submitter
type Submitter struct {
	mock.Mock
}

func (m *Submitter) Submit(ctx context.Context, sub domain.ActionSubmission) (*engine.Turn, error) {
	args := m.Called(ctx, sub)
	turn, _ := args.Get(0).(*engine.Turn)
	return turn, args.Error(1)
}
