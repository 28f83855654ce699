package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"narrative-server/internal/domain"
	"narrative-server/pkg/ai"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// EventReader читает хвост журнала мира для окна контекста.
type EventReader interface {
	ReadEvents(ctx context.Context, worldID domain.WorldID, after int64, limit int) ([]domain.StoryEvent, error)
}

// Config параметры конвейера интерпретации.
type Config struct {
	// Timeout таймаут одного вызова модели.
	Timeout time.Duration
	// MaxAttempts общее число попыток вызова при временных ошибках.
	MaxAttempts    int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	MaxActions     int
}

// Request входные данные одного хода.
type Request struct {
	Submission domain.ActionSubmission
	// Snapshot согласованный снимок мира на момент начала хода.
	Snapshot *domain.WorldState
}

// Pipeline превращает ввод игрока в проверенный набор действий:
// промпт, вызов модели с повторами, разбор ответа, одна попытка исправления
// и резервная реплика рассказчика, если модель так и не ответила по схеме.
type Pipeline struct {
	model   ai.ModelAdapter
	pool    *ModelPool
	prompts *PromptBuilder
	events  EventReader
	cfg     Config
	logger  *zap.Logger
}

func NewPipeline(model ai.ModelAdapter, pool *ModelPool, prompts *PromptBuilder, events EventReader, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Second
	}
	if cfg.MaxActions <= 0 {
		cfg.MaxActions = 8
	}
	return &Pipeline{
		model:   model,
		pool:    pool,
		prompts: prompts,
		events:  events,
		cfg:     cfg,
		logger:  logger.Named("pipeline"),
	}
}

// Run выполняет конвейер для одного хода. Ошибки: domain.ErrModelUnavailable
// (попытки исчерпаны), domain.ErrCapacity (пул занят дольше допустимого).
// Нарушение схемы ответа ошибкой не является: после неудачного исправления
// возвращается резервный набор с LowConfidence.
func (p *Pipeline) Run(ctx context.Context, req Request) (domain.ActionSet, error) {
	log := p.logger.With(
		zap.String("worldID", req.Submission.WorldID.String()),
		zap.String("actor", req.Submission.Actor),
	)

	recent, err := p.recentEvents(ctx, req.Snapshot)
	if err != nil {
		return domain.ActionSet{}, err
	}
	prompt := p.prompts.Build(req.Snapshot, recent, req.Submission)
	log.Debug("Prompt built", zap.Int("tokens", prompt.TokenCount), zap.Int("events", len(recent)))

	attempts := 0
	output, n, err := p.invoke(ctx, prompt, log)
	attempts += n
	if err != nil {
		pipelineResults.WithLabelValues("failed").Inc()
		return domain.ActionSet{}, err
	}

	actions, parseErr := ParseActions(output, req.Snapshot, p.cfg.MaxActions)
	if parseErr == nil {
		pipelineResults.WithLabelValues("ok").Inc()
		return domain.ActionSet{Actions: actions, Attempts: attempts}, nil
	}
	log.Warn("Model output violated action contract, sending corrective prompt", zap.Error(parseErr))

	corrective := p.prompts.Corrective(prompt, output, parseErr)
	output, n, err = p.invoke(ctx, corrective, log)
	attempts += n
	if err != nil {
		pipelineResults.WithLabelValues("failed").Inc()
		return domain.ActionSet{}, err
	}

	actions, parseErr = ParseActions(output, req.Snapshot, p.cfg.MaxActions)
	if parseErr == nil {
		pipelineResults.WithLabelValues("corrected").Inc()
		return domain.ActionSet{Actions: actions, Attempts: attempts}, nil
	}

	log.Error("Corrective prompt also violated action contract, using fallback narration", zap.Error(parseErr))
	pipelineResults.WithLabelValues("fallback").Inc()
	return domain.ActionSet{
		Actions:       []domain.NarrativeAction{domain.NewDialogueAction(domain.NarratorSpeaker, FallbackText, true)},
		LowConfidence: true,
		Attempts:      attempts,
	}, nil
}

func (p *Pipeline) recentEvents(ctx context.Context, snapshot *domain.WorldState) ([]domain.StoryEvent, error) {
	if p.events == nil || snapshot.Sequence == 0 {
		return nil, nil
	}
	window := int64(p.prompts.EventWindow())
	after := snapshot.Sequence - window
	if after < 0 {
		after = 0
	}
	events, err := p.events.ReadEvents(ctx, snapshot.WorldID, after, int(window))
	if err != nil {
		return nil, fmt.Errorf("failed to read recent events: %w", err)
	}
	// Хвост журнала может уйти вперед снимка, в промпт идет только то, что видит снимок.
	for i, e := range events {
		if e.Sequence > snapshot.Sequence {
			return events[:i], nil
		}
	}
	return events, nil
}

// invoke вызывает модель с экспоненциальными повторами на временных ошибках.
// Слот пула занимается на каждую попытку и не удерживается во время паузы.
func (p *Pipeline) invoke(ctx context.Context, prompt ai.Prompt, log *zap.Logger) (string, int, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.cfg.BaseRetryDelay
	expBackoff.MaxInterval = p.cfg.MaxRetryDelay
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(p.cfg.MaxAttempts-1)), ctx)

	var output string
	attempts := 0
	operation := func() error {
		attempts++
		release, err := p.pool.Acquire(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer release()

		out, err := p.model.Invoke(ctx, prompt, p.cfg.Timeout)
		if err != nil {
			if ai.IsRetryable(err) {
				modelAttempts.WithLabelValues("retryable").Inc()
				log.Warn("Model call failed, will retry",
					zap.Int("attempt", attempts), zap.Int("maxAttempts", p.cfg.MaxAttempts), zap.Error(err))
				return err
			}
			modelAttempts.WithLabelValues("rejected").Inc()
			return backoff.Permanent(err)
		}
		modelAttempts.WithLabelValues("ok").Inc()
		output = out
		return nil
	}

	err := backoff.Retry(operation, policy)
	if err == nil {
		return output, attempts, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	switch {
	case errors.Is(err, domain.ErrCapacity):
		return "", attempts, err
	case ctx.Err() != nil:
		return "", attempts, ctx.Err()
	}
	log.Error("Model unavailable", zap.Int("attempts", attempts), zap.Error(err))
	return "", attempts, fmt.Errorf("%w after %d attempts: %v", domain.ErrModelUnavailable, attempts, err)
}
