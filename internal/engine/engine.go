package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"narrative-server/internal/domain"
	"narrative-server/internal/hub"
	"narrative-server/internal/pipeline"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State состояние конечного автомата мира.
type State string

const (
	StateIdle            State = "idle"
	StateAwaitingModel   State = "awaiting_model"
	StateApplyingEffects State = "applying_effects"
	StateBroadcasting    State = "broadcasting"
	StateFaulted         State = "faulted"
)

// Interpreter превращает действие игрока в набор действий мира.
type Interpreter interface {
	Run(ctx context.Context, req pipeline.Request) (domain.ActionSet, error)
}

// Applier фиксирует действия в журнале и пересобирает проекцию.
type Applier interface {
	Apply(ctx context.Context, worldID domain.WorldID, turnID uuid.UUID, actor string, set domain.ActionSet) ([]domain.StoryEvent, error)
	Rebuild(ctx context.Context, worldID domain.WorldID) (*domain.WorldState, error)
}

// Broadcaster рассылает события и уведомления подписчикам.
type Broadcaster interface {
	Publish(worldID domain.WorldID, events []domain.StoryEvent)
	Notify(worldID domain.WorldID, n hub.Notice)
}

// EventPublisher внешняя шина зафиксированных событий.
type EventPublisher interface {
	PublishCommitted(ctx context.Context, worldID domain.WorldID, events []domain.StoryEvent) error
}

// WorldStore часть хранилища, нужная движку.
type WorldStore interface {
	GetWorld(ctx context.Context, worldID domain.WorldID) (*domain.World, error)
	GetWorldSnapshot(ctx context.Context, worldID domain.WorldID) (*domain.WorldState, error)
	SetWorldStatus(ctx context.Context, worldID domain.WorldID, status domain.WorldStatus) error
	ReplaceProjection(ctx context.Context, state *domain.WorldState) error
}

type Config struct {
	// QueueCapacity размер очереди ходов одного мира.
	QueueCapacity int
	// IdleTimeout через сколько простаивающий цикл мира останавливается.
	IdleTimeout time.Duration
	// TurnRetention сколько хранить завершенные ходы для запроса статуса.
	TurnRetention time.Duration
}

// Engine сериализует ходы каждого мира: на мир один цикл обработки
// с ограниченной очередью, миры между собой независимы.
type Engine struct {
	store       WorldStore
	interpreter Interpreter
	applier     Applier
	broadcaster Broadcaster
	publisher   EventPublisher
	turns       *TurnTracker
	cfg         Config
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	runners map[domain.WorldID]*runner
	closed  bool
}

type runner struct {
	worldID domain.WorldID
	queue   chan *Turn

	mu      sync.RWMutex
	state   State
	faulted bool
}

func (r *runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *runner) getState() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// New создает движок. publisher может быть nil.
func New(store WorldStore, interpreter Interpreter, applier Applier, broadcaster Broadcaster, publisher EventPublisher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.TurnRetention <= 0 {
		cfg.TurnRetention = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       store,
		interpreter: interpreter,
		applier:     applier,
		broadcaster: broadcaster,
		publisher:   publisher,
		turns:       NewTurnTracker(),
		cfg:         cfg,
		logger:      logger.Named("engine"),
		ctx:         ctx,
		cancel:      cancel,
		runners:     make(map[domain.WorldID]*runner),
	}
	e.wg.Add(1)
	go e.cleanupLoop()
	return e
}

// Submit ставит действие игрока в очередь мира. Ошибки возвращаются сразу:
// domain.ErrInvalidInput, domain.ErrNotFound, domain.ErrWorldFaulted,
// domain.ErrCapacity (очередь мира заполнена), domain.ErrEngineStopped.
func (e *Engine) Submit(ctx context.Context, sub domain.ActionSubmission) (*Turn, error) {
	if err := sub.Validate(); err != nil {
		rejectedSubmissions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	e.mu.Lock()
	_, known := e.runners[sub.WorldID]
	e.mu.Unlock()
	if !known {
		world, err := e.store.GetWorld(ctx, sub.WorldID)
		if err != nil {
			return nil, err
		}
		if world.Status == domain.WorldStatusFaulted {
			rejectedSubmissions.WithLabelValues("faulted").Inc()
			return nil, fmt.Errorf("%w: %s", domain.ErrWorldFaulted, sub.WorldID)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, domain.ErrEngineStopped
	}
	r, ok := e.runners[sub.WorldID]
	if !ok {
		r = &runner{
			worldID: sub.WorldID,
			queue:   make(chan *Turn, e.cfg.QueueCapacity),
			state:   StateIdle,
		}
		e.runners[sub.WorldID] = r
		e.wg.Add(1)
		activeRunners.Inc()
		go e.run(r)
	}
	r.mu.RLock()
	faulted := r.faulted
	r.mu.RUnlock()
	if faulted {
		e.mu.Unlock()
		rejectedSubmissions.WithLabelValues("faulted").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrWorldFaulted, sub.WorldID)
	}

	turn := newTurn(sub)
	select {
	case r.queue <- turn:
	default:
		e.mu.Unlock()
		rejectedSubmissions.WithLabelValues("capacity").Inc()
		return nil, fmt.Errorf("%w: world %s has %d queued turns", domain.ErrCapacity, sub.WorldID, e.cfg.QueueCapacity)
	}
	depth := len(r.queue)
	e.turns.add(turn)
	e.mu.Unlock()

	e.broadcaster.Notify(sub.WorldID, hub.Notice{
		Kind:       hub.NoticeTurnQueued,
		TurnID:     turn.ID,
		Actor:      sub.Actor,
		QueueDepth: depth,
	})
	e.logger.Debug("Turn queued",
		zap.Stringer("worldID", sub.WorldID),
		zap.Stringer("turnID", turn.ID),
		zap.Int("queueDepth", depth))
	return turn, nil
}

// Turn возвращает ход по идентификатору.
func (e *Engine) Turn(turnID uuid.UUID) (*Turn, error) {
	return e.turns.Get(turnID)
}

// State возвращает состояние автомата мира.
func (e *Engine) State(ctx context.Context, worldID domain.WorldID) (State, error) {
	e.mu.Lock()
	r, ok := e.runners[worldID]
	e.mu.Unlock()
	if ok {
		return r.getState(), nil
	}
	world, err := e.store.GetWorld(ctx, worldID)
	if err != nil {
		return "", err
	}
	if world.Status == domain.WorldStatusFaulted {
		return StateFaulted, nil
	}
	return StateIdle, nil
}

// Reset выводит мир из Faulted: пересобирает проекцию из журнала
// и возвращает статус active. Для мира не в Faulted возвращает domain.ErrWorldNotFaulted.
func (e *Engine) Reset(ctx context.Context, worldID domain.WorldID) error {
	e.mu.Lock()
	r := e.runners[worldID]
	e.mu.Unlock()

	if r != nil {
		if r.getState() != StateFaulted {
			return fmt.Errorf("%w: %s", domain.ErrWorldNotFaulted, worldID)
		}
	} else {
		world, err := e.store.GetWorld(ctx, worldID)
		if err != nil {
			return err
		}
		if world.Status != domain.WorldStatusFaulted {
			return fmt.Errorf("%w: %s", domain.ErrWorldNotFaulted, worldID)
		}
	}

	state, err := e.applier.Rebuild(ctx, worldID)
	if err != nil {
		return fmt.Errorf("failed to rebuild world %s: %w", worldID, err)
	}
	if err := e.store.ReplaceProjection(ctx, state); err != nil {
		return fmt.Errorf("failed to replace projection of %s: %w", worldID, err)
	}
	if err := e.store.SetWorldStatus(ctx, worldID, domain.WorldStatusActive); err != nil {
		return fmt.Errorf("failed to activate world %s: %w", worldID, err)
	}

	e.mu.Lock()
	if e.runners[worldID] == r {
		delete(e.runners, worldID)
	}
	e.mu.Unlock()

	e.logger.Info("World reset",
		zap.Stringer("worldID", worldID),
		zap.Int64("sequence", state.Sequence))
	return nil
}

// Shutdown перестает принимать ходы, отменяет текущие и ждет остановки циклов.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("Engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

func (e *Engine) cleanupLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(max(e.cfg.TurnRetention/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.turns.Cleanup(e.cfg.TurnRetention); n > 0 {
				e.logger.Debug("Finished turns cleaned up", zap.Int("removed", n))
			}
			trackedTurns.Set(float64(e.turns.Len()))
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) run(r *runner) {
	defer e.wg.Done()
	defer activeRunners.Dec()
	log := e.logger.With(zap.Stringer("worldID", r.worldID))

	idle := time.NewTimer(e.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case turn := <-r.queue:
			e.process(r, turn)
			if r.getState() == StateFaulted {
				e.drain(r, domain.ErrWorldFaulted)
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.cfg.IdleTimeout)

		case <-idle.C:
			e.mu.Lock()
			if len(r.queue) == 0 {
				delete(e.runners, r.worldID)
				e.mu.Unlock()
				log.Debug("Idle world runner evicted")
				return
			}
			e.mu.Unlock()
			idle.Reset(e.cfg.IdleTimeout)

		case <-e.ctx.Done():
			e.drain(r, domain.ErrEngineStopped)
			return
		}
	}
}

// drain завершает все ходы в очереди с ошибкой err.
func (e *Engine) drain(r *runner, err error) {
	for {
		select {
		case turn := <-r.queue:
			e.finish(turn, domain.NewFailedTurn(turn.ID, r.worldID, err))
		default:
			return
		}
	}
}

func (e *Engine) process(r *runner, turn *Turn) {
	ctx := e.ctx
	worldID := r.worldID
	log := e.logger.With(zap.Stringer("worldID", worldID), zap.Stringer("turnID", turn.ID))
	start := time.Now()
	defer func() {
		turnDuration.Observe(time.Since(start).Seconds())
		if r.getState() != StateFaulted {
			r.setState(StateIdle)
		}
	}()

	turn.setRunning()
	r.setState(StateAwaitingModel)
	e.broadcaster.Notify(worldID, hub.Notice{Kind: hub.NoticeTurnProcessing, TurnID: turn.ID, Actor: turn.Submission.Actor})

	snapshot, err := e.store.GetWorldSnapshot(ctx, worldID)
	if err != nil {
		e.abort(r, turn, fmt.Errorf("failed to load world snapshot: %w", err), log)
		return
	}

	set, err := e.interpreter.Run(ctx, pipeline.Request{Submission: turn.Submission, Snapshot: snapshot})
	if err != nil {
		e.abort(r, turn, err, log)
		return
	}

	r.setState(StateApplyingEffects)
	events, err := e.applier.Apply(ctx, worldID, turn.ID, turn.Submission.Actor, set)
	if err != nil {
		e.abort(r, turn, err, log)
		return
	}

	r.setState(StateBroadcasting)
	e.broadcaster.Publish(worldID, events)
	if e.publisher != nil {
		if err := e.publisher.PublishCommitted(ctx, worldID, events); err != nil {
			log.Warn("Failed to publish committed events to the bus", zap.Error(err))
		}
	}

	status := domain.TurnStatusCommitted
	if set.LowConfidence {
		status = domain.TurnStatusDegraded
	}
	e.finish(turn, domain.TurnResult{
		TurnID:  turn.ID,
		WorldID: worldID,
		Status:  status,
		Events:  events,
	})
	log.Info("Turn committed",
		zap.String("status", string(status)),
		zap.Int("events", len(events)),
		zap.Int64("sequence", events[len(events)-1].Sequence),
		zap.Int("modelAttempts", set.Attempts))
}

// abort завершает ход ошибкой. domain.ErrFatal на любом шаге переводит мир в Faulted.
func (e *Engine) abort(r *runner, turn *Turn, err error, log *zap.Logger) {
	if errors.Is(err, domain.ErrFatal) {
		e.fault(r, err, log)
		e.finish(turn, domain.NewFailedTurn(turn.ID, r.worldID, err))
		return
	}
	e.failTurn(turn, err, log)
}

// failTurn ход провален, мир не изменен: подписчики получают уведомление без номера.
func (e *Engine) failTurn(turn *Turn, err error, log *zap.Logger) {
	log.Warn("Turn failed", zap.Error(err))
	e.broadcaster.Notify(turn.Submission.WorldID, hub.Notice{
		Kind:    hub.NoticeTurnFailed,
		TurnID:  turn.ID,
		Actor:   turn.Submission.Actor,
		Message: publicReason(err),
	})
	e.finish(turn, domain.NewFailedTurn(turn.ID, turn.Submission.WorldID, err))
}

func (e *Engine) finish(turn *Turn, result domain.TurnResult) {
	turnsTotal.WithLabelValues(string(result.Status)).Inc()
	turn.complete(result)
}

// fault переводит мир в Faulted. Новые ходы отклоняются, пока не вызван Reset.
func (e *Engine) fault(r *runner, cause error, log *zap.Logger) {
	e.mu.Lock()
	r.mu.Lock()
	r.faulted = true
	r.state = StateFaulted
	r.mu.Unlock()
	e.mu.Unlock()

	faultedWorlds.Inc()
	log.Error("World faulted", zap.Error(cause))
	if err := e.store.SetWorldStatus(e.ctx, r.worldID, domain.WorldStatusFaulted); err != nil {
		log.Error("Failed to persist faulted status", zap.Error(err))
	}
}

// publicReason короткое описание причины для подписчиков.
func publicReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrModelUnavailable):
		return "narrative model unavailable"
	case errors.Is(err, domain.ErrCapacity):
		return "narrative model busy"
	case errors.Is(err, domain.ErrConflict):
		return "world changed concurrently"
	case errors.Is(err, domain.ErrUnknownEntity):
		return "action referenced an unknown entity"
	case errors.Is(err, context.Canceled):
		return "engine stopping"
	default:
		return "turn failed"
	}
}
