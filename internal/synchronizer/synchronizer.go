package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"narrative-server/internal/domain"
	"narrative-server/internal/repository"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	conflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrative_sync_conflict_retries_total",
		Help: "Optimistic concurrency conflicts that caused a retry.",
	})
	committedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrative_sync_committed_events_total",
		Help: "Story events committed to the log.",
	})
	projectionRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrative_sync_projection_repairs_total",
		Help: "Projections replaced after diverging from the event log.",
	})
)

// Synchronizer единственный путь записи в мир: превращает действия в события,
// дописывает их в журнал и обновляет проекцию в одной транзакции.
type Synchronizer struct {
	store      repository.WorldStateStore
	maxRetries int
	logger     *zap.Logger
}

// New создает синхронизатор. maxRetries число повторов при конфликте номера.
func New(store repository.WorldStateStore, maxRetries int, logger *zap.Logger) *Synchronizer {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Synchronizer{
		store:      store,
		maxRetries: maxRetries,
		logger:     logger.Named("synchronizer"),
	}
}

// Apply фиксирует набор действий хода. Возвращает зафиксированные события по порядку.
// Ошибки: domain.ErrConflict (повторы исчерпаны), domain.ErrUnknownEntity,
// domain.ErrFatal (нарушен инвариант журнала, мир надо перевести в Faulted).
func (s *Synchronizer) Apply(ctx context.Context, worldID domain.WorldID, turnID uuid.UUID, actor string, set domain.ActionSet) ([]domain.StoryEvent, error) {
	if len(set.Actions) == 0 {
		return nil, fmt.Errorf("%w: empty action set", domain.ErrInvalidInput)
	}

	events := make([]domain.StoryEvent, 0, len(set.Actions))
	var required []domain.EntityID
	for i, action := range set.Actions {
		event, err := eventForAction(worldID, turnID, actor, action)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		events = append(events, event)
		required = append(required, action.RequiredEntities()...)
	}

	return s.commit(ctx, worldID, set.Touched(), required, events)
}

// CreateWorld создает мир и наполняет его через журнал: world.created,
// затем entity.created для каждой начальной сущности.
func (s *Synchronizer) CreateWorld(ctx context.Context, name string, entities []*domain.Entity) (*domain.World, []domain.StoryEvent, error) {
	if name == "" {
		return nil, nil, fmt.Errorf("%w: world name is required", domain.ErrInvalidInput)
	}
	world := &domain.World{
		ID:     domain.NewWorldID(),
		Name:   name,
		Status: domain.WorldStatusActive,
	}
	turnID := uuid.New()

	created, err := domain.NewStoryEvent(world.ID, turnID, domain.NarratorSpeaker, domain.EventWorldCreated, domain.WorldCreatedPayload{Name: name})
	if err != nil {
		return nil, nil, err
	}
	events := []domain.StoryEvent{created}
	touched := make([]domain.EntityID, 0, len(entities))
	seen := make(map[domain.EntityID]struct{}, len(entities))
	for _, e := range entities {
		if _, dup := seen[e.ID]; dup {
			return nil, nil, fmt.Errorf("%w: %s", domain.ErrEntityExists, e.ID)
		}
		seen[e.ID] = struct{}{}
		event, err := domain.NewStoryEvent(world.ID, turnID, domain.NarratorSpeaker, domain.EventEntityCreated, e)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, event)
		touched = append(touched, e.ID)
	}

	if err := s.store.CreateWorld(ctx, world); err != nil {
		return nil, nil, fmt.Errorf("failed to create world: %w", err)
	}
	committed, err := s.commit(ctx, world.ID, touched, nil, events)
	if err != nil {
		return nil, nil, err
	}
	world.Sequence = committed[len(committed)-1].Sequence
	s.logger.Info("World created",
		zap.Stringer("worldID", world.ID),
		zap.String("name", name),
		zap.Int("entities", len(entities)))
	return world, committed, nil
}

// commit дописывает события в одной транзакции с повтором при конфликте.
func (s *Synchronizer) commit(ctx context.Context, worldID domain.WorldID, touched, required []domain.EntityID, events []domain.StoryEvent) ([]domain.StoryEvent, error) {
	log := s.logger.With(zap.Stringer("worldID", worldID))

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		committed, err := s.tryCommit(ctx, worldID, touched, required, events)
		if err == nil {
			committedEvents.Add(float64(len(committed)))
			return committed, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
		lastErr = err
		conflictRetries.Inc()
		log.Warn("World advanced concurrently, retrying",
			zap.Int("attempt", attempt+1), zap.Int("maxRetries", s.maxRetries), zap.Error(err))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (s *Synchronizer) tryCommit(ctx context.Context, worldID domain.WorldID, touched, required []domain.EntityID, events []domain.StoryEvent) (_ []domain.StoryEvent, err error) {
	tx, err := s.store.BeginWorldTransaction(ctx, worldID, touched)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Error("Failed to rollback world transaction", zap.Stringer("worldID", worldID), zap.Error(rbErr))
			}
		}
	}()

	state := tx.State()
	for _, id := range required {
		if _, ok := state.Entities[id]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEntity, id)
		}
	}

	base := tx.BaseSequence()
	committed := make([]domain.StoryEvent, 0, len(events))
	var delta domain.ProjectionDelta
	for i := range events {
		event := events[i]
		event.Timestamp = time.Now().UTC()
		seq, err := tx.AppendEvent(ctx, &event)
		if err != nil {
			return nil, err
		}
		if expected := base + int64(i) + 1; seq != expected {
			return nil, fmt.Errorf("%w: store assigned sequence %d, expected %d", domain.ErrFatal, seq, expected)
		}
		event.Sequence = seq

		d, err := state.Apply(event)
		if err != nil {
			if errors.Is(err, domain.ErrFatal) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: event %d (%s) does not fold: %v", domain.ErrFatal, seq, event.Kind, err)
		}
		delta.Merge(d)
		committed = append(committed, event)
	}

	if err := tx.SaveProjection(ctx, state, delta); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return committed, nil
}

// Rebuild пересобирает проекцию мира из полного журнала.
func (s *Synchronizer) Rebuild(ctx context.Context, worldID domain.WorldID) (*domain.WorldState, error) {
	state := domain.NewWorldState(worldID)
	var after int64
	for {
		page, err := s.store.ReadEvents(ctx, worldID, after, repository.DefaultReadLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to read events after %d: %w", after, err)
		}
		for _, event := range page {
			if _, err := state.Apply(event); err != nil {
				return nil, fmt.Errorf("%w: replay of %s stopped at %d: %v", domain.ErrFatal, worldID, event.Sequence, err)
			}
		}
		if len(page) < repository.DefaultReadLimit {
			break
		}
		after = page[len(page)-1].Sequence
	}
	return state, nil
}

// Verify сравнивает сохраненную проекцию с пересобранной из журнала
// и при расхождении заменяет сохраненную. Возвращает true, если была замена.
func (s *Synchronizer) Verify(ctx context.Context, worldID domain.WorldID) (bool, error) {
	rebuilt, err := s.Rebuild(ctx, worldID)
	if err != nil {
		return false, err
	}
	stored, err := s.store.GetWorldSnapshot(ctx, worldID)
	if err != nil {
		return false, fmt.Errorf("failed to load projection: %w", err)
	}
	if stored.Equal(rebuilt) {
		s.logger.Debug("Projection matches event log", zap.Stringer("worldID", worldID), zap.Int64("sequence", rebuilt.Sequence))
		return false, nil
	}

	s.logger.Warn("Projection diverged from event log, replacing",
		zap.Stringer("worldID", worldID),
		zap.Int64("storedSequence", stored.Sequence),
		zap.Int64("logSequence", rebuilt.Sequence))
	if err := s.store.ReplaceProjection(ctx, rebuilt); err != nil {
		return false, err
	}
	projectionRepairs.Inc()
	return true, nil
}

func eventForAction(worldID domain.WorldID, turnID uuid.UUID, actor string, action domain.NarrativeAction) (domain.StoryEvent, error) {
	if err := action.Validate(); err != nil {
		return domain.StoryEvent{}, err
	}
	switch action.Kind {
	case domain.ActionDialogue:
		return domain.NewStoryEvent(worldID, turnID, actor, domain.EventDialogue, action.Dialogue)
	case domain.ActionWorldMutation:
		return domain.NewStoryEvent(worldID, turnID, actor, domain.EventEntityMutated, action.Mutation)
	case domain.ActionSuggestedChoice:
		return domain.NewStoryEvent(worldID, turnID, actor, domain.EventChoicesSuggested, action.Choices)
	case domain.ActionToolInvocation:
		return domain.NewStoryEvent(worldID, turnID, actor, domain.EventToolInvoked, action.Tool)
	}
	return domain.StoryEvent{}, fmt.Errorf("%w: unrecognized action kind %q", domain.ErrContractViolation, action.Kind)
}
