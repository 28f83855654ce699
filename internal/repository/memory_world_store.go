package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"narrative-server/internal/domain"

	"go.uber.org/zap"
)

// MemoryWorldStore хранилище миров в памяти процесса.
// Используется в режиме STORE_DRIVER=memory и в тестах; семантика транзакций
// совпадает с PgWorldStore (оптимистичная проверка номера при записи и фиксации).
type MemoryWorldStore struct {
	mu     sync.RWMutex
	worlds map[domain.WorldID]*memoryWorld
	logger *zap.Logger
}

type memoryWorld struct {
	header domain.World
	events []domain.StoryEvent
	state  *domain.WorldState
}

var _ WorldStateStore = (*MemoryWorldStore)(nil)

func NewMemoryWorldStore(logger *zap.Logger) *MemoryWorldStore {
	return &MemoryWorldStore{
		worlds: make(map[domain.WorldID]*memoryWorld),
		logger: logger.Named("MemoryWorldStore"),
	}
}

func (s *MemoryWorldStore) CreateWorld(_ context.Context, world *domain.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.worlds[world.ID]; exists {
		return fmt.Errorf("%w: world %s already exists", domain.ErrConflict, world.ID)
	}
	now := time.Now().UTC()
	if world.Status == "" {
		world.Status = domain.WorldStatusActive
	}
	world.Sequence = 0
	world.CreatedAt, world.UpdatedAt = now, now

	state := domain.NewWorldState(world.ID)
	state.Name = world.Name
	s.worlds[world.ID] = &memoryWorld{header: *world, state: state}
	return nil
}

func (s *MemoryWorldStore) GetWorld(_ context.Context, worldID domain.WorldID) (*domain.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	header := w.header
	return &header, nil
}

func (s *MemoryWorldStore) ListWorlds(_ context.Context, limit, offset int) ([]domain.World, error) {
	s.mu.RLock()
	all := make([]domain.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		all = append(all, w.header)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []domain.World{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryWorldStore) GetWorldSnapshot(_ context.Context, worldID domain.WorldID) (*domain.WorldState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return w.state.Clone(), nil
}

func (s *MemoryWorldStore) ReadEvents(_ context.Context, worldID domain.WorldID, after int64, limit int) ([]domain.StoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	if after < 0 {
		after = 0
	}
	if after >= int64(len(w.events)) {
		return []domain.StoryEvent{}, nil
	}
	// Номера событий непрерывны с 1, поэтому индекс = номер - 1.
	tail := w.events[after:]
	if len(tail) > limit {
		tail = tail[:limit]
	}
	return append([]domain.StoryEvent(nil), tail...), nil
}

func (s *MemoryWorldStore) SetWorldStatus(_ context.Context, worldID domain.WorldID, status domain.WorldStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return domain.ErrNotFound
	}
	w.header.Status = status
	w.header.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryWorldStore) ReplaceProjection(_ context.Context, state *domain.WorldState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[state.WorldID]
	if !ok {
		return domain.ErrNotFound
	}
	if w.header.Sequence != state.Sequence {
		return fmt.Errorf("%w: projection at %d, world at %d", domain.ErrConflict, state.Sequence, w.header.Sequence)
	}
	w.state = state.Clone()
	w.header.Name = state.Name
	return nil
}

func (s *MemoryWorldStore) BeginWorldTransaction(_ context.Context, worldID domain.WorldID, touched []domain.EntityID) (WorldTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.worlds[worldID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &memoryWorldTransaction{
		store:   s,
		worldID: worldID,
		base:    w.header.Sequence,
		state:   w.state.Subset(touched),
	}, nil
}

type memoryWorldTransaction struct {
	store   *MemoryWorldStore
	worldID domain.WorldID
	base    int64
	state   *domain.WorldState
	pending []domain.StoryEvent
	delta   domain.ProjectionDelta
	done    bool
}

func (t *memoryWorldTransaction) BaseSequence() int64       { return t.base }
func (t *memoryWorldTransaction) State() *domain.WorldState { return t.state }

func (t *memoryWorldTransaction) AppendEvent(_ context.Context, event *domain.StoryEvent) (int64, error) {
	if t.done {
		return 0, fmt.Errorf("transaction already finished")
	}
	t.store.mu.RLock()
	current := t.store.worlds[t.worldID].header.Sequence
	t.store.mu.RUnlock()
	if current != t.base {
		return 0, fmt.Errorf("%w: world %s moved from %d to %d", domain.ErrConflict, t.worldID, t.base, current)
	}

	seq := t.base + int64(len(t.pending)) + 1
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	t.pending = append(t.pending, *event)
	return seq, nil
}

func (t *memoryWorldTransaction) SaveProjection(_ context.Context, state *domain.WorldState, delta domain.ProjectionDelta) error {
	t.state = state
	t.delta.Merge(delta)
	return nil
}

func (t *memoryWorldTransaction) Commit(_ context.Context) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.worlds[t.worldID]
	if w.header.Sequence != t.base {
		return fmt.Errorf("%w: world %s moved from %d to %d", domain.ErrConflict, t.worldID, t.base, w.header.Sequence)
	}
	if len(t.pending) == 0 {
		return nil
	}

	w.events = append(w.events, t.pending...)
	w.header.Sequence = t.pending[len(t.pending)-1].Sequence
	w.header.UpdatedAt = time.Now().UTC()

	proj := w.state
	proj.Sequence = w.header.Sequence
	if t.delta.Header || t.delta.Choices {
		proj.Name = t.state.Name
		proj.Choices = append([]string(nil), t.state.Choices...)
		w.header.Name = t.state.Name
	}
	for _, id := range t.delta.Entities {
		if e, ok := t.state.Entities[id]; ok {
			proj.Entities[id] = e.Clone()
		}
	}
	for _, key := range t.delta.Relationships {
		if r, ok := t.state.Relationships[key]; ok {
			proj.Relationships[key] = r
		}
	}
	proj.Journal = append(proj.Journal, t.delta.Journal...)
	return nil
}

func (t *memoryWorldTransaction) Rollback(_ context.Context) error {
	t.done = true
	t.pending = nil
	return nil
}
