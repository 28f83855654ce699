package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"narrative-server/internal/domain"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	createWorldQuery = `
		INSERT INTO worlds (id, name, sequence, status, choices, created_at, updated_at)
		VALUES ($1, $2, 0, $3, '[]'::jsonb, $4, $4)`

	getWorldQuery = `
		SELECT id, name, sequence, status, created_at, updated_at
		FROM worlds WHERE id = $1`

	listWorldsQuery = `
		SELECT id, name, sequence, status, created_at, updated_at
		FROM worlds ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	getWorldHeaderQuery = `SELECT name, sequence, choices FROM worlds WHERE id = $1`

	// Замена проекции держит строку мира до фиксации: ход не может продвинуть
	// номер между проверкой и перезаписью.
	lockWorldHeaderQuery = getWorldHeaderQuery + ` FOR UPDATE`

	selectEntitiesQuery = `
		SELECT entity_id, kind, name, attributes
		FROM world_entities WHERE world_id = $1`

	selectEntitiesByIDQuery = `
		SELECT entity_id, kind, name, attributes
		FROM world_entities WHERE world_id = $1 AND entity_id = ANY($2)`

	selectRelationshipsQuery = `
		SELECT from_id, to_id, sentiment
		FROM world_relationships WHERE world_id = $1`

	selectRelationshipsBetweenQuery = `
		SELECT from_id, to_id, sentiment
		FROM world_relationships
		WHERE world_id = $1 AND from_id = ANY($2) AND to_id = ANY($2)`

	selectJournalQuery = `
		SELECT sequence, kind, category, content, importance
		FROM world_journal WHERE world_id = $1 ORDER BY sequence ASC`

	readEventsQuery = `
		SELECT world_id, sequence, kind, payload, actor, turn_id, created_at
		FROM world_events
		WHERE world_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3`

	// Оптимистичная проверка: номер сдвигается только если никто не успел раньше.
	advanceSequenceQuery = `
		UPDATE worlds SET sequence = $3, updated_at = NOW()
		WHERE id = $1 AND sequence = $2`

	insertEventQuery = `
		INSERT INTO world_events (world_id, sequence, kind, payload, actor, turn_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	upsertEntityQuery = `
		INSERT INTO world_entities (world_id, entity_id, kind, name, attributes, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (world_id, entity_id) DO UPDATE
		SET kind = EXCLUDED.kind, name = EXCLUDED.name,
		    attributes = EXCLUDED.attributes, updated_seq = EXCLUDED.updated_seq`

	upsertRelationshipQuery = `
		INSERT INTO world_relationships (world_id, from_id, to_id, sentiment, updated_seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (world_id, from_id, to_id) DO UPDATE
		SET sentiment = EXCLUDED.sentiment, updated_seq = EXCLUDED.updated_seq`

	insertJournalQuery = `
		INSERT INTO world_journal (world_id, sequence, kind, category, content, importance)
		VALUES ($1, $2, $3, $4, $5, $6)`

	updateWorldHeaderQuery = `UPDATE worlds SET name = $2, choices = $3, updated_at = NOW() WHERE id = $1`

	setWorldStatusQuery = `UPDATE worlds SET status = $2, updated_at = NOW() WHERE id = $1`

	deleteEntitiesQuery      = `DELETE FROM world_entities WHERE world_id = $1`
	deleteRelationshipsQuery = `DELETE FROM world_relationships WHERE world_id = $1`
	deleteJournalQuery       = `DELETE FROM world_journal WHERE world_id = $1`
)

const pgUniqueViolation = "23505"

// PgWorldStore реализация WorldStateStore поверх PostgreSQL.
type PgWorldStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ WorldStateStore = (*PgWorldStore)(nil)

// NewPgWorldStore создает хранилище миров на пуле pgx.
func NewPgWorldStore(pool *pgxpool.Pool, logger *zap.Logger) *PgWorldStore {
	return &PgWorldStore{
		pool:   pool,
		logger: logger.Named("PgWorldStore"),
	}
}

type worldRow struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	Sequence  int64     `db:"sequence"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r worldRow) toDomain() domain.World {
	return domain.World{
		ID:        domain.WorldID(r.ID),
		Name:      r.Name,
		Sequence:  r.Sequence,
		Status:    domain.WorldStatus(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type eventRow struct {
	WorldID   uuid.UUID `db:"world_id"`
	Sequence  int64     `db:"sequence"`
	Kind      string    `db:"kind"`
	Payload   []byte    `db:"payload"`
	Actor     string    `db:"actor"`
	TurnID    uuid.UUID `db:"turn_id"`
	CreatedAt time.Time `db:"created_at"`
}

func (r eventRow) toDomain() domain.StoryEvent {
	return domain.StoryEvent{
		WorldID:   domain.WorldID(r.WorldID),
		Sequence:  r.Sequence,
		Kind:      domain.EventKind(r.Kind),
		Payload:   json.RawMessage(r.Payload),
		Actor:     r.Actor,
		TurnID:    r.TurnID,
		Timestamp: r.CreatedAt.UTC(),
	}
}

type entityRow struct {
	EntityID   string            `db:"entity_id"`
	Kind       string            `db:"kind"`
	Name       string            `db:"name"`
	Attributes map[string]string `db:"attributes"`
}

type relationshipRow struct {
	FromID    string `db:"from_id"`
	ToID      string `db:"to_id"`
	Sentiment int    `db:"sentiment"`
}

func (s *PgWorldStore) CreateWorld(ctx context.Context, world *domain.World) error {
	log := s.logger.With(zap.Stringer("worldID", world.ID))
	now := time.Now().UTC()
	if world.Status == "" {
		world.Status = domain.WorldStatusActive
	}
	if _, err := s.pool.Exec(ctx, createWorldQuery, world.ID.UUID(), world.Name, string(world.Status), now); err != nil {
		log.Error("Failed to create world", zap.Error(err))
		return fmt.Errorf("failed to create world %s: %w", world.ID, mapPgError(err))
	}
	world.Sequence = 0
	world.CreatedAt, world.UpdatedAt = now, now
	log.Info("World created", zap.String("name", world.Name))
	return nil
}

func (s *PgWorldStore) GetWorld(ctx context.Context, worldID domain.WorldID) (*domain.World, error) {
	var row worldRow
	if err := pgxscan.Get(ctx, s.pool, &row, getWorldQuery, worldID.UUID()); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get world %s: %w", worldID, err)
	}
	w := row.toDomain()
	return &w, nil
}

func (s *PgWorldStore) ListWorlds(ctx context.Context, limit, offset int) ([]domain.World, error) {
	var rows []worldRow
	if err := pgxscan.Select(ctx, s.pool, &rows, listWorldsQuery, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list worlds: %w", err)
	}
	worlds := make([]domain.World, 0, len(rows))
	for _, r := range rows {
		worlds = append(worlds, r.toDomain())
	}
	return worlds, nil
}

func (s *PgWorldStore) GetWorldSnapshot(ctx context.Context, worldID domain.WorldID) (*domain.WorldState, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	state, err := loadHeader(ctx, tx, worldID)
	if err != nil {
		return nil, err
	}

	var entities []entityRow
	if err := pgxscan.Select(ctx, tx, &entities, selectEntitiesQuery, worldID.UUID()); err != nil {
		return nil, fmt.Errorf("failed to load entities of %s: %w", worldID, err)
	}
	addEntities(state, entities)

	var rels []relationshipRow
	if err := pgxscan.Select(ctx, tx, &rels, selectRelationshipsQuery, worldID.UUID()); err != nil {
		return nil, fmt.Errorf("failed to load relationships of %s: %w", worldID, err)
	}
	addRelationships(state, rels)

	var journal []domain.JournalEntry
	if err := pgxscan.Select(ctx, tx, &journal, selectJournalQuery, worldID.UUID()); err != nil {
		return nil, fmt.Errorf("failed to load journal of %s: %w", worldID, err)
	}
	state.Journal = journal

	return state, nil
}

func (s *PgWorldStore) ReadEvents(ctx context.Context, worldID domain.WorldID, after int64, limit int) ([]domain.StoryEvent, error) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	var rows []eventRow
	if err := pgxscan.Select(ctx, s.pool, &rows, readEventsQuery, worldID.UUID(), after, limit); err != nil {
		return nil, fmt.Errorf("failed to read events of %s after %d: %w", worldID, after, err)
	}
	events := make([]domain.StoryEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toDomain())
	}
	return events, nil
}

func (s *PgWorldStore) SetWorldStatus(ctx context.Context, worldID domain.WorldID, status domain.WorldStatus) error {
	tag, err := s.pool.Exec(ctx, setWorldStatusQuery, worldID.UUID(), string(status))
	if err != nil {
		return fmt.Errorf("failed to set status of %s: %w", worldID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	s.logger.Info("World status changed", zap.Stringer("worldID", worldID), zap.String("status", string(status)))
	return nil
}

func (s *PgWorldStore) ReplaceProjection(ctx context.Context, state *domain.WorldState) error {
	return WithTransaction(ctx, s.pool, s.logger, func(ctx context.Context, tx pgx.Tx) error {
		header, err := queryHeader(ctx, tx, lockWorldHeaderQuery, state.WorldID)
		if err != nil {
			return err
		}
		if header.Sequence != state.Sequence {
			return fmt.Errorf("%w: projection at %d, world at %d", domain.ErrConflict, state.Sequence, header.Sequence)
		}

		id := state.WorldID.UUID()
		batch := &pgx.Batch{}
		batch.Queue(deleteEntitiesQuery, id)
		batch.Queue(deleteRelationshipsQuery, id)
		batch.Queue(deleteJournalQuery, id)
		choices, err := json.Marshal(nonNilChoices(state.Choices))
		if err != nil {
			return err
		}
		batch.Queue(updateWorldHeaderQuery, id, state.Name, choices)
		for _, e := range state.SortedEntities() {
			attrs, err := json.Marshal(e.Attributes)
			if err != nil {
				return err
			}
			batch.Queue(upsertEntityQuery, id, string(e.ID), string(e.Kind), e.Name, attrs, state.Sequence)
		}
		for _, r := range state.SortedRelationships() {
			batch.Queue(upsertRelationshipQuery, id, string(r.From), string(r.To), r.Sentiment, state.Sequence)
		}
		for _, j := range state.Journal {
			batch.Queue(insertJournalQuery, id, j.Sequence, string(j.Kind), j.Category, j.Content, j.Importance)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to replace projection of %s: %w", state.WorldID, err)
		}
		s.logger.Info("Projection replaced",
			zap.Stringer("worldID", state.WorldID),
			zap.Int64("sequence", state.Sequence),
			zap.Int("entities", len(state.Entities)))
		return nil
	})
}

func (s *PgWorldStore) BeginWorldTransaction(ctx context.Context, worldID domain.WorldID, touched []domain.EntityID) (WorldTransaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin world transaction: %w", err)
	}

	state, err := loadHeader(ctx, tx, worldID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}

	if len(touched) > 0 {
		ids := make([]string, len(touched))
		for i, id := range touched {
			ids[i] = string(id)
		}
		var entities []entityRow
		if err := pgxscan.Select(ctx, tx, &entities, selectEntitiesByIDQuery, worldID.UUID(), ids); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("failed to load touched entities: %w", err)
		}
		addEntities(state, entities)

		var rels []relationshipRow
		if err := pgxscan.Select(ctx, tx, &rels, selectRelationshipsBetweenQuery, worldID.UUID(), ids); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("failed to load touched relationships: %w", err)
		}
		addRelationships(state, rels)
	}

	return &pgWorldTransaction{
		tx:     tx,
		state:  state,
		base:   state.Sequence,
		next:   state.Sequence,
		logger: s.logger.With(zap.Stringer("worldID", worldID)),
	}, nil
}

type pgWorldTransaction struct {
	tx     pgx.Tx
	state  *domain.WorldState
	base   int64
	next   int64
	logger *zap.Logger
}

func (t *pgWorldTransaction) BaseSequence() int64       { return t.base }
func (t *pgWorldTransaction) State() *domain.WorldState { return t.state }

func (t *pgWorldTransaction) AppendEvent(ctx context.Context, event *domain.StoryEvent) (int64, error) {
	expected := t.next + 1
	tag, err := t.tx.Exec(ctx, advanceSequenceQuery, event.WorldID.UUID(), t.next, expected)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		t.logger.Warn("World sequence advanced concurrently", zap.Int64("expectedBase", t.next))
		return 0, fmt.Errorf("%w: world %s moved past %d", domain.ErrConflict, event.WorldID, t.next)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err = t.tx.Exec(ctx, insertEventQuery,
		event.WorldID.UUID(), expected, string(event.Kind), []byte(event.Payload),
		event.Actor, event.TurnID, event.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", mapPgError(err))
	}

	event.Sequence = expected
	t.next = expected
	return expected, nil
}

func (t *pgWorldTransaction) SaveProjection(ctx context.Context, state *domain.WorldState, delta domain.ProjectionDelta) error {
	id := state.WorldID.UUID()
	batch := &pgx.Batch{}

	if delta.Header || delta.Choices {
		choices, err := json.Marshal(nonNilChoices(state.Choices))
		if err != nil {
			return err
		}
		batch.Queue(updateWorldHeaderQuery, id, state.Name, choices)
	}
	for _, entityID := range delta.Entities {
		e, ok := state.Entities[entityID]
		if !ok {
			continue
		}
		attrs, err := json.Marshal(e.Attributes)
		if err != nil {
			return err
		}
		batch.Queue(upsertEntityQuery, id, string(e.ID), string(e.Kind), e.Name, attrs, state.Sequence)
	}
	for _, key := range delta.Relationships {
		r, ok := state.Relationships[key]
		if !ok {
			continue
		}
		batch.Queue(upsertRelationshipQuery, id, string(r.From), string(r.To), r.Sentiment, state.Sequence)
	}
	for _, j := range delta.Journal {
		batch.Queue(insertJournalQuery, id, j.Sequence, string(j.Kind), j.Category, j.Content, j.Importance)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save projection: %w", mapPgError(err))
	}
	return nil
}

func (t *pgWorldTransaction) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit world transaction: %w", mapPgError(err))
	}
	return nil
}

func (t *pgWorldTransaction) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to rollback world transaction: %w", err)
	}
	return nil
}

func loadHeader(ctx context.Context, db DBTX, worldID domain.WorldID) (*domain.WorldState, error) {
	return queryHeader(ctx, db, getWorldHeaderQuery, worldID)
}

func queryHeader(ctx context.Context, db DBTX, query string, worldID domain.WorldID) (*domain.WorldState, error) {
	state := domain.NewWorldState(worldID)
	var choices []byte
	err := db.QueryRow(ctx, query, worldID.UUID()).Scan(&state.Name, &state.Sequence, &choices)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load world %s: %w", worldID, err)
	}
	if len(choices) > 0 {
		if err := json.Unmarshal(choices, &state.Choices); err != nil {
			return nil, fmt.Errorf("%w: malformed choices of %s: %v", domain.ErrFatal, worldID, err)
		}
	}
	return state, nil
}

func addEntities(state *domain.WorldState, rows []entityRow) {
	for _, r := range rows {
		attrs := r.Attributes
		if attrs == nil {
			attrs = make(map[string]string)
		}
		state.Entities[domain.EntityID(r.EntityID)] = &domain.Entity{
			ID:         domain.EntityID(r.EntityID),
			Kind:       domain.EntityKind(r.Kind),
			Name:       r.Name,
			Attributes: attrs,
		}
	}
}

func addRelationships(state *domain.WorldState, rows []relationshipRow) {
	for _, r := range rows {
		rel := domain.Relationship{From: domain.EntityID(r.FromID), To: domain.EntityID(r.ToID), Sentiment: r.Sentiment}
		state.Relationships[rel.Key()] = rel
	}
}

func nonNilChoices(c []string) []string {
	if c == nil {
		return []string{}
	}
	return c
}

// mapPgError переводит нарушение уникальности в конфликт записи.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrConflict, pgErr.ConstraintName)
	}
	return err
}
