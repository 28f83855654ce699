package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"narrative-server/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	snapshotKeyPrefix   = "narrative:world:snapshot:"
	generationKeyPrefix = "narrative:world:generation:"
)

// errStaleSnapshot мир изменился, пока снимок читался из хранилища.
var errStaleSnapshot = errors.New("snapshot is stale")

// CachedWorldStore кэширует снимки проекции мира в Redis поверх основного хранилища.
// Кэш никогда не считается источником истины: любая фиксация транзакции
// или замена проекции сбрасывает ключ мира.
type CachedWorldStore struct {
	WorldStateStore
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ WorldStateStore = (*CachedWorldStore)(nil)

func NewCachedWorldStore(inner WorldStateStore, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedWorldStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedWorldStore{
		WorldStateStore: inner,
		client:          client,
		ttl:             ttl,
		logger:          logger.Named("CachedWorldStore"),
	}
}

func snapshotKey(worldID domain.WorldID) string {
	return snapshotKeyPrefix + worldID.String()
}

// generationKey счетчик изменений мира. Каждая инвалидация увеличивает его,
// снимок записывается только при неизменном поколении.
func generationKey(worldID domain.WorldID) string {
	return generationKeyPrefix + worldID.String()
}

func (s *CachedWorldStore) GetWorldSnapshot(ctx context.Context, worldID domain.WorldID) (*domain.WorldState, error) {
	log := s.logger.With(zap.Stringer("worldID", worldID))
	key := snapshotKey(worldID)

	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		state := &domain.WorldState{}
		decodeErr := json.Unmarshal(data, state)
		if decodeErr == nil {
			log.Debug("Snapshot cache hit", zap.Int64("sequence", state.Sequence))
			return state, nil
		}
		log.Warn("Corrupted snapshot in cache, dropping", zap.Error(decodeErr))
		s.invalidate(ctx, worldID)
	case errors.Is(err, redis.Nil):
		log.Debug("Snapshot cache miss")
	default:
		// Redis недоступен: работаем напрямую с хранилищем.
		log.Warn("Snapshot cache read failed", zap.Error(err))
	}

	generation, genErr := s.generation(ctx, worldID)
	state, err := s.WorldStateStore.GetWorldSnapshot(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		log.Warn("Snapshot generation read failed, not caching", zap.Error(genErr))
		return state, nil
	}
	switch err := s.storeIfCurrent(ctx, worldID, generation, state); {
	case err == nil:
	case errors.Is(err, errStaleSnapshot), errors.Is(err, redis.TxFailedErr):
		log.Debug("World changed during snapshot read, not caching", zap.Int64("sequence", state.Sequence))
	default:
		log.Warn("Failed to store snapshot in cache", zap.Error(err))
	}
	return state, nil
}

func (s *CachedWorldStore) generation(ctx context.Context, worldID domain.WorldID) (int64, error) {
	gen, err := s.client.Get(ctx, generationKey(worldID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// storeIfCurrent записывает снимок, только если поколение мира не сдвинулось
// с момента чтения из хранилища.
func (s *CachedWorldStore) storeIfCurrent(ctx context.Context, worldID domain.WorldID, generation int64, state *domain.WorldState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	genKey := generationKey(worldID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return errStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, snapshotKey(worldID), data, s.ttl)
			return nil
		})
		return err
	}, genKey)
}

func (s *CachedWorldStore) BeginWorldTransaction(ctx context.Context, worldID domain.WorldID, touched []domain.EntityID) (WorldTransaction, error) {
	tx, err := s.WorldStateStore.BeginWorldTransaction(ctx, worldID, touched)
	if err != nil {
		return nil, err
	}
	return &invalidatingTransaction{WorldTransaction: tx, cache: s, worldID: worldID}, nil
}

func (s *CachedWorldStore) ReplaceProjection(ctx context.Context, state *domain.WorldState) error {
	if err := s.WorldStateStore.ReplaceProjection(ctx, state); err != nil {
		return err
	}
	s.invalidate(ctx, state.WorldID)
	return nil
}

func (s *CachedWorldStore) invalidate(ctx context.Context, worldID domain.WorldID) {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(worldID))
		pipe.Del(ctx, snapshotKey(worldID))
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to invalidate snapshot cache", zap.Stringer("worldID", worldID), zap.Error(err))
	}
}

type invalidatingTransaction struct {
	WorldTransaction
	cache   *CachedWorldStore
	worldID domain.WorldID
}

func (t *invalidatingTransaction) Commit(ctx context.Context) error {
	if err := t.WorldTransaction.Commit(ctx); err != nil {
		return err
	}
	t.cache.invalidate(ctx, t.worldID)
	return nil
}

// Ping проверяет доступность Redis при старте.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
