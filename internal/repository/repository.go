package repository

import (
	"context"

	"narrative-server/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX общий интерфейс для *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// WorldStateStore хранилище миров: журнал событий и производная проекция сущностей.
type WorldStateStore interface {
	// CreateWorld регистрирует мир на нулевом номере. Содержимое мира
	// наполняется событиями через транзакцию.
	CreateWorld(ctx context.Context, world *domain.World) error
	// GetWorld возвращает заголовок мира.
	GetWorld(ctx context.Context, worldID domain.WorldID) (*domain.World, error)
	// ListWorlds возвращает заголовки миров с пагинацией.
	ListWorlds(ctx context.Context, limit, offset int) ([]domain.World, error)
	// GetWorldSnapshot возвращает проекцию мира вместе с текущим номером.
	GetWorldSnapshot(ctx context.Context, worldID domain.WorldID) (*domain.WorldState, error)
	// BeginWorldTransaction открывает транзакцию, ограниченную затронутыми сущностями.
	BeginWorldTransaction(ctx context.Context, worldID domain.WorldID, touched []domain.EntityID) (WorldTransaction, error)
	// ReadEvents возвращает события с номером больше after по возрастанию, не более limit.
	ReadEvents(ctx context.Context, worldID domain.WorldID, after int64, limit int) ([]domain.StoryEvent, error)
	// SetWorldStatus переводит мир в active или faulted.
	SetWorldStatus(ctx context.Context, worldID domain.WorldID, status domain.WorldStatus) error
	// ReplaceProjection заменяет сохраненную проекцию пересобранной из журнала.
	ReplaceProjection(ctx context.Context, state *domain.WorldState) error
}

// WorldTransaction транзакция изменения мира с оптимистичной проверкой номера.
type WorldTransaction interface {
	// BaseSequence номер мира на момент начала транзакции.
	BaseSequence() int64
	// State частичная проекция: заголовок, затронутые сущности и отношения между ними.
	State() *domain.WorldState
	// AppendEvent назначает событию следующий номер и дописывает его в журнал.
	// Возвращает domain.ErrConflict, если мир продвинулся с момента начала транзакции.
	AppendEvent(ctx context.Context, event *domain.StoryEvent) (int64, error)
	// SaveProjection сохраняет изменения проекции, перечисленные в delta.
	SaveProjection(ctx context.Context, state *domain.WorldState, delta domain.ProjectionDelta) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DefaultReadLimit размер страницы чтения журнала по умолчанию.
const DefaultReadLimit = 500
