package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"narrative-server/internal/domain"

	"github.com/google/uuid"
)

// Turn один ход: от принятого действия игрока до рассылки событий.
type Turn struct {
	ID         uuid.UUID
	Submission domain.ActionSubmission
	CreatedAt  time.Time

	done chan struct{}

	mu        sync.RWMutex
	status    domain.TurnStatus
	result    domain.TurnResult
	updatedAt time.Time
}

func newTurn(sub domain.ActionSubmission) *Turn {
	now := time.Now()
	id := uuid.New()
	return &Turn{
		ID:         id,
		Submission: sub,
		CreatedAt:  now,
		done:       make(chan struct{}),
		status:     domain.TurnStatusPending,
		result:     domain.TurnResult{TurnID: id, WorldID: sub.WorldID, Status: domain.TurnStatusPending},
		updatedAt:  now,
	}
}

// Done закрывается, когда ход завершен.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Wait ждет завершения хода. Отмена ctx не отменяет сам ход.
func (t *Turn) Wait(ctx context.Context) (domain.TurnResult, error) {
	select {
	case <-t.done:
		return t.Result(), nil
	case <-ctx.Done():
		return t.Result(), ctx.Err()
	}
}

// Result текущий снимок результата хода.
func (t *Turn) Result() domain.TurnResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.result
}

func (t *Turn) Status() domain.TurnStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Turn) setRunning() {
	t.mu.Lock()
	t.status = domain.TurnStatusRunning
	t.result.Status = domain.TurnStatusRunning
	t.updatedAt = time.Now()
	t.mu.Unlock()
}

func (t *Turn) complete(result domain.TurnResult) {
	t.mu.Lock()
	if t.status.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.status = result.Status
	t.result = result
	t.updatedAt = time.Now()
	t.mu.Unlock()
	close(t.done)
}

func (t *Turn) finishedBefore(cutoff time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status.IsTerminal() && t.updatedAt.Before(cutoff)
}

// TurnTracker хранит ходы для запроса статуса по идентификатору.
type TurnTracker struct {
	mu    sync.RWMutex
	turns map[uuid.UUID]*Turn
}

func NewTurnTracker() *TurnTracker {
	return &TurnTracker{turns: make(map[uuid.UUID]*Turn)}
}

func (tr *TurnTracker) add(t *Turn) {
	tr.mu.Lock()
	tr.turns[t.ID] = t
	tr.mu.Unlock()
}

// Get возвращает ход по ID.
func (tr *TurnTracker) Get(turnID uuid.UUID) (*Turn, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	t, ok := tr.turns[turnID]
	if !ok {
		return nil, fmt.Errorf("%w: turn %s", domain.ErrNotFound, turnID)
	}
	return t, nil
}

// Cleanup удаляет завершенные ходы старше age. Возвращает число удаленных.
func (tr *TurnTracker) Cleanup(age time.Duration) int {
	cutoff := time.Now().Add(-age)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	removed := 0
	for id, t := range tr.turns {
		if t.finishedBefore(cutoff) {
			delete(tr.turns, id)
			removed++
		}
	}
	return removed
}

// Len число отслеживаемых ходов, включая завершенные.
func (tr *TurnTracker) Len() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.turns)
}
