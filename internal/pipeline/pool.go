package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"narrative-server/internal/domain"

	"golang.org/x/sync/semaphore"
)

// ModelPool ограничивает число одновременных вызовов модели для всех миров.
// Ожидающие обслуживаются в порядке прихода.
type ModelPool struct {
	sem     *semaphore.Weighted
	size    int64
	maxWait time.Duration
}

// NewModelPool создает пул на size слотов с ограничением ожидания maxWait.
func NewModelPool(size int, maxWait time.Duration) *ModelPool {
	if size <= 0 {
		size = 1
	}
	return &ModelPool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    int64(size),
		maxWait: maxWait,
	}
}

// Acquire занимает слот. Если слот не освободился за maxWait, возвращает domain.ErrCapacity.
func (p *ModelPool) Acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if p.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.maxWait)
		defer cancel()
	}

	start := time.Now()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			poolRejections.Inc()
			return nil, fmt.Errorf("%w: model pool busy for %v", domain.ErrCapacity, p.maxWait)
		}
		return nil, err
	}
	poolWaitSeconds.Observe(time.Since(start).Seconds())
	poolInFlight.Inc()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		poolInFlight.Dec()
		p.sem.Release(1)
	}, nil
}

// Size возвращает размер пула.
func (p *ModelPool) Size() int {
	return int(p.size)
}
