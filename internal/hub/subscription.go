package hub

import (
	"context"
	"sort"
	"sync"

	"narrative-server/internal/domain"

	"github.com/google/uuid"
)

// Subscription подписка на события одного мира.
// Сообщения читаются из C(); после Done() причина доступна через Reason().
type Subscription struct {
	ID      uuid.UUID
	WorldID domain.WorldID

	hub  *Hub
	out  chan Envelope
	done chan struct{}

	mu      sync.Mutex
	cursor  int64
	live    bool
	pending []domain.StoryEvent
	closed  bool
	reason  string
}

func (s *Subscription) C() <-chan Envelope {
	return s.out
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Cursor номер последнего события, поставленного в очередь подписчика.
func (s *Subscription) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close отписывает подписчика.
func (s *Subscription) Close() {
	s.close(ReasonUnsubscribed)
}

func (s *Subscription) close(reason string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.reason = reason
	s.pending = nil
	close(s.done)
	s.mu.Unlock()

	s.hub.unregister(s)
	return true
}

// send блокирующая отправка, используется только пока подписка догоняет журнал.
func (s *Subscription) send(ctx context.Context, env Envelope) bool {
	select {
	case s.out <- env:
		if env.Type == EnvelopeEvent {
			deliveredEvents.Inc()
		}
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Subscription) trySend(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- env:
	default:
	}
}

func (s *Subscription) advance(seq int64) {
	s.mu.Lock()
	if seq > s.cursor {
		s.cursor = seq
	}
	s.mu.Unlock()
}

// takePending забирает накопленные события. Если их нет, подписка
// атомарно переходит в живой режим.
func (s *Subscription) takePending() ([]domain.StoryEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		s.live = true
		return nil, true
	}
	pending := s.pending
	s.pending = nil
	sort.Slice(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
	return pending, false
}

// offer ставит события в очередь без блокировки. Возвращает причину
// отключения или пустую строку.
func (s *Subscription) offer(events []domain.StoryEvent, pendingLimit int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ""
	}
	if !s.live {
		s.pending = append(s.pending, events...)
		if len(s.pending) > pendingLimit {
			return ReasonResumeRequired
		}
		return ""
	}
	for _, e := range events {
		if e.Sequence <= s.cursor {
			continue
		}
		if e.Sequence != s.cursor+1 {
			return ReasonSequenceGap
		}
		select {
		case s.out <- EventEnvelope(e):
			s.cursor = e.Sequence
			deliveredEvents.Inc()
		default:
			return ReasonSlowConsumer
		}
	}
	return ""
}
