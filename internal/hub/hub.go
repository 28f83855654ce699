package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"narrative-server/internal/domain"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Причины закрытия подписки.
const (
	ReasonSlowConsumer   = "slow_consumer"
	ReasonSequenceGap    = "sequence_gap"
	ReasonResumeRequired = "resume_required"
	ReasonReplayFailed   = "replay_failed"
	ReasonUnsubscribed   = "unsubscribed"
	ReasonShutdown       = "shutdown"
)

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrative_hub_subscribers",
		Help: "Active world subscriptions.",
	})
	deliveredEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrative_hub_delivered_events_total",
		Help: "Story events queued to subscribers.",
	})
	droppedSubscribers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrative_hub_dropped_subscribers_total",
		Help: "Subscriptions closed by the hub, by reason.",
	}, []string{"reason"})
)

// EventSource журнал и проекция мира, из которых подписчик догоняет поток.
type EventSource interface {
	GetWorld(ctx context.Context, worldID domain.WorldID) (*domain.World, error)
	ReadEvents(ctx context.Context, worldID domain.WorldID, after int64, limit int) ([]domain.StoryEvent, error)
	GetWorldSnapshot(ctx context.Context, worldID domain.WorldID) (*domain.WorldState, error)
}

// Config параметры хаба.
type Config struct {
	// QueueSize размер очереди исходящих сообщений одного подписчика.
	QueueSize int
	// PendingLimit сколько живых событий копится, пока подписчик догоняет журнал.
	PendingLimit int
	// ReplayPageSize размер страницы чтения журнала при догоне.
	ReplayPageSize int
}

// Hub рассылает зафиксированные события подписчикам мира строго по порядку номеров.
type Hub struct {
	mu     sync.RWMutex
	worlds map[domain.WorldID]map[uuid.UUID]*Subscription
	source EventSource
	cfg    Config
	logger *zap.Logger
}

func New(source EventSource, cfg Config, logger *zap.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 1024
	}
	if cfg.ReplayPageSize <= 0 {
		cfg.ReplayPageSize = 200
	}
	return &Hub{
		worlds: make(map[domain.WorldID]map[uuid.UUID]*Subscription),
		source: source,
		cfg:    cfg,
		logger: logger.Named("hub"),
	}
}

// Subscribe подписывает на мир, начиная с события после cursor.
// Подписка регистрируется до чтения журнала: живые события копятся в pending,
// журнал читается постранично, затем pending сливается без пропусков и дублей.
// Неизвестный мир дает domain.ErrNotFound, курсор впереди журнала domain.ErrInvalidInput.
func (h *Hub) Subscribe(ctx context.Context, worldID domain.WorldID, cursor int64) (*Subscription, error) {
	if cursor < 0 {
		return nil, fmt.Errorf("%w: negative cursor", domain.ErrInvalidInput)
	}
	world, err := h.source.GetWorld(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if cursor > world.Sequence {
		return nil, fmt.Errorf("%w: cursor %d is ahead of world sequence %d", domain.ErrInvalidInput, cursor, world.Sequence)
	}
	sub := h.register(worldID, cursor)
	go h.catchUp(ctx, sub, nil)
	go h.watch(ctx, sub)
	return sub, nil
}

// SubscribeWithSnapshot отдает первым сообщением снимок проекции,
// затем события после номера снимка.
func (h *Hub) SubscribeWithSnapshot(ctx context.Context, worldID domain.WorldID) (*Subscription, error) {
	state, err := h.source.GetWorldSnapshot(ctx, worldID)
	if err != nil {
		return nil, err
	}
	first, err := SnapshotEnvelope(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	sub := h.register(worldID, state.Sequence)
	go h.catchUp(ctx, sub, &first)
	go h.watch(ctx, sub)
	return sub, nil
}

func (h *Hub) register(worldID domain.WorldID, cursor int64) *Subscription {
	sub := &Subscription{
		ID:      uuid.New(),
		WorldID: worldID,
		hub:     h,
		out:     make(chan Envelope, h.cfg.QueueSize),
		done:    make(chan struct{}),
		cursor:  cursor,
	}
	h.mu.Lock()
	subs, ok := h.worlds[worldID]
	if !ok {
		subs = make(map[uuid.UUID]*Subscription)
		h.worlds[worldID] = subs
	}
	subs[sub.ID] = sub
	h.mu.Unlock()

	subscribersGauge.Inc()
	h.logger.Debug("Subscriber registered",
		zap.Stringer("worldID", worldID),
		zap.Stringer("subscriptionID", sub.ID),
		zap.Int64("cursor", cursor))
	return sub
}

func (h *Hub) unregister(sub *Subscription) {
	h.mu.Lock()
	if subs, ok := h.worlds[sub.WorldID]; ok {
		if _, ok := subs[sub.ID]; ok {
			delete(subs, sub.ID)
			subscribersGauge.Dec()
		}
		if len(subs) == 0 {
			delete(h.worlds, sub.WorldID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) watch(ctx context.Context, sub *Subscription) {
	select {
	case <-ctx.Done():
		sub.close(ReasonUnsubscribed)
	case <-sub.done:
	}
}

// catchUp догоняет журнал и переводит подписку в живой режим.
func (h *Hub) catchUp(ctx context.Context, sub *Subscription, first *Envelope) {
	log := h.logger.With(zap.Stringer("worldID", sub.WorldID), zap.Stringer("subscriptionID", sub.ID))
	if first != nil && !sub.send(ctx, *first) {
		return
	}

	for {
		if err := h.replay(ctx, sub); err != nil {
			if !errors.Is(err, errSubscriptionClosed) {
				log.Warn("Replay failed", zap.Error(err))
				h.drop(sub, ReasonReplayFailed)
			}
			return
		}

		// Сливаем накопленные живые события. Если в них пропуск, журнал
		// уже содержит недостающее и догон повторяется.
		gap := false
		for !gap {
			pending, live := sub.takePending()
			if live {
				log.Debug("Subscriber is live", zap.Int64("cursor", sub.Cursor()))
				return
			}
			for _, e := range pending {
				cur := sub.Cursor()
				if e.Sequence <= cur {
					continue
				}
				if e.Sequence != cur+1 {
					gap = true
					break
				}
				if !sub.send(ctx, EventEnvelope(e)) {
					return
				}
				sub.advance(e.Sequence)
			}
		}
	}
}

var errSubscriptionClosed = errors.New("subscription closed")

func (h *Hub) replay(ctx context.Context, sub *Subscription) error {
	for {
		after := sub.Cursor()
		page, err := h.source.ReadEvents(ctx, sub.WorldID, after, h.cfg.ReplayPageSize)
		if err != nil {
			return err
		}
		for _, e := range page {
			if e.Sequence <= sub.Cursor() {
				continue
			}
			if e.Sequence != sub.Cursor()+1 {
				return fmt.Errorf("event log gap: got %d after %d", e.Sequence, sub.Cursor())
			}
			if !sub.send(ctx, EventEnvelope(e)) {
				return errSubscriptionClosed
			}
			sub.advance(e.Sequence)
		}
		if len(page) < h.cfg.ReplayPageSize {
			return nil
		}
	}
}

// Publish раздает зафиксированные события подписчикам мира.
// Не блокируется: медленный подписчик или подписчик с пропуском отключается.
func (h *Hub) Publish(worldID domain.WorldID, events []domain.StoryEvent) {
	if len(events) == 0 {
		return
	}
	ordered := append([]domain.StoryEvent(nil), events...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Sequence < ordered[j].Sequence })

	for _, sub := range h.subscribers(worldID) {
		if reason := sub.offer(ordered, h.cfg.PendingLimit); reason != "" {
			h.drop(sub, reason)
		}
	}
}

// Notify рассылает уведомление без номера. Уведомление может потеряться,
// подписка при этом не закрывается.
func (h *Hub) Notify(worldID domain.WorldID, n Notice) {
	env := NoticeEnvelope(worldID, n)
	for _, sub := range h.subscribers(worldID) {
		sub.trySend(env)
	}
}

// SubscriberCount число подписчиков мира.
func (h *Hub) SubscriberCount(worldID domain.WorldID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.worlds[worldID])
}

// Close закрывает все подписки.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Subscription
	for _, subs := range h.worlds {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range all {
		sub.close(ReasonShutdown)
	}
}

func (h *Hub) subscribers(worldID domain.WorldID) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.worlds[worldID]
	out := make([]*Subscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) drop(sub *Subscription, reason string) {
	if sub.close(reason) {
		droppedSubscribers.WithLabelValues(reason).Inc()
		h.logger.Info("Subscriber dropped",
			zap.Stringer("worldID", sub.WorldID),
			zap.Stringer("subscriptionID", sub.ID),
			zap.Int64("cursor", sub.Cursor()),
			zap.String("reason", reason))
	}
}
