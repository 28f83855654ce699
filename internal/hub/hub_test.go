package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"narrative-server/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryLog журнал одного мира для тестов хаба.
type memoryLog struct {
	mu      sync.Mutex
	worldID domain.WorldID
	events  []domain.StoryEvent
}

func newMemoryLog(n int) *memoryLog {
	l := &memoryLog{worldID: domain.NewWorldID()}
	for i := 0; i < n; i++ {
		l.append()
	}
	return l
}

func (l *memoryLog) append() domain.StoryEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	payload, _ := json.Marshal(domain.DialoguePayload{Speaker: domain.NarratorSpeaker, Text: "line"})
	e := domain.StoryEvent{
		WorldID:   l.worldID,
		Sequence:  int64(len(l.events) + 1),
		Kind:      domain.EventDialogue,
		Payload:   payload,
		TurnID:    uuid.New(),
		Timestamp: time.Now().UTC(),
	}
	l.events = append(l.events, e)
	return e
}

func (l *memoryLog) ReadEvents(_ context.Context, _ domain.WorldID, after int64, limit int) ([]domain.StoryEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if after >= int64(len(l.events)) {
		return nil, nil
	}
	tail := l.events[after:]
	if len(tail) > limit {
		tail = tail[:limit]
	}
	return append([]domain.StoryEvent(nil), tail...), nil
}

func (l *memoryLog) GetWorld(_ context.Context, worldID domain.WorldID) (*domain.World, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if worldID != l.worldID {
		return nil, domain.ErrNotFound
	}
	return &domain.World{ID: worldID, Sequence: int64(len(l.events)), Status: domain.WorldStatusActive}, nil
}

func (l *memoryLog) GetWorldSnapshot(_ context.Context, worldID domain.WorldID) (*domain.WorldState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := domain.NewWorldState(worldID)
	state.Sequence = int64(len(l.events))
	return state, nil
}

func waitLive(t *testing.T, sub *Subscription) {
	t.Helper()
	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.live
	}, time.Second, time.Millisecond)
}

func receive(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return Envelope{}
	}
}

func TestHub_ReplayThenLive(t *testing.T) {
	log := newMemoryLog(5)
	h := New(log, Config{QueueSize: 16, ReplayPageSize: 2}, zap.NewNop())

	sub, err := h.Subscribe(context.Background(), log.worldID, 2)
	require.NoError(t, err)
	defer sub.Close()

	for _, want := range []int64{3, 4, 5} {
		env := receive(t, sub)
		assert.Equal(t, EnvelopeEvent, env.Type)
		assert.Equal(t, want, env.Sequence)
	}
	waitLive(t, sub)

	e6 := log.append()
	h.Publish(log.worldID, []domain.StoryEvent{e6})
	assert.Equal(t, int64(6), receive(t, sub).Sequence)

	// Повторная публикация уже доставленных событий не дублирует их.
	e7 := log.append()
	h.Publish(log.worldID, []domain.StoryEvent{e6, e7})
	assert.Equal(t, int64(7), receive(t, sub).Sequence)
	select {
	case env := <-sub.C():
		t.Fatalf("unexpected envelope %+v", env)
	default:
	}
}

func TestHub_ResumeExactlyOnceUnderConcurrentPublish(t *testing.T) {
	log := newMemoryLog(50)
	h := New(log, Config{QueueSize: 1024, ReplayPageSize: 7}, zap.NewNop())

	const total = 300
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 50; i < total; i++ {
			e := log.append()
			h.Publish(log.worldID, []domain.StoryEvent{e})
		}
	}()

	sub, err := h.Subscribe(context.Background(), log.worldID, 10)
	require.NoError(t, err)
	defer sub.Close()

	next := int64(11)
	for next <= total {
		env := receive(t, sub)
		require.Equal(t, next, env.Sequence, "events must arrive once and in order")
		next++
	}
	wg.Wait()
	assert.Empty(t, sub.Reason())
}

func TestHub_SlowConsumerIsDropped(t *testing.T) {
	log := newMemoryLog(0)
	h := New(log, Config{QueueSize: 2}, zap.NewNop())

	sub, err := h.Subscribe(context.Background(), log.worldID, 0)
	require.NoError(t, err)
	waitLive(t, sub)

	var batch []domain.StoryEvent
	for i := 0; i < 5; i++ {
		batch = append(batch, log.append())
	}
	h.Publish(log.worldID, batch)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, ReasonSlowConsumer, sub.Reason())
	assert.Equal(t, 0, h.SubscriberCount(log.worldID))
}

func TestHub_GapDropsSubscriber(t *testing.T) {
	log := newMemoryLog(3)
	h := New(log, Config{QueueSize: 16}, zap.NewNop())

	sub, err := h.Subscribe(context.Background(), log.worldID, 3)
	require.NoError(t, err)
	waitLive(t, sub)

	log.append()
	e5 := log.append()
	h.Publish(log.worldID, []domain.StoryEvent{e5})

	<-sub.Done()
	assert.Equal(t, ReasonSequenceGap, sub.Reason())
}

func TestHub_SnapshotFirstAndNotices(t *testing.T) {
	log := newMemoryLog(4)
	h := New(log, Config{QueueSize: 16}, zap.NewNop())

	sub, err := h.SubscribeWithSnapshot(context.Background(), log.worldID)
	require.NoError(t, err)
	defer sub.Close()

	first := receive(t, sub)
	assert.Equal(t, EnvelopeSnapshot, first.Type)
	assert.Equal(t, int64(4), first.Sequence)
	waitLive(t, sub)

	turnID := uuid.New()
	h.Notify(log.worldID, Notice{Kind: NoticeTurnFailed, TurnID: turnID, Message: "model unavailable"})
	notice := receive(t, sub)
	assert.Equal(t, EnvelopeNotice, notice.Type)
	assert.Equal(t, NoticeTurnFailed, notice.Kind)
	assert.Zero(t, notice.Sequence)

	var n Notice
	require.NoError(t, json.Unmarshal(notice.Payload, &n))
	assert.Equal(t, turnID, n.TurnID)

	e5 := log.append()
	h.Publish(log.worldID, []domain.StoryEvent{e5})
	assert.Equal(t, int64(5), receive(t, sub).Sequence)
}

func TestHub_ContextCancelUnsubscribes(t *testing.T) {
	log := newMemoryLog(1)
	h := New(log, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.Subscribe(ctx, log.worldID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, h.SubscriberCount(log.worldID))

	cancel()
	<-sub.Done()
	assert.Equal(t, ReasonUnsubscribed, sub.Reason())
	assert.Equal(t, 0, h.SubscriberCount(log.worldID))

	// Публикация после отписки безопасна.
	h.Publish(log.worldID, []domain.StoryEvent{log.append()})
}

func TestHub_SubscribeRejectsUnknownWorldAndFutureCursor(t *testing.T) {
	log := newMemoryLog(3)
	h := New(log, Config{QueueSize: 16}, zap.NewNop())

	_, err := h.Subscribe(context.Background(), domain.NewWorldID(), 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.Subscribe(context.Background(), log.worldID, 4)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, 0, h.SubscriberCount(log.worldID))

	sub, err := h.Subscribe(context.Background(), log.worldID, 3)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, 1, h.SubscriberCount(log.worldID))
}
