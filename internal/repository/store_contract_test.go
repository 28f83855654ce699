package repository_test

import (
	"context"
	"encoding/json"
	"testing"

	"narrative-server/internal/domain"
	"narrative-server/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(t *testing.T, worldID domain.WorldID, kind domain.EventKind, payload any) domain.StoryEvent {
	t.Helper()
	e, err := domain.NewStoryEvent(worldID, uuid.New(), "hero", kind, payload)
	require.NoError(t, err)
	return e
}

func newToolEvent(t *testing.T, worldID domain.WorldID, tool domain.ToolName, args any) domain.StoryEvent {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return newEvent(t, worldID, domain.EventToolInvoked, domain.ToolInvocation{Tool: tool, Args: raw})
}

func mustEntity(t *testing.T, kind domain.EntityKind, id, name string, attrs map[string]string) *domain.Entity {
	t.Helper()
	e, err := domain.NewEntity(kind, id, name, attrs)
	require.NoError(t, err)
	return e
}

// commitEvents дописывает события одной транзакцией и обновляет проекцию.
func commitEvents(t *testing.T, store repository.WorldStateStore, worldID domain.WorldID, touched []domain.EntityID, events ...domain.StoryEvent) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.BeginWorldTransaction(ctx, worldID, touched)
	require.NoError(t, err)

	state := tx.State()
	var delta domain.ProjectionDelta
	for i := range events {
		_, err := tx.AppendEvent(ctx, &events[i])
		require.NoError(t, err)
		d, err := state.Apply(events[i])
		require.NoError(t, err)
		delta.Merge(d)
	}
	require.NoError(t, tx.SaveProjection(ctx, state, delta))
	require.NoError(t, tx.Commit(ctx))
}

func fold(t *testing.T, worldID domain.WorldID, events []domain.StoryEvent) *domain.WorldState {
	t.Helper()
	state := domain.NewWorldState(worldID)
	for _, e := range events {
		_, err := state.Apply(e)
		require.NoError(t, err)
	}
	return state
}

// runStoreContract общие проверки для всех реализаций WorldStateStore.
func runStoreContract(t *testing.T, store repository.WorldStateStore) {
	ctx := context.Background()
	world := &domain.World{ID: domain.NewWorldID(), Name: "Keep"}
	worldID := world.ID

	t.Run("create world", func(t *testing.T) {
		require.NoError(t, store.CreateWorld(ctx, world))
		assert.ErrorIs(t, store.CreateWorld(ctx, &domain.World{ID: worldID, Name: "Again"}), domain.ErrConflict)

		got, err := store.GetWorld(ctx, worldID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.Sequence)
		assert.Equal(t, domain.WorldStatusActive, got.Status)

		_, err = store.GetWorld(ctx, domain.NewWorldID())
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetWorldSnapshot(ctx, domain.NewWorldID())
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.BeginWorldTransaction(ctx, domain.NewWorldID(), nil)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("append and project", func(t *testing.T) {
		commitEvents(t, store, worldID, nil,
			newEvent(t, worldID, domain.EventWorldCreated, domain.WorldCreatedPayload{Name: "Keep"}),
			newEvent(t, worldID, domain.EventEntityCreated, mustEntity(t, domain.EntityKindScene, "hall", "Great Hall", map[string]string{domain.AttrActive: "true"})),
			newEvent(t, worldID, domain.EventEntityCreated, mustEntity(t, domain.EntityKindCharacter, "guard", "Guard", map[string]string{"mood": "bored"})),
			newEvent(t, worldID, domain.EventEntityCreated, mustEntity(t, domain.EntityKindCharacter, "hero", "Hero", nil)),
		)
		commitEvents(t, store, worldID, []domain.EntityID{"guard"},
			newEvent(t, worldID, domain.EventEntityMutated, domain.MutationPayload{EntityID: "guard", Set: map[string]string{"mood": "alert"}}),
			newEvent(t, worldID, domain.EventDialogue, domain.DialoguePayload{Speaker: "guard", Text: "Who goes there?"}),
		)
		commitEvents(t, store, worldID, []domain.EntityID{"guard", "hero"},
			newToolEvent(t, worldID, domain.ToolChangeRelationship, domain.ChangeRelationshipArgs{From: "guard", To: "hero", Change: "improve", Amount: "moderate"}),
			newToolEvent(t, worldID, domain.ToolRevealInfo, domain.RevealInfoArgs{InfoType: "secret", Content: "The hero is a prince", Importance: "major"}),
			newEvent(t, worldID, domain.EventChoicesSuggested, domain.ChoicesPayload{Options: []string{"bow", "flee"}}),
		)

		got, err := store.GetWorld(ctx, worldID)
		require.NoError(t, err)
		assert.Equal(t, int64(9), got.Sequence)

		snap, err := store.GetWorldSnapshot(ctx, worldID)
		require.NoError(t, err)
		assert.Equal(t, int64(9), snap.Sequence)
		assert.Equal(t, "Keep", snap.Name)
		require.Len(t, snap.Entities, 3)
		assert.Equal(t, "alert", snap.Entities["guard"].Attributes["mood"])
		assert.Equal(t, 25, snap.Relationships[domain.RelationshipKey{From: "guard", To: "hero"}].Sentiment)
		require.Len(t, snap.Journal, 1)
		assert.Equal(t, int64(8), snap.Journal[0].Sequence)
		assert.Equal(t, []string{"bow", "flee"}, snap.Choices)
	})

	t.Run("read events", func(t *testing.T) {
		all, err := store.ReadEvents(ctx, worldID, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 9)
		for i, e := range all {
			assert.Equal(t, int64(i+1), e.Sequence)
			assert.Equal(t, worldID, e.WorldID)
		}

		page, err := store.ReadEvents(ctx, worldID, 4, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, int64(5), page[0].Sequence)
		assert.Equal(t, domain.EventEntityMutated, page[0].Kind)

		tail, err := store.ReadEvents(ctx, worldID, 9, 10)
		require.NoError(t, err)
		assert.Empty(t, tail)

		// свертка журнала совпадает с сохраненной проекцией
		snap, err := store.GetWorldSnapshot(ctx, worldID)
		require.NoError(t, err)
		assert.True(t, fold(t, worldID, all).Equal(snap))
	})

	t.Run("concurrent transactions conflict", func(t *testing.T) {
		first, err := store.BeginWorldTransaction(ctx, worldID, []domain.EntityID{"guard"})
		require.NoError(t, err)
		second, err := store.BeginWorldTransaction(ctx, worldID, []domain.EntityID{"guard"})
		require.NoError(t, err)
		assert.Equal(t, first.BaseSequence(), second.BaseSequence())

		e1 := newEvent(t, worldID, domain.EventDialogue, domain.DialoguePayload{Speaker: "guard", Text: "First"})
		seq, err := first.AppendEvent(ctx, &e1)
		require.NoError(t, err)
		assert.Equal(t, int64(10), seq)
		require.NoError(t, first.Commit(ctx))

		e2 := newEvent(t, worldID, domain.EventDialogue, domain.DialoguePayload{Speaker: "guard", Text: "Second"})
		_, err = second.AppendEvent(ctx, &e2)
		assert.ErrorIs(t, err, domain.ErrConflict)
		require.NoError(t, second.Rollback(ctx))

		got, err := store.GetWorld(ctx, worldID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.Sequence)
	})

	t.Run("rollback leaves no trace", func(t *testing.T) {
		tx, err := store.BeginWorldTransaction(ctx, worldID, nil)
		require.NoError(t, err)
		e := newEvent(t, worldID, domain.EventDialogue, domain.DialoguePayload{Speaker: "guard", Text: "Never said"})
		_, err = tx.AppendEvent(ctx, &e)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))

		events, err := store.ReadEvents(ctx, worldID, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("replace projection", func(t *testing.T) {
		snap, err := store.GetWorldSnapshot(ctx, worldID)
		require.NoError(t, err)

		stale := snap.Clone()
		stale.Sequence--
		assert.ErrorIs(t, store.ReplaceProjection(ctx, stale), domain.ErrConflict)

		tampered := snap.Clone()
		tampered.Entities["guard"].Attributes["mood"] = "asleep"
		require.NoError(t, store.ReplaceProjection(ctx, tampered))
		got, err := store.GetWorldSnapshot(ctx, worldID)
		require.NoError(t, err)
		assert.Equal(t, "asleep", got.Entities["guard"].Attributes["mood"])

		require.NoError(t, store.ReplaceProjection(ctx, snap))
		got, err = store.GetWorldSnapshot(ctx, worldID)
		require.NoError(t, err)
		assert.True(t, snap.Equal(got))
	})

	t.Run("status and listing", func(t *testing.T) {
		require.NoError(t, store.SetWorldStatus(ctx, worldID, domain.WorldStatusFaulted))
		got, err := store.GetWorld(ctx, worldID)
		require.NoError(t, err)
		assert.Equal(t, domain.WorldStatusFaulted, got.Status)
		require.NoError(t, store.SetWorldStatus(ctx, worldID, domain.WorldStatusActive))

		assert.ErrorIs(t, store.SetWorldStatus(ctx, domain.NewWorldID(), domain.WorldStatusFaulted), domain.ErrNotFound)

		worlds, err := store.ListWorlds(ctx, 100, 0)
		require.NoError(t, err)
		found := false
		for _, w := range worlds {
			if w.ID == worldID {
				found = true
			}
		}
		assert.True(t, found)
	})
}
