package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"narrative-server/internal/domain"
	"narrative-server/internal/pipeline"
	"narrative-server/pkg/ai"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialogueEvents(t *testing.T, worldID domain.WorldID, n int) []domain.StoryEvent {
	t.Helper()
	events := make([]domain.StoryEvent, 0, n)
	for i := 1; i <= n; i++ {
		e, err := domain.NewStoryEvent(worldID, uuid.New(), "hero", domain.EventDialogue,
			domain.DialoguePayload{Speaker: "narrator", Text: fmt.Sprintf("line number %d of the tale", i)})
		require.NoError(t, err)
		e.Sequence = int64(i)
		events = append(events, e)
	}
	return events
}

func TestPromptBuilder_Build(t *testing.T) {
	state := testWorld(t)
	state.Choices = []string{"knock", "leave"}
	b := pipeline.NewPromptBuilder(ai.NewEstimateTokenizer(), 3, 0, 5)

	prompt := b.Build(state, dialogueEvents(t, state.WorldID, 5), submission(state, "I try the Oak Door"))
	require.Len(t, prompt.Messages, 2)
	system, user := prompt.Messages[0].Content, prompt.Messages[1].Content

	assert.Contains(t, system, `"Keep"`)
	assert.Contains(t, system, "between 1 and 5 actions")
	assert.Contains(t, system, "- door (prop): Oak Door")

	// окно из трех последних событий, старые в начале
	assert.NotContains(t, user, "#2 ")
	assert.Less(t, strings.Index(user, "#3 "), strings.Index(user, "#5 "))
	assert.Contains(t, user, `door (prop) "Oak Door"`)
	assert.Contains(t, user, `hall (scene)`)
	assert.Contains(t, user, "PREVIOUSLY SUGGESTED CHOICES: knock | leave")
	assert.True(t, strings.HasSuffix(user, "PLAYER (hero): I try the Oak Door"))
	assert.Greater(t, prompt.TokenCount, 0)
}

func TestPromptBuilder_BudgetDropsOldestEvents(t *testing.T) {
	state := testWorld(t)
	tok := ai.NewEstimateTokenizer()
	sub := submission(state, "look around")
	events := dialogueEvents(t, state.WorldID, 10)

	unbounded := pipeline.NewPromptBuilder(tok, 10, 0, 8).Build(state, events, sub)
	require.Contains(t, unbounded.Messages[1].Content, "#1 ")

	budget := unbounded.TokenCount - 60
	bounded := pipeline.NewPromptBuilder(tok, 10, budget, 8).Build(state, events, sub)
	user := bounded.Messages[1].Content
	assert.NotContains(t, user, "#1 ")
	assert.Contains(t, user, "#10 ")
	assert.Less(t, bounded.TokenCount, unbounded.TokenCount)
}

func TestPromptBuilder_Corrective(t *testing.T) {
	state := testWorld(t)
	b := pipeline.NewPromptBuilder(ai.NewEstimateTokenizer(), 5, 0, 8)
	prompt := b.Build(state, nil, submission(state, "wait"))

	corrected := b.Corrective(prompt, "not json", errors.New("no JSON object"))
	require.Len(t, corrected.Messages, 4)
	assert.Len(t, prompt.Messages, 2)
	assert.Equal(t, ai.RoleAssistant, corrected.Messages[2].Role)
	assert.Equal(t, "not json", corrected.Messages[2].Content)
	assert.Contains(t, corrected.Messages[3].Content, "no JSON object")
}

func TestModelPool_Acquire(t *testing.T) {
	pool := pipeline.NewModelPool(1, 20*time.Millisecond)
	assert.Equal(t, 1, pool.Size())

	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	assert.ErrorIs(t, err, domain.ErrCapacity)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	release()
	release()

	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	again()
}
