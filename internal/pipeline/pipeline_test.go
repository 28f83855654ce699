package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"narrative-server/internal/domain"
	"narrative-server/internal/pipeline"
	"narrative-server/pkg/ai"
	"narrative-server/pkg/ai/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testActor = "hero"

func testWorld(t *testing.T) *domain.WorldState {
	t.Helper()
	state := domain.NewWorldState(domain.NewWorldID())
	state.Name = "Keep"
	state.Sequence = 5

	hall, err := domain.NewScene("hall", "Great Hall", map[string]string{domain.AttrActive: "true"})
	require.NoError(t, err)
	hero, err := domain.NewCharacter("hero", "Aria", nil)
	require.NoError(t, err)
	door, err := domain.NewProp("door", "Oak Door", map[string]string{"state": "closed", "locked": "true"})
	require.NoError(t, err)
	for _, e := range []*domain.Entity{hall, hero, door} {
		state.Entities[e.ID] = e
	}
	return state
}

func newTestPipeline(model ai.ModelAdapter, attempts int) *pipeline.Pipeline {
	prompts := pipeline.NewPromptBuilder(ai.NewEstimateTokenizer(), 10, 4000, 8)
	return pipeline.NewPipeline(model, pipeline.NewModelPool(2, time.Second), prompts, nil, pipeline.Config{
		Timeout:        time.Second,
		MaxAttempts:    attempts,
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  2 * time.Millisecond,
	}, zap.NewNop())
}

func submission(state *domain.WorldState, text string) domain.ActionSubmission {
	return domain.ActionSubmission{WorldID: state.WorldID, Actor: testActor, InputText: text}
}

func TestPipeline_Run_ValidOutput(t *testing.T) {
	state := testWorld(t)
	model := mocks.NewMockModelAdapter(t)
	model.On("Invoke", mock.Anything, mock.AnythingOfType("ai.Prompt"), time.Second).
		Return("```json\n"+`{"actions":[{"kind":"world_mutation","entity_id":"door","set":{"state":"open"},"remove":["locked"]},`+
			`{"kind":"dialogue","speaker":"narrator","text":"The door creaks open."}]}`+"\n```", nil).Once()

	p := newTestPipeline(model, 3)
	set, err := p.Run(context.Background(), pipeline.Request{Submission: submission(state, "open the door"), Snapshot: state})

	require.NoError(t, err)
	assert.False(t, set.LowConfidence)
	assert.Equal(t, 1, set.Attempts)
	require.Len(t, set.Actions, 2)
	assert.Equal(t, domain.ActionWorldMutation, set.Actions[0].Kind)
	assert.Equal(t, "open", set.Actions[0].Mutation.Set["state"])
	assert.Equal(t, []string{"locked"}, set.Actions[0].Mutation.Remove)
	assert.Equal(t, domain.ActionDialogue, set.Actions[1].Kind)
}

func TestPipeline_Run_RetriesTransientFailures(t *testing.T) {
	state := testWorld(t)
	model := mocks.NewMockModelAdapter(t)
	model.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return("", ai.ErrTimeout).Twice()
	model.On("Invoke", mock.Anything, mock.Anything, mock.Anything).
		Return(`{"actions":[{"kind":"dialogue","speaker":"narrator","text":"Silence."}]}`, nil).Once()

	p := newTestPipeline(model, 3)
	set, err := p.Run(context.Background(), pipeline.Request{Submission: submission(state, "wait"), Snapshot: state})

	require.NoError(t, err)
	assert.Equal(t, 3, set.Attempts)
	require.Len(t, set.Actions, 1)
}

func TestPipeline_Run_ModelUnavailableAfterAttempts(t *testing.T) {
	state := testWorld(t)
	model := mocks.NewMockModelAdapter(t)
	model.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return("", ai.ErrTimeout).Times(3)

	p := newTestPipeline(model, 3)
	_, err := p.Run(context.Background(), pipeline.Request{Submission: submission(state, "open the door"), Snapshot: state})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
	model.AssertNumberOfCalls(t, "Invoke", 3)
}

func TestPipeline_Run_RejectedIsNotRetried(t *testing.T) {
	state := testWorld(t)
	model := mocks.NewMockModelAdapter(t)
	model.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return("", ai.ErrRejected).Once()

	p := newTestPipeline(model, 3)
	_, err := p.Run(context.Background(), pipeline.Request{Submission: submission(state, "open the door"), Snapshot: state})

	assert.ErrorIs(t, err, domain.ErrModelUnavailable)
	model.AssertNumberOfCalls(t, "Invoke", 1)
}

func TestPipeline_Run_CorrectivePromptRecovers(t *testing.T) {
	state := testWorld(t)
	model := mocks.NewMockModelAdapter(t)
	model.On("Invoke", mock.Anything, mock.MatchedBy(func(p ai.Prompt) bool { return len(p.Messages) == 2 }), mock.Anything).
		Return(`{"actions":[{"kind":"teleport","target":"moon"}]}`, nil).Once()
	model.On("Invoke", mock.Anything, mock.MatchedBy(func(p ai.Prompt) bool {
		return len(p.Messages) == 4 && strings.Contains(p.Messages[3].Content, "could not be used")
	}), mock.Anything).
		Return(`{"actions":[{"kind":"dialogue","speaker":"narrator","text":"You stay in the hall."}]}`, nil).Once()

	p := newTestPipeline(model, 3)
	set, err := p.Run(context.Background(), pipeline.Request{Submission: submission(state, "fly to the moon"), Snapshot: state})

	require.NoError(t, err)
	assert.False(t, set.LowConfidence)
	assert.Equal(t, 2, set.Attempts)
	require.Len(t, set.Actions, 1)
	assert.Equal(t, "You stay in the hall.", set.Actions[0].Dialogue.Text)
}

func TestPipeline_Run_FallbackAfterSecondViolation(t *testing.T) {
	state := testWorld(t)
	model := mocks.NewMockModelAdapter(t)
	model.On("Invoke", mock.Anything, mock.Anything, mock.Anything).Return("I refuse to answer in JSON.", nil).Once()
	model.On("Invoke", mock.Anything, mock.Anything, mock.Anything).
		Return(`{"actions":[{"kind":"world_mutation","entity_id":"dragon","set":{"mood":"angry"}}]}`, nil).Once()

	p := newTestPipeline(model, 3)
	set, err := p.Run(context.Background(), pipeline.Request{Submission: submission(state, "wake the dragon"), Snapshot: state})

	require.NoError(t, err)
	assert.True(t, set.LowConfidence)
	require.Len(t, set.Actions, 1)
	assert.Equal(t, domain.ActionDialogue, set.Actions[0].Kind)
	assert.Equal(t, domain.NarratorSpeaker, set.Actions[0].Dialogue.Speaker)
	assert.True(t, set.Actions[0].Dialogue.LowConfidence)
	model.AssertNumberOfCalls(t, "Invoke", 2)
}

func TestPipeline_Run_CapacityWhenPoolBusy(t *testing.T) {
	state := testWorld(t)
	model := mocks.NewMockModelAdapter(t)

	pool := pipeline.NewModelPool(1, 20*time.Millisecond)
	release, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	prompts := pipeline.NewPromptBuilder(ai.NewEstimateTokenizer(), 10, 4000, 8)
	p := pipeline.NewPipeline(model, pool, prompts, nil, pipeline.Config{Timeout: time.Second, MaxAttempts: 3}, zap.NewNop())

	_, err = p.Run(context.Background(), pipeline.Request{Submission: submission(state, "open the door"), Snapshot: state})
	assert.True(t, errors.Is(err, domain.ErrCapacity), "expected capacity error, got %v", err)
	model.AssertNotCalled(t, "Invoke", mock.Anything, mock.Anything, mock.Anything)
}

type stubEvents struct {
	events []domain.StoryEvent
	after  int64
}

func (s *stubEvents) ReadEvents(_ context.Context, _ domain.WorldID, after int64, limit int) ([]domain.StoryEvent, error) {
	s.after = after
	var out []domain.StoryEvent
	for _, e := range s.events {
		if e.Sequence > after && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestPipeline_Run_PromptIncludesRecentEvents(t *testing.T) {
	state := testWorld(t)
	reader := &stubEvents{}
	for seq := int64(1); seq <= 7; seq++ {
		ev, err := domain.NewStoryEvent(state.WorldID, uuid.New(), "narrator", domain.EventDialogue,
			domain.DialoguePayload{Speaker: "narrator", Text: "line " + string(rune('0'+seq))})
		require.NoError(t, err)
		ev.Sequence = seq
		reader.events = append(reader.events, ev)
	}

	var captured ai.Prompt
	model := mocks.NewMockModelAdapter(t)
	model.On("Invoke", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { captured = args.Get(1).(ai.Prompt) }).
		Return(`{"actions":[{"kind":"suggested_choice","options":["look","leave"]}]}`, nil).Once()

	prompts := pipeline.NewPromptBuilder(ai.NewEstimateTokenizer(), 3, 4000, 8)
	p := pipeline.NewPipeline(model, pipeline.NewModelPool(1, time.Second), prompts, reader, pipeline.Config{Timeout: time.Second}, zap.NewNop())

	_, err := p.Run(context.Background(), pipeline.Request{Submission: submission(state, "look around"), Snapshot: state})
	require.NoError(t, err)

	assert.Equal(t, int64(2), reader.after)
	user := captured.Messages[1].Content
	assert.Contains(t, user, "line 3")
	assert.Contains(t, user, "line 5")
	assert.NotContains(t, user, "line 6")
	assert.NotContains(t, user, "line 2")
	assert.Contains(t, user, "PLAYER (hero): look around")
}
