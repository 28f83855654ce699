package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"narrative-server/internal/domain"
	"narrative-server/pkg/ai"
)

// wireAction плоское представление действия в ответе модели.
type wireAction struct {
	Kind     domain.ActionKind `json:"kind"`
	Speaker  string            `json:"speaker"`
	Text     string            `json:"text"`
	EntityID domain.EntityID   `json:"entity_id"`
	Set      map[string]string `json:"set"`
	Remove   []string          `json:"remove"`
	Options  []string          `json:"options"`
	Tool     domain.ToolName   `json:"tool"`
	Args     json.RawMessage   `json:"args"`
}

type wireResponse struct {
	Actions []json.RawMessage `json:"actions"`
}

// ParseActions разбирает ответ модели в упорядоченный список действий.
// Любое отклонение от схемы возвращает ошибку domain.ErrContractViolation:
// нераспознанный вид, пропущенные поля, ссылки на отсутствующие в мире сущности.
func ParseActions(output string, state *domain.WorldState, maxActions int) ([]domain.NarrativeAction, error) {
	raw, err := ai.ExtractJSONObject(output)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrContractViolation, err)
	}

	var resp wireResponse
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", domain.ErrContractViolation, err)
	}
	if len(resp.Actions) == 0 {
		return nil, fmt.Errorf("%w: response contains no actions", domain.ErrContractViolation)
	}
	if maxActions > 0 && len(resp.Actions) > maxActions {
		return nil, fmt.Errorf("%w: %d actions exceed limit %d", domain.ErrContractViolation, len(resp.Actions), maxActions)
	}

	actions := make([]domain.NarrativeAction, 0, len(resp.Actions))
	for i, item := range resp.Actions {
		action, err := decodeAction(item)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		if err := action.Validate(); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		for _, id := range action.RequiredEntities() {
			if _, ok := state.Entities[id]; !ok {
				return nil, fmt.Errorf("action %d: %w: %w %q", i, domain.ErrContractViolation, domain.ErrUnknownEntity, id)
			}
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func decodeAction(item json.RawMessage) (domain.NarrativeAction, error) {
	var w wireAction
	if err := json.Unmarshal(item, &w); err != nil {
		return domain.NarrativeAction{}, fmt.Errorf("%w: malformed action: %v", domain.ErrContractViolation, err)
	}

	action := domain.NarrativeAction{Kind: w.Kind}
	switch w.Kind {
	case domain.ActionDialogue:
		action.Dialogue = &domain.DialoguePayload{Speaker: w.Speaker, Text: w.Text}
	case domain.ActionWorldMutation:
		action.Mutation = &domain.MutationPayload{EntityID: w.EntityID, Set: w.Set, Remove: w.Remove}
	case domain.ActionSuggestedChoice:
		action.Choices = &domain.ChoicesPayload{Options: w.Options}
	case domain.ActionToolInvocation:
		action.Tool = &domain.ToolInvocation{Tool: w.Tool, Args: w.Args}
	default:
		return domain.NarrativeAction{}, fmt.Errorf("%w: unrecognized action kind %q", domain.ErrContractViolation, w.Kind)
	}
	return action, nil
}
