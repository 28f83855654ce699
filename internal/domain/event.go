package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind тип события журнала мира.
type EventKind string

const (
	EventWorldCreated     EventKind = "world.created"
	EventEntityCreated    EventKind = "entity.created"
	EventDialogue         EventKind = "narrative.dialogue"
	EventEntityMutated    EventKind = "entity.mutated"
	EventChoicesSuggested EventKind = "choices.suggested"
	EventToolInvoked      EventKind = "tool.invoked"
)

// IsValid проверяет, что тип события известен движку.
func (k EventKind) IsValid() bool {
	switch k {
	case EventWorldCreated, EventEntityCreated, EventDialogue, EventEntityMutated,
		EventChoicesSuggested, EventToolInvoked:
		return true
	default:
		return false
	}
}

// StoryEvent неизменяемая запись журнала мира.
// Sequence уникален и строго возрастает в пределах мира.
type StoryEvent struct {
	WorldID   WorldID         `json:"world_id"`
	Sequence  int64           `json:"sequence"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Actor     string          `json:"actor,omitempty"`
	TurnID    uuid.UUID       `json:"turn_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// WorldCreatedPayload полезная нагрузка события world.created.
type WorldCreatedPayload struct {
	Name string `json:"name"`
}

// NewStoryEvent собирает событие без номера: номер назначает хранилище внутри транзакции.
func NewStoryEvent(worldID WorldID, turnID uuid.UUID, actor string, kind EventKind, payload any) (StoryEvent, error) {
	if !kind.IsValid() {
		return StoryEvent{}, fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return StoryEvent{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return StoryEvent{
		WorldID:   worldID,
		Kind:      kind,
		Payload:   raw,
		Actor:     actor,
		TurnID:    turnID,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodePayload разбирает полезную нагрузку события в v.
func (e StoryEvent) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %d (%s): malformed payload: %w", e.Sequence, e.Kind, err)
	}
	return nil
}
