package http

import (
	"narrative-server/internal/domain"
	"narrative-server/internal/engine"

	"github.com/google/uuid"
)

// ErrorResponse тело ответа с ошибкой.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeCapacity     = "capacity_exceeded"
	ErrCodeFaulted      = "world_faulted"
	ErrCodeConflict     = "conflict"
	ErrCodeUnavailable  = "model_unavailable"
	ErrCodeInternal     = "internal_error"
)

type entityRequest struct {
	ID         string            `json:"id" binding:"required,max=128"`
	Kind       domain.EntityKind `json:"kind" binding:"required"`
	Name       string            `json:"name" binding:"required,max=256"`
	Attributes map[string]string `json:"attributes"`
}

type createWorldRequest struct {
	Name     string          `json:"name" binding:"required,max=256"`
	Entities []entityRequest `json:"entities" binding:"dive"`
}

type createWorldResponse struct {
	World  *domain.World       `json:"world"`
	Events []domain.StoryEvent `json:"events"`
}

type worldResponse struct {
	State    engine.State       `json:"state"`
	Status   domain.WorldStatus `json:"status"`
	Snapshot *domain.WorldState `json:"snapshot"`
}

type eventsResponse struct {
	Events []domain.StoryEvent `json:"events"`
	// Next курсор для следующей страницы.
	Next int64 `json:"next"`
}

type submitActionRequest struct {
	// Actor используется, только если аутентификация выключена.
	Actor     string `json:"actor" binding:"omitempty,max=128"`
	InputText string `json:"input_text" binding:"required,max=2000"`
}

type turnResponse struct {
	TurnID  uuid.UUID           `json:"turn_id"`
	WorldID domain.WorldID      `json:"world_id"`
	Actor   string              `json:"actor"`
	Status  domain.TurnStatus   `json:"status"`
	Events  []domain.StoryEvent `json:"events,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func newTurnResponse(turn *engine.Turn) turnResponse {
	result := turn.Result()
	return turnResponse{
		TurnID:  turn.ID,
		WorldID: turn.Submission.WorldID,
		Actor:   turn.Submission.Actor,
		Status:  turn.Status(),
		Events:  result.Events,
		Error:   result.Error,
	}
}

type verifyResponse struct {
	Consistent bool `json:"consistent"`
	// Repaired true, если проекция расходилась с журналом и была заменена.
	Repaired bool `json:"repaired"`
}
