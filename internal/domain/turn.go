package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ActionSubmission входящее действие игрока.
type ActionSubmission struct {
	WorldID   WorldID `json:"world_id" validate:"required"`
	Actor     string  `json:"actor" validate:"required,max=128"`
	InputText string  `json:"input_text" validate:"required,max=2000"`
}

// Validate проверяет обязательные поля действия игрока.
func (s ActionSubmission) Validate() error {
	if s.WorldID.IsZero() {
		return fmt.Errorf("%w: world_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(s.InputText) == "" {
		return fmt.Errorf("%w: input_text is empty", ErrInvalidInput)
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// TurnStatus итог хода.
type TurnStatus string

const (
	TurnStatusPending   TurnStatus = "pending"
	TurnStatusRunning   TurnStatus = "running"
	TurnStatusCommitted TurnStatus = "committed"
	// TurnStatusDegraded ход зафиксирован резервной репликой с пониженной уверенностью.
	TurnStatusDegraded TurnStatus = "degraded"
	TurnStatusFailed   TurnStatus = "failed"
)

// IsTerminal сообщает, что ход завершен.
func (s TurnStatus) IsTerminal() bool {
	return s == TurnStatusCommitted || s == TurnStatusDegraded || s == TurnStatusFailed
}

// TurnResult результат хода, возвращаемый вызывающей стороне.
type TurnResult struct {
	TurnID  uuid.UUID    `json:"turn_id"`
	WorldID WorldID      `json:"world_id"`
	Status  TurnStatus   `json:"status"`
	Events  []StoryEvent `json:"events,omitempty"`
	Err     error        `json:"-"`
	Error   string       `json:"error,omitempty"`
}

// NewFailedTurn собирает результат проваленного хода.
func NewFailedTurn(turnID uuid.UUID, worldID WorldID, err error) TurnResult {
	return TurnResult{
		TurnID:  turnID,
		WorldID: worldID,
		Status:  TurnStatusFailed,
		Err:     err,
		Error:   err.Error(),
	}
}
