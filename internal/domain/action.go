package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ActionKind закрытый набор видов действий, которые модель может вернуть.
type ActionKind string

const (
	ActionDialogue        ActionKind = "dialogue"
	ActionWorldMutation   ActionKind = "world_mutation"
	ActionSuggestedChoice ActionKind = "suggested_choice"
	ActionToolInvocation  ActionKind = "tool_invocation"
)

// ToolName имя игрового инструмента.
type ToolName string

const (
	ToolGiveItem           ToolName = "give_item"
	ToolRevealInfo         ToolName = "reveal_info"
	ToolChangeRelationship ToolName = "change_relationship"
	ToolTriggerEvent       ToolName = "trigger_event"
)

// NarratorSpeaker говорящий по умолчанию для реплик рассказчика.
const NarratorSpeaker = "narrator"

type DialoguePayload struct {
	Speaker       string `json:"speaker" validate:"required,max=128"`
	Text          string `json:"text" validate:"required,max=4000"`
	LowConfidence bool   `json:"low_confidence,omitempty"`
}

type MutationPayload struct {
	EntityID EntityID          `json:"entity_id" validate:"required"`
	Set      map[string]string `json:"set,omitempty"`
	Remove   []string          `json:"remove,omitempty" validate:"omitempty,dive,required"`
}

type ChoicesPayload struct {
	Options []string `json:"options" validate:"required,min=1,max=6,dive,required,max=300"`
}

// ToolInvocation вызов инструмента. Args декодируются по имени инструмента.
type ToolInvocation struct {
	Tool ToolName        `json:"tool" validate:"required"`
	Args json.RawMessage `json:"args" validate:"required"`
}

type GiveItemArgs struct {
	Target      EntityID `json:"target" validate:"required"`
	ItemName    string   `json:"item_name" validate:"required,max=128"`
	Description string   `json:"description,omitempty"`
}

type RevealInfoArgs struct {
	InfoType   string `json:"info_type" validate:"required"`
	Content    string `json:"content" validate:"required"`
	Importance string `json:"importance" validate:"required,oneof=minor major critical"`
}

type ChangeRelationshipArgs struct {
	From   EntityID `json:"from" validate:"required"`
	To     EntityID `json:"to" validate:"required,nefield=From"`
	Change string   `json:"change" validate:"required,oneof=improve worsen"`
	Amount string   `json:"amount" validate:"required,oneof=slight moderate significant"`
	Reason string   `json:"reason,omitempty"`
}

type TriggerEventArgs struct {
	EventType   string `json:"event_type" validate:"required"`
	Description string `json:"description" validate:"required"`
}

// SentimentDelta переводит направление и величину изменения отношений в число.
func (a ChangeRelationshipArgs) SentimentDelta() int {
	var delta int
	switch a.Amount {
	case "slight":
		delta = 10
	case "moderate":
		delta = 25
	case "significant":
		delta = 50
	}
	if a.Change == "worsen" {
		delta = -delta
	}
	return delta
}

// DecodeArgs разбирает аргументы инструмента в типизированную структуру и валидирует их.
// Неизвестный инструмент считается нарушением контракта.
func (t ToolInvocation) DecodeArgs() (any, error) {
	var args any
	switch t.Tool {
	case ToolGiveItem:
		args = &GiveItemArgs{}
	case ToolRevealInfo:
		args = &RevealInfoArgs{}
	case ToolChangeRelationship:
		args = &ChangeRelationshipArgs{}
	case ToolTriggerEvent:
		args = &TriggerEventArgs{}
	default:
		return nil, fmt.Errorf("%w: unknown tool %q", ErrContractViolation, t.Tool)
	}
	if len(t.Args) == 0 {
		return nil, fmt.Errorf("%w: tool %s has no args", ErrContractViolation, t.Tool)
	}
	if err := json.Unmarshal(t.Args, args); err != nil {
		return nil, fmt.Errorf("%w: tool %s args: %v", ErrContractViolation, t.Tool, err)
	}
	if err := validate.Struct(args); err != nil {
		return nil, fmt.Errorf("%w: tool %s args: %v", ErrContractViolation, t.Tool, err)
	}
	return args, nil
}

// NarrativeAction структурированная интерпретация ответа модели.
// Заполнено ровно одно поле полезной нагрузки, соответствующее Kind.
type NarrativeAction struct {
	Kind     ActionKind       `json:"kind"`
	Dialogue *DialoguePayload `json:"dialogue,omitempty"`
	Mutation *MutationPayload `json:"mutation,omitempty"`
	Choices  *ChoicesPayload  `json:"choices,omitempty"`
	Tool     *ToolInvocation  `json:"tool,omitempty"`
}

// Validate проверяет обязательные поля действия.
func (a NarrativeAction) Validate() error {
	var payload any
	switch a.Kind {
	case ActionDialogue:
		if a.Dialogue == nil {
			return fmt.Errorf("%w: dialogue action without payload", ErrContractViolation)
		}
		payload = a.Dialogue
	case ActionWorldMutation:
		if a.Mutation == nil {
			return fmt.Errorf("%w: world_mutation action without payload", ErrContractViolation)
		}
		if len(a.Mutation.Set) == 0 && len(a.Mutation.Remove) == 0 {
			return fmt.Errorf("%w: world_mutation of %s changes nothing", ErrContractViolation, a.Mutation.EntityID)
		}
		for k := range a.Mutation.Set {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("%w: world_mutation of %s has blank attribute key", ErrContractViolation, a.Mutation.EntityID)
			}
		}
		payload = a.Mutation
	case ActionSuggestedChoice:
		if a.Choices == nil {
			return fmt.Errorf("%w: suggested_choice action without payload", ErrContractViolation)
		}
		payload = a.Choices
	case ActionToolInvocation:
		if a.Tool == nil {
			return fmt.Errorf("%w: tool_invocation action without payload", ErrContractViolation)
		}
		if _, err := a.Tool.DecodeArgs(); err != nil {
			return err
		}
		payload = a.Tool
	default:
		return fmt.Errorf("%w: unrecognized action kind %q", ErrContractViolation, a.Kind)
	}

	if err := validate.Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %s: %v", ErrContractViolation, a.Kind, verrs)
		}
		return fmt.Errorf("%w: %s: %v", ErrContractViolation, a.Kind, err)
	}
	return nil
}

// ReferencedEntities возвращает сущности, которые действие читает или меняет.
// Для give_item сюда входит идентификатор создаваемого предмета.
func (a NarrativeAction) ReferencedEntities() []EntityID {
	switch a.Kind {
	case ActionWorldMutation:
		if a.Mutation != nil {
			return []EntityID{a.Mutation.EntityID}
		}
	case ActionToolInvocation:
		if a.Tool == nil {
			return nil
		}
		args, err := a.Tool.DecodeArgs()
		if err != nil {
			return nil
		}
		switch v := args.(type) {
		case *GiveItemArgs:
			return []EntityID{v.Target, ItemEntityID(v.ItemName)}
		case *ChangeRelationshipArgs:
			return []EntityID{v.From, v.To}
		}
	}
	return nil
}

// RequiredEntities сущности, которые обязаны существовать до применения действия.
func (a NarrativeAction) RequiredEntities() []EntityID {
	refs := a.ReferencedEntities()
	if a.Kind == ActionToolInvocation && a.Tool != nil && a.Tool.Tool == ToolGiveItem && len(refs) == 2 {
		return refs[:1]
	}
	return refs
}

// NewDialogueAction собирает действие-реплику.
func NewDialogueAction(speaker, text string, lowConfidence bool) NarrativeAction {
	return NarrativeAction{
		Kind:     ActionDialogue,
		Dialogue: &DialoguePayload{Speaker: speaker, Text: text, LowConfidence: lowConfidence},
	}
}

// ActionSet результат конвейера: набор действий для одного хода.
type ActionSet struct {
	Actions []NarrativeAction `json:"actions"`
	// LowConfidence выставляется, когда вывод модели не прошел проверку
	// и был заменен резервной репликой.
	LowConfidence bool `json:"low_confidence"`
	Attempts      int  `json:"attempts"`
}

// Touched собирает уникальный набор сущностей, затронутых набором действий.
func (s ActionSet) Touched() []EntityID {
	seen := make(map[EntityID]struct{})
	var out []EntityID
	for _, a := range s.Actions {
		for _, id := range a.ReferencedEntities() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
