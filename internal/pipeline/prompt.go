package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"narrative-server/internal/domain"
	"narrative-server/pkg/ai"
)

const systemPromptTemplate = `You are the narrator of a persistent interactive story world called %q.
Continue the story in response to the player's action. You may only change the world
through the actions listed below.

RESPONSE FORMAT:
Respond with a single JSON object and nothing else:
{"actions": [ ... ]}

Each element of "actions" has a "kind" field and the fields of that kind:
- {"kind": "dialogue", "speaker": string, "text": string}
  A spoken line or narration. Use speaker "narrator" for narration.
- {"kind": "world_mutation", "entity_id": string, "set": {attribute: value}, "remove": [attribute]}
  Change attributes of an existing entity. At least one of "set" or "remove" is required.
- {"kind": "suggested_choice", "options": [string]}
  One to six short options the player could take next.
- {"kind": "tool_invocation", "tool": string, "args": object}
  Available tools:
  - give_item: {"target": entity_id, "item_name": string, "description": string}
  - reveal_info: {"info_type": string, "content": string, "importance": "minor"|"major"|"critical"}
  - change_relationship: {"from": entity_id, "to": entity_id, "change": "improve"|"worsen", "amount": "slight"|"moderate"|"significant", "reason": string}
  - trigger_event: {"event_type": string, "description": string}

RULES:
- Reference only entity ids listed under KNOWN ENTITIES.
- Return between 1 and %d actions, in the order they happen.
- Do not wrap the JSON in prose.

KNOWN ENTITIES:
%s`

// FallbackText текст резервной реплики, когда вывод модели не удалось проверить.
const FallbackText = "The story falters for a moment; the narrative could not proceed as intended."

// PromptBuilder собирает промпт хода в пределах бюджета токенов.
type PromptBuilder struct {
	tokenizer   *ai.Tokenizer
	eventWindow int
	maxTokens   int
	maxActions  int
}

func NewPromptBuilder(tokenizer *ai.Tokenizer, eventWindow, maxTokens, maxActions int) *PromptBuilder {
	if eventWindow <= 0 {
		eventWindow = 20
	}
	if maxActions <= 0 {
		maxActions = 8
	}
	return &PromptBuilder{
		tokenizer:   tokenizer,
		eventWindow: eventWindow,
		maxTokens:   maxTokens,
		maxActions:  maxActions,
	}
}

// EventWindow число последних событий, попадающих в промпт.
func (b *PromptBuilder) EventWindow() int {
	return b.eventWindow
}

// Build собирает промпт: инструкции, окно последних событий (новые в конце),
// состояние упомянутых сущностей и исходный ввод игрока.
func (b *PromptBuilder) Build(state *domain.WorldState, recent []domain.StoryEvent, sub domain.ActionSubmission) ai.Prompt {
	system := fmt.Sprintf(systemPromptTemplate, state.Name, b.maxActions, renderKnownEntities(state))

	referenced := ReferencedEntities(state, sub)
	var entityBlock strings.Builder
	for _, e := range referenced {
		entityBlock.WriteString(renderEntity(e))
		entityBlock.WriteByte('\n')
	}
	for _, r := range state.SortedRelationships() {
		if containsRef(referenced, r.From) || containsRef(referenced, r.To) {
			fmt.Fprintf(&entityBlock, "relationship %s -> %s: sentiment %d\n", r.From, r.To, r.Sentiment)
		}
	}

	input := fmt.Sprintf("PLAYER (%s): %s", sub.Actor, strings.TrimSpace(sub.InputText))
	fixed := b.tokenizer.Count(system) + b.tokenizer.Count(entityBlock.String()) + b.tokenizer.Count(input)

	// Окно событий обрезается со стороны старых событий, пока не влезет в бюджет.
	if len(recent) > b.eventWindow {
		recent = recent[len(recent)-b.eventWindow:]
	}
	lines := make([]string, 0, len(recent))
	for _, e := range recent {
		lines = append(lines, renderEvent(e))
	}
	if b.maxTokens > 0 {
		budget := b.maxTokens - fixed
		used := 0
		cut := len(lines)
		for i := len(lines) - 1; i >= 0; i-- {
			cost := b.tokenizer.Count(lines[i]) + 1
			if used+cost > budget {
				break
			}
			used += cost
			cut = i
		}
		lines = lines[cut:]
	}

	var user strings.Builder
	user.WriteString("RECENT EVENTS (oldest first):\n")
	if len(lines) == 0 {
		user.WriteString("(none)\n")
	}
	for _, l := range lines {
		user.WriteString(l)
		user.WriteByte('\n')
	}
	user.WriteString("\nCURRENT STATE OF REFERENCED ENTITIES:\n")
	if entityBlock.Len() == 0 {
		user.WriteString("(none)\n")
	} else {
		user.WriteString(entityBlock.String())
	}
	if len(state.Choices) > 0 {
		fmt.Fprintf(&user, "\nPREVIOUSLY SUGGESTED CHOICES: %s\n", strings.Join(state.Choices, " | "))
	}
	user.WriteString("\n")
	user.WriteString(input)

	messages := []ai.Message{
		{Role: ai.RoleSystem, Content: system},
		{Role: ai.RoleUser, Content: user.String()},
	}
	return ai.Prompt{Messages: messages, TokenCount: b.tokenizer.CountMessages(messages)}
}

// Corrective дополняет промпт неудачным ответом и просьбой исправить вывод.
func (b *PromptBuilder) Corrective(prompt ai.Prompt, badOutput string, cause error) ai.Prompt {
	messages := append([]ai.Message(nil), prompt.Messages...)
	messages = append(messages,
		ai.Message{Role: ai.RoleAssistant, Content: badOutput},
		ai.Message{Role: ai.RoleUser, Content: fmt.Sprintf(
			"Your previous response could not be used: %v.\n"+
				"Respond again with only the JSON object {\"actions\": [...]} following the RESPONSE FORMAT exactly "+
				"and referencing only KNOWN ENTITIES.", cause)},
	)
	return ai.Prompt{Messages: messages, TokenCount: b.tokenizer.CountMessages(messages)}
}

// ReferencedEntities выбирает сущности, упомянутые во вводе (по id или имени),
// сущность самого актора и активную сцену.
func ReferencedEntities(state *domain.WorldState, sub domain.ActionSubmission) []*domain.Entity {
	input := strings.ToLower(sub.InputText)
	var out []*domain.Entity
	for _, e := range state.SortedEntities() {
		switch {
		case string(e.ID) == sub.Actor:
		case mentions(input, strings.ToLower(string(e.ID))):
		case mentions(input, strings.ToLower(e.Name)):
		case e.Kind == domain.EntityKindScene && e.Attributes[domain.AttrActive] == "true":
		default:
			continue
		}
		out = append(out, e)
	}
	return out
}

func mentions(text, word string) bool {
	if word == "" {
		return false
	}
	idx := strings.Index(text, word)
	for idx >= 0 {
		before := idx == 0 || !isWordChar(text[idx-1])
		end := idx + len(word)
		after := end >= len(text) || !isWordChar(text[end])
		if before && after {
			return true
		}
		next := strings.Index(text[idx+1:], word)
		if next < 0 {
			return false
		}
		idx += next + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func containsRef(list []*domain.Entity, id domain.EntityID) bool {
	for _, e := range list {
		if e.ID == id {
			return true
		}
	}
	return false
}

func renderKnownEntities(state *domain.WorldState) string {
	if len(state.Entities) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, e := range state.SortedEntities() {
		fmt.Fprintf(&b, "- %s (%s): %s\n", e.ID, e.Kind, e.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderEntity(e *domain.Entity) string {
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%q", k, e.Attributes[k]))
	}
	return fmt.Sprintf("%s (%s) %q: %s", e.ID, e.Kind, e.Name, strings.Join(attrs, ", "))
}

func renderEvent(e domain.StoryEvent) string {
	prefix := fmt.Sprintf("#%d %s", e.Sequence, e.Kind)
	switch e.Kind {
	case domain.EventDialogue:
		var p domain.DialoguePayload
		if e.DecodePayload(&p) == nil {
			return fmt.Sprintf("%s %s: %q", prefix, p.Speaker, p.Text)
		}
	case domain.EventEntityMutated:
		var p domain.MutationPayload
		if e.DecodePayload(&p) == nil {
			keys := make([]string, 0, len(p.Set))
			for k := range p.Set {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys)+len(p.Remove))
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%q", k, p.Set[k]))
			}
			for _, k := range p.Remove {
				parts = append(parts, "-"+k)
			}
			return fmt.Sprintf("%s %s: %s", prefix, p.EntityID, strings.Join(parts, ", "))
		}
	case domain.EventChoicesSuggested:
		var p domain.ChoicesPayload
		if e.DecodePayload(&p) == nil {
			return fmt.Sprintf("%s %s", prefix, strings.Join(p.Options, " | "))
		}
	case domain.EventEntityCreated:
		var p domain.Entity
		if e.DecodePayload(&p) == nil {
			return fmt.Sprintf("%s %s (%s) %q", prefix, p.ID, p.Kind, p.Name)
		}
	case domain.EventToolInvoked:
		var p domain.ToolInvocation
		if e.DecodePayload(&p) == nil {
			return fmt.Sprintf("%s %s %s", prefix, p.Tool, string(p.Args))
		}
	}
	return prefix + " " + string(e.Payload)
}
