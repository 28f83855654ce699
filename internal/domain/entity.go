package domain

import (
	"fmt"
	"strings"
)

// EntityKind вид сущности мира.
type EntityKind string

const (
	EntityKindCharacter EntityKind = "character"
	EntityKindScene     EntityKind = "scene"
	EntityKindProp      EntityKind = "prop"
	EntityKindItem      EntityKind = "item"
)

// IsValid проверяет, что вид сущности входит в закрытый набор.
func (k EntityKind) IsValid() bool {
	switch k {
	case EntityKindCharacter, EntityKindScene, EntityKindProp, EntityKindItem:
		return true
	default:
		return false
	}
}

// Атрибуты, которые движок интерпретирует сам.
const (
	AttrHolder      = "holder"      // владелец предмета
	AttrDescription = "description" // описание предмета или сцены
	AttrActive      = "active"      // "true" у текущей сцены
)

// Entity сущность мира: персонаж, сцена, объект или предмет.
// Создается только через New* конструкторы.
type Entity struct {
	ID         EntityID          `json:"id" db:"entity_id"`
	Kind       EntityKind        `json:"kind" db:"kind"`
	Name       string            `json:"name" db:"name"`
	Attributes map[string]string `json:"attributes" db:"attributes"`
}

// NewEntity проверяет набор полей и создает сущность.
// Неполные или противоречивые наборы атрибутов отклоняются.
func NewEntity(kind EntityKind, id, name string, attrs map[string]string) (*Entity, error) {
	if !kind.IsValid() {
		return nil, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, kind)
	}
	entityID, err := NewEntityID(id)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: entity %s has empty name", ErrInvalidInput, entityID)
	}

	copied := make(map[string]string, len(attrs))
	for k, v := range attrs {
		key := strings.TrimSpace(k)
		if key == "" {
			return nil, fmt.Errorf("%w: entity %s has blank attribute key", ErrInvalidInput, entityID)
		}
		copied[key] = v
	}
	if kind == EntityKindItem {
		if holder, ok := copied[AttrHolder]; ok && strings.TrimSpace(holder) == "" {
			return nil, fmt.Errorf("%w: item %s has empty holder", ErrInvalidInput, entityID)
		}
	}
	if v, ok := copied[AttrActive]; ok && v != "true" && v != "false" {
		return nil, fmt.Errorf("%w: attribute %q of %s must be true or false", ErrInvalidInput, AttrActive, entityID)
	}

	return &Entity{ID: entityID, Kind: kind, Name: name, Attributes: copied}, nil
}

// NewCharacter создает персонажа.
func NewCharacter(id, name string, attrs map[string]string) (*Entity, error) {
	return NewEntity(EntityKindCharacter, id, name, attrs)
}

// NewScene создает сцену.
func NewScene(id, name string, attrs map[string]string) (*Entity, error) {
	return NewEntity(EntityKindScene, id, name, attrs)
}

// NewProp создает объект окружения (дверь, сундук и т.п.).
func NewProp(id, name string, attrs map[string]string) (*Entity, error) {
	return NewEntity(EntityKindProp, id, name, attrs)
}

// Clone возвращает глубокую копию сущности.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	attrs := make(map[string]string, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	return &Entity{ID: e.ID, Kind: e.Kind, Name: e.Name, Attributes: attrs}
}

// RelationshipKey ключ направленного ребра между сущностями.
type RelationshipKey struct {
	From EntityID `json:"from"`
	To   EntityID `json:"to"`
}

func (k RelationshipKey) String() string {
	return string(k.From) + "->" + string(k.To)
}

// Relationship ребро графа отношений. Sentiment в диапазоне [-100, 100].
type Relationship struct {
	From      EntityID `json:"from" db:"from_id"`
	To        EntityID `json:"to" db:"to_id"`
	Sentiment int      `json:"sentiment" db:"sentiment"`
}

func (r Relationship) Key() RelationshipKey {
	return RelationshipKey{From: r.From, To: r.To}
}

const (
	MinSentiment = -100
	MaxSentiment = 100
)

func clampSentiment(v int) int {
	if v < MinSentiment {
		return MinSentiment
	}
	if v > MaxSentiment {
		return MaxSentiment
	}
	return v
}

// JournalKind вид записи журнала мира.
type JournalKind string

const (
	JournalKindReveal JournalKind = "reveal"
	JournalKindEvent  JournalKind = "event"
)

// JournalEntry раскрытая информация или произошедшее событие.
type JournalEntry struct {
	Sequence   int64       `json:"sequence" db:"sequence"`
	Kind       JournalKind `json:"kind" db:"kind"`
	Category   string      `json:"category" db:"category"`
	Content    string      `json:"content" db:"content"`
	Importance string      `json:"importance,omitempty" db:"importance"`
}
