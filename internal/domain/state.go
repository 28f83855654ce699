package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// WorldStatus состояние мира с точки зрения приема действий.
type WorldStatus string

const (
	WorldStatusActive  WorldStatus = "active"
	WorldStatusFaulted WorldStatus = "faulted"
)

// World заголовок мира.
type World struct {
	ID        WorldID     `json:"id" db:"id"`
	Name      string      `json:"name" db:"name"`
	Sequence  int64       `json:"sequence" db:"sequence"`
	Status    WorldStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// WorldState производная проекция мира: плоская таблица сущностей
// и ребра отношений между их идентификаторами.
// Источник истины - журнал событий, проекцию всегда можно пересобрать.
type WorldState struct {
	WorldID       WorldID
	Name          string
	Sequence      int64
	Entities      map[EntityID]*Entity
	Relationships map[RelationshipKey]Relationship
	Journal       []JournalEntry
	Choices       []string
}

// NewWorldState создает пустую проекцию мира на нулевом номере.
func NewWorldState(worldID WorldID) *WorldState {
	return &WorldState{
		WorldID:       worldID,
		Entities:      make(map[EntityID]*Entity),
		Relationships: make(map[RelationshipKey]Relationship),
	}
}

// ProjectionDelta то, что изменилось в проекции после применения события.
type ProjectionDelta struct {
	Header        bool
	Entities      []EntityID
	Relationships []RelationshipKey
	Journal       []JournalEntry
	Choices       bool
}

// Merge добавляет изменения other, сохраняя уникальность идентификаторов.
func (d *ProjectionDelta) Merge(other ProjectionDelta) {
	d.Header = d.Header || other.Header
	d.Choices = d.Choices || other.Choices
	for _, id := range other.Entities {
		if !containsEntity(d.Entities, id) {
			d.Entities = append(d.Entities, id)
		}
	}
	for _, key := range other.Relationships {
		found := false
		for _, existing := range d.Relationships {
			if existing == key {
				found = true
				break
			}
		}
		if !found {
			d.Relationships = append(d.Relationships, key)
		}
	}
	d.Journal = append(d.Journal, other.Journal...)
}

func containsEntity(ids []EntityID, id EntityID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// Apply применяет событие к проекции. Применение детерминировано и зависит от порядка:
// номер события обязан быть ровно следующим за текущим.
func (s *WorldState) Apply(event StoryEvent) (ProjectionDelta, error) {
	var delta ProjectionDelta
	if event.WorldID != s.WorldID {
		return delta, fmt.Errorf("%w: event of world %s applied to %s", ErrFatal, event.WorldID, s.WorldID)
	}
	if event.Sequence != s.Sequence+1 {
		return delta, fmt.Errorf("%w: event sequence %d does not follow %d", ErrFatal, event.Sequence, s.Sequence)
	}

	switch event.Kind {
	case EventWorldCreated:
		var p WorldCreatedPayload
		if err := event.DecodePayload(&p); err != nil {
			return delta, err
		}
		s.Name = p.Name
		delta.Header = true

	case EventEntityCreated:
		var e Entity
		if err := event.DecodePayload(&e); err != nil {
			return delta, err
		}
		if _, exists := s.Entities[e.ID]; exists {
			return delta, fmt.Errorf("%w: %s", ErrEntityExists, e.ID)
		}
		created, err := NewEntity(e.Kind, string(e.ID), e.Name, e.Attributes)
		if err != nil {
			return delta, err
		}
		s.Entities[created.ID] = created
		delta.Entities = append(delta.Entities, created.ID)

	case EventDialogue:
		// Реплики не меняют сущности.

	case EventEntityMutated:
		var m MutationPayload
		if err := event.DecodePayload(&m); err != nil {
			return delta, err
		}
		entity, ok := s.Entities[m.EntityID]
		if !ok {
			return delta, fmt.Errorf("%w: %s", ErrUnknownEntity, m.EntityID)
		}
		if entity.Attributes == nil {
			entity.Attributes = make(map[string]string, len(m.Set))
		}
		for k, v := range m.Set {
			entity.Attributes[k] = v
		}
		for _, k := range m.Remove {
			delete(entity.Attributes, k)
		}
		delta.Entities = append(delta.Entities, entity.ID)

	case EventChoicesSuggested:
		var c ChoicesPayload
		if err := event.DecodePayload(&c); err != nil {
			return delta, err
		}
		s.Choices = append([]string(nil), c.Options...)
		delta.Choices = true

	case EventToolInvoked:
		var t ToolInvocation
		if err := event.DecodePayload(&t); err != nil {
			return delta, err
		}
		toolDelta, err := s.applyTool(event.Sequence, t)
		if err != nil {
			return delta, err
		}
		delta = toolDelta

	default:
		return delta, fmt.Errorf("%w: unknown event kind %q at %d", ErrFatal, event.Kind, event.Sequence)
	}

	s.Sequence = event.Sequence
	return delta, nil
}

func (s *WorldState) applyTool(sequence int64, t ToolInvocation) (ProjectionDelta, error) {
	var delta ProjectionDelta
	args, err := t.DecodeArgs()
	if err != nil {
		return delta, err
	}

	switch a := args.(type) {
	case *GiveItemArgs:
		if _, ok := s.Entities[a.Target]; !ok {
			return delta, fmt.Errorf("%w: %s", ErrUnknownEntity, a.Target)
		}
		itemID := ItemEntityID(a.ItemName)
		if item, ok := s.Entities[itemID]; ok {
			if item.Attributes == nil {
				item.Attributes = make(map[string]string)
			}
			item.Attributes[AttrHolder] = string(a.Target)
			if a.Description != "" {
				item.Attributes[AttrDescription] = a.Description
			}
		} else {
			attrs := map[string]string{AttrHolder: string(a.Target)}
			if a.Description != "" {
				attrs[AttrDescription] = a.Description
			}
			item, err := NewEntity(EntityKindItem, string(itemID), a.ItemName, attrs)
			if err != nil {
				return delta, err
			}
			s.Entities[item.ID] = item
		}
		delta.Entities = append(delta.Entities, itemID)

	case *RevealInfoArgs:
		entry := JournalEntry{
			Sequence:   sequence,
			Kind:       JournalKindReveal,
			Category:   a.InfoType,
			Content:    a.Content,
			Importance: a.Importance,
		}
		s.Journal = append(s.Journal, entry)
		delta.Journal = append(delta.Journal, entry)

	case *ChangeRelationshipArgs:
		for _, id := range []EntityID{a.From, a.To} {
			if _, ok := s.Entities[id]; !ok {
				return delta, fmt.Errorf("%w: %s", ErrUnknownEntity, id)
			}
		}
		key := RelationshipKey{From: a.From, To: a.To}
		rel := s.Relationships[key]
		rel.From, rel.To = a.From, a.To
		rel.Sentiment = clampSentiment(rel.Sentiment + a.SentimentDelta())
		s.Relationships[key] = rel
		delta.Relationships = append(delta.Relationships, key)

	case *TriggerEventArgs:
		entry := JournalEntry{
			Sequence: sequence,
			Kind:     JournalKindEvent,
			Category: a.EventType,
			Content:  a.Description,
		}
		s.Journal = append(s.Journal, entry)
		delta.Journal = append(delta.Journal, entry)
	}
	return delta, nil
}

// Clone возвращает независимую копию проекции.
func (s *WorldState) Clone() *WorldState {
	c := &WorldState{
		WorldID:       s.WorldID,
		Name:          s.Name,
		Sequence:      s.Sequence,
		Entities:      make(map[EntityID]*Entity, len(s.Entities)),
		Relationships: make(map[RelationshipKey]Relationship, len(s.Relationships)),
		Journal:       append([]JournalEntry(nil), s.Journal...),
		Choices:       append([]string(nil), s.Choices...),
	}
	for id, e := range s.Entities {
		c.Entities[id] = e.Clone()
	}
	for k, r := range s.Relationships {
		c.Relationships[k] = r
	}
	return c
}

// Equal сравнивает две проекции по содержимому (nil и пустые коллекции равны).
func (s *WorldState) Equal(o *WorldState) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.WorldID != o.WorldID || s.Name != o.Name || s.Sequence != o.Sequence {
		return false
	}
	if len(s.Entities) != len(o.Entities) || len(s.Relationships) != len(o.Relationships) {
		return false
	}
	for id, e := range s.Entities {
		other, ok := o.Entities[id]
		if !ok || e.Kind != other.Kind || e.Name != other.Name || len(e.Attributes) != len(other.Attributes) {
			return false
		}
		for k, v := range e.Attributes {
			if ov, ok := other.Attributes[k]; !ok || ov != v {
				return false
			}
		}
	}
	for k, r := range s.Relationships {
		if or, ok := o.Relationships[k]; !ok || or != r {
			return false
		}
	}
	if len(s.Journal) != len(o.Journal) || len(s.Choices) != len(o.Choices) {
		return false
	}
	for i := range s.Journal {
		if s.Journal[i] != o.Journal[i] {
			return false
		}
	}
	for i := range s.Choices {
		if s.Choices[i] != o.Choices[i] {
			return false
		}
	}
	return true
}

// Subset возвращает частичную проекцию: заголовок, указанные сущности
// и ребра отношений между ними.
func (s *WorldState) Subset(ids []EntityID) *WorldState {
	sub := NewWorldState(s.WorldID)
	sub.Name = s.Name
	sub.Sequence = s.Sequence
	sub.Choices = append([]string(nil), s.Choices...)
	for _, id := range ids {
		if e, ok := s.Entities[id]; ok {
			sub.Entities[id] = e.Clone()
		}
	}
	for k, r := range s.Relationships {
		_, fromOK := sub.Entities[k.From]
		_, toOK := sub.Entities[k.To]
		if fromOK && toOK {
			sub.Relationships[k] = r
		}
	}
	return sub
}

// SortedEntities возвращает сущности в порядке идентификаторов.
func (s *WorldState) SortedEntities() []*Entity {
	out := make([]*Entity, 0, len(s.Entities))
	for _, e := range s.Entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedRelationships возвращает ребра в стабильном порядке.
func (s *WorldState) SortedRelationships() []Relationship {
	out := make([]Relationship, 0, len(s.Relationships))
	for _, r := range s.Relationships {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// ActiveScene возвращает текущую сцену, если она отмечена атрибутом active.
func (s *WorldState) ActiveScene() *Entity {
	for _, e := range s.SortedEntities() {
		if e.Kind == EntityKindScene && e.Attributes[AttrActive] == "true" {
			return e
		}
	}
	return nil
}

type worldStateJSON struct {
	WorldID       WorldID        `json:"world_id"`
	Name          string         `json:"name"`
	Sequence      int64          `json:"sequence"`
	Entities      []*Entity      `json:"entities"`
	Relationships []Relationship `json:"relationships"`
	Journal       []JournalEntry `json:"journal"`
	Choices       []string       `json:"choices"`
}

// MarshalJSON сериализует проекцию со списками вместо map со структурными ключами.
func (s *WorldState) MarshalJSON() ([]byte, error) {
	return json.Marshal(worldStateJSON{
		WorldID:       s.WorldID,
		Name:          s.Name,
		Sequence:      s.Sequence,
		Entities:      s.SortedEntities(),
		Relationships: s.SortedRelationships(),
		Journal:       s.Journal,
		Choices:       s.Choices,
	})
}

func (s *WorldState) UnmarshalJSON(b []byte) error {
	var w worldStateJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = *NewWorldState(w.WorldID)
	s.Name = w.Name
	s.Sequence = w.Sequence
	s.Journal = w.Journal
	s.Choices = w.Choices
	for _, e := range w.Entities {
		if e.Attributes == nil {
			e.Attributes = make(map[string]string)
		}
		s.Entities[e.ID] = e
	}
	for _, r := range w.Relationships {
		s.Relationships[r.Key()] = r
	}
	return nil
}
