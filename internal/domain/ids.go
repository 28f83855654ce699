package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// WorldID идентификатор мира. Сравнивается по значению.
type WorldID uuid.UUID

// NewWorldID генерирует новый идентификатор мира.
func NewWorldID() WorldID {
	return WorldID(uuid.New())
}

// ParseWorldID разбирает строковое представление идентификатора мира.
func ParseWorldID(s string) (WorldID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return WorldID{}, fmt.Errorf("%w: invalid world id %q", ErrInvalidInput, s)
	}
	return WorldID(id), nil
}

func (id WorldID) String() string {
	return uuid.UUID(id).String()
}

// UUID возвращает значение для драйверов БД.
func (id WorldID) UUID() uuid.UUID {
	return uuid.UUID(id)
}

// IsZero сообщает, что идентификатор не задан.
func (id WorldID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText позволяет использовать WorldID в JSON и как ключ map.
func (id WorldID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *WorldID) UnmarshalText(b []byte) error {
	parsed, err := ParseWorldID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// EntityID идентификатор сущности внутри мира (персонаж, сцена, предмет).
// Все виды сущностей мира делят одно пространство идентификаторов.
type EntityID string

// NewEntityID нормализует и проверяет идентификатор сущности.
func NewEntityID(s string) (EntityID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: entity id is empty", ErrInvalidInput)
	}
	if len(s) > 128 {
		return "", fmt.Errorf("%w: entity id %q is too long", ErrInvalidInput, s)
	}
	return EntityID(s), nil
}

func (id EntityID) String() string { return string(id) }

// ItemEntityID строит детерминированный идентификатор предмета по его названию.
func ItemEntityID(itemName string) EntityID {
	var b strings.Builder
	b.WriteString("item-")
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(itemName)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return EntityID(strings.TrimSuffix(b.String(), "-"))
}
