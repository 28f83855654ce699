package hub

import (
	"encoding/json"
	"time"

	"narrative-server/internal/domain"

	"github.com/google/uuid"
)

// Типы сообщений, которые получает подписчик.
const (
	EnvelopeEvent    = "event"
	EnvelopeSnapshot = "snapshot"
	EnvelopeNotice   = "notice"
)

// Виды уведомлений без номера.
const (
	NoticeTurnQueued     = "turn.queued"
	NoticeTurnProcessing = "turn.processing"
	NoticeTurnFailed     = "turn.failed"
)

// Envelope сообщение транспорта. Sequence заполнен только у событий журнала
// и у снимка (номер, на котором снят снимок).
type Envelope struct {
	Type      string          `json:"type"`
	WorldID   domain.WorldID  `json:"world_id"`
	Sequence  int64           `json:"sequence,omitempty"`
	Kind      string          `json:"kind,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notice уведомление о ходе, не попадающее в журнал.
type Notice struct {
	Kind       string    `json:"kind"`
	TurnID     uuid.UUID `json:"turn_id"`
	Actor      string    `json:"actor,omitempty"`
	Message    string    `json:"message,omitempty"`
	QueueDepth int       `json:"queue_depth,omitempty"`
}

func EventEnvelope(e domain.StoryEvent) Envelope {
	return Envelope{
		Type:      EnvelopeEvent,
		WorldID:   e.WorldID,
		Sequence:  e.Sequence,
		Kind:      string(e.Kind),
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}

func SnapshotEnvelope(state *domain.WorldState) (Envelope, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      EnvelopeSnapshot,
		WorldID:   state.WorldID,
		Sequence:  state.Sequence,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}, nil
}

func NoticeEnvelope(worldID domain.WorldID, n Notice) Envelope {
	payload, _ := json.Marshal(n)
	return Envelope{
		Type:      EnvelopeNotice,
		WorldID:   worldID,
		Kind:      n.Kind,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
