package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Session struct {
	ID        uuid.UUID `json:"id"`
	Interface string    `json:"interface"`
	Channel   string    `json:"channel"`
	StartedAt time.Time `json:"started_at"`
}

// FrameRecord is one journaled CAN frame.
type FrameRecord struct {
	ID            int64           `json:"id"`
	SessionID     uuid.UUID       `json:"session_id"`
	ObservedAt    time.Time       `json:"observed_at"`
	ArbitrationID uint32          `json:"arbitration_id"`
	Kind          uint8           `json:"kind"`
	NodeID        uint8           `json:"node_id"`
	Len           uint8           `json:"dlc"`
	Data          []byte          `json:"data"`
	Decoded       json.RawMessage `json:"decoded,omitempty"` // JSONB
	Error         string          `json:"decode_error,omitempty"`
}
