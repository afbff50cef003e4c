package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PartyEvent is one durably recorded state-changing action inside a party.
// Rows are append-only; the id comes from the in-memory event so retried
// inserts after a failed flush are no-ops.
type PartyEvent struct {
	ID        uuid.UUID       `json:"id"`
	PartyID   uuid.UUID       `json:"party_id"`
	UserID    *uuid.UUID      `json:"user_id,omitempty"`
	EventType string          `json:"event_type"`
	Content   json.RawMessage `json:"content,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	PartyTime float64         `json:"party_time"`
}

// PartyCounters holds the aggregate counters for a party, overwritten
// last-write-wins on every flush.
type PartyCounters struct {
	PartyID          uuid.UUID       `json:"party_id"`
	LikeTotal        int             `json:"like_total"`
	Likes            json.RawMessage `json:"likes,omitempty"`
	ParticipantCount int             `json:"participant_count"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
