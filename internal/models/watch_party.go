package models

import (
	"time"

	"github.com/google/uuid"
)

// PartyStatus is the durable lifecycle status of a watch party.
// Transitions are monotonic: upcoming -> ongoing -> finished.
type PartyStatus string

const (
	PartyUpcoming PartyStatus = "upcoming"
	PartyOngoing  PartyStatus = "ongoing"
	PartyFinished PartyStatus = "finished"
)

// WatchParty represents a scheduled synchronized group-viewing session.
type WatchParty struct {
	ID        uuid.UUID   `json:"id"`
	MovieID   uuid.UUID   `json:"movie_id"`
	HostID    uuid.UUID   `json:"host_id"`
	Title     string      `json:"title"`
	StreamURL string      `json:"stream_url"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Status    PartyStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
