package party

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a buffered event.
type EventType string

const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventMessage EventType = "message"
	EventLike    EventType = "like"
	EventPlay    EventType = "play"
	EventPause   EventType = "pause"
	EventSeek    EventType = "seek"
)

// Event is one durability-pending record of a state-changing action.
// Content is produced only by the typed constructors below, so every
// event kind carries a known payload shape. The id is generated in
// memory and reused on retried inserts, keeping flush retries safe.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	UserID    *uuid.UUID      `json:"user_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	At        time.Time       `json:"at"`
	PartyTime float64         `json:"party_time"`
}

// JoinPayload is the content of a join event.
type JoinPayload struct {
	DisplayName      string `json:"display_name"`
	ParticipantCount int    `json:"participant_count"`
}

// LeavePayload is the content of a leave event.
type LeavePayload struct {
	DisplayName      string `json:"display_name"`
	ParticipantCount int    `json:"participant_count"`
}

// MessagePayload is the content of a chat message event.
type MessagePayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
}

// LikePayload is the content of a like event.
type LikePayload struct {
	UserCount int `json:"user_count"`
	Total     int `json:"total"`
}

// PlayerPayload is the content of play, pause and seek events.
type PlayerPayload struct {
	IsLive      bool    `json:"is_live"`
	IsPlaying   bool    `json:"is_playing"`
	CurrentTime float64 `json:"current_time"`
}

func newEvent(t EventType, userID *uuid.UUID, payload interface{}, at time.Time, partyTime float64) Event {
	var content json.RawMessage
	if payload != nil {
		content, _ = json.Marshal(payload)
	}
	return Event{
		ID:        uuid.New(),
		Type:      t,
		UserID:    userID,
		Content:   content,
		At:        at,
		PartyTime: partyTime,
	}
}

func newJoinEvent(userID uuid.UUID, p JoinPayload, at time.Time, partyTime float64) Event {
	return newEvent(EventJoin, &userID, p, at, partyTime)
}

func newLeaveEvent(userID uuid.UUID, p LeavePayload, at time.Time, partyTime float64) Event {
	return newEvent(EventLeave, &userID, p, at, partyTime)
}

func newMessageEvent(userID uuid.UUID, p MessagePayload, at time.Time, partyTime float64) Event {
	return newEvent(EventMessage, &userID, p, at, partyTime)
}

func newLikeEvent(userID uuid.UUID, p LikePayload, at time.Time, partyTime float64) Event {
	return newEvent(EventLike, &userID, p, at, partyTime)
}

func newPlayerEvent(t EventType, userID *uuid.UUID, p PlayerPayload, at time.Time, partyTime float64) Event {
	return newEvent(t, userID, p, at, partyTime)
}
