package party

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcast event names pushed to connected clients.
const (
	BroadcastUserJoined  = "user_joined"
	BroadcastUserLeft    = "user_left"
	BroadcastChatMessage = "chat_message"
	BroadcastLikeAdded   = "like_added"
	BroadcastPlayerState = "player_state"
)

// DefaultChatHistoryLimit caps the in-memory chat history when no limit is configured.
const DefaultChatHistoryLimit = 50

// Broadcaster is the transport capability the engine needs: fire-and-forget
// room broadcast plus a readiness signal polled during startup recovery.
type Broadcaster interface {
	Broadcast(partyID uuid.UUID, event string, payload interface{})
	Ready() bool
}

// Store is the persistence gateway consumed by Flush. BulkInsertEvents must
// tolerate being called again with an overlapping prefix (events carry stable
// ids); UpdateCounters is a last-write-wins overwrite.
type Store interface {
	BulkInsertEvents(ctx context.Context, partyID uuid.UUID, events []Event) error
	UpdateCounters(ctx context.Context, partyID uuid.UUID, likes map[uuid.UUID]int, likeTotal, participantCount int) error
}

// Meta is the immutable identity of a party session, set once at creation.
type Meta struct {
	ID        uuid.UUID
	MovieID   uuid.UUID
	HostID    uuid.UUID
	Title     string
	StreamURL string
	StartTime time.Time
	EndTime   time.Time
}

// Participant is one admitted user in a party.
type Participant struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
}

// ChatMessage is one entry in the bounded recent-chat history.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
	PartyTime float64   `json:"party_time"`
}

// PlayerUpdate is a partial player state change. Nil fields are left untouched.
type PlayerUpdate struct {
	IsLive      *bool    `json:"is_live,omitempty"`
	IsPlaying   *bool    `json:"is_playing,omitempty"`
	CurrentTime *float64 `json:"current_time,omitempty"`
}

// PlayerView is the externally visible player state.
type PlayerView struct {
	IsLive      bool      `json:"is_live"`
	IsPlaying   bool      `json:"is_playing"`
	CurrentTime float64   `json:"current_time"`
	LastUpdated time.Time `json:"last_updated"`
}

// Snapshot is the read model handed to late joiners and live-info queries.
type Snapshot struct {
	PartyID      uuid.UUID      `json:"party_id"`
	StreamURL    string         `json:"stream_url"`
	Player       PlayerView     `json:"player"`
	Participants []Participant  `json:"participants"`
	Chat         []ChatMessage  `json:"chat"`
	Likes        map[string]int `json:"likes"`
	LikeTotal    int            `json:"like_total"`
}

// LeaveResult tells the caller what to do after a leave: close the room when
// the host left, or just update the roster.
type LeaveResult struct {
	WasPresent bool
	IsHost     bool
	Remaining  int
}

// InitialState seeds a session rebuilt from durable history during recovery.
type InitialState struct {
	Chat      []ChatMessage
	Likes     map[uuid.UUID]int
	LikeTotal int
}

// Session is the single in-memory authority for one watch party. All
// mutations are serialized by the session mutex and never perform I/O;
// durability is confined to Flush.
type Session struct {
	meta        Meta
	chatLimit   int
	broadcaster Broadcaster
	store       Store
	logger      *zap.Logger

	mu            sync.Mutex
	isLive        bool
	isPlaying     bool
	currentTime   float64   // authoritative only while paused
	playbackStart time.Time // wall clock of the last play transition
	lastUpdated   time.Time
	participants  map[uuid.UUID]Participant
	chat          []ChatMessage
	likes         map[uuid.UUID]int
	likeTotal     int
	buffer        []Event

	flushing atomic.Bool
}

// NewSession creates a session for one party. initial may be nil; it seeds
// chat and like state when rebuilding after a restart.
func NewSession(meta Meta, chatLimit int, broadcaster Broadcaster, store Store, logger *zap.Logger, initial *InitialState) *Session {
	if chatLimit <= 0 {
		chatLimit = DefaultChatHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		meta:         meta,
		chatLimit:    chatLimit,
		broadcaster:  broadcaster,
		store:        store,
		logger:       logger,
		participants: make(map[uuid.UUID]Participant),
		likes:        make(map[uuid.UUID]int),
		lastUpdated:  time.Now(),
	}
	if initial != nil {
		if len(initial.Chat) > chatLimit {
			initial.Chat = initial.Chat[len(initial.Chat)-chatLimit:]
		}
		s.chat = append(s.chat, initial.Chat...)
		for id, n := range initial.Likes {
			s.likes[id] = n
		}
		s.likeTotal = initial.LikeTotal
	}
	return s
}

// Meta returns the immutable session metadata.
func (s *Session) Meta() Meta { return s.meta }

// Join registers a participant. Joining twice is a no-op; the first join
// buffers a join event and broadcasts the updated roster size.
func (s *Session) Join(user Participant) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[user.ID]; ok {
		return false
	}
	s.participants[user.ID] = user
	count := len(s.participants)
	payload := JoinPayload{DisplayName: user.DisplayName, ParticipantCount: count}
	s.buffer = append(s.buffer, newJoinEvent(user.ID, payload, now, s.elapsedLocked(now)))

	s.broadcast(BroadcastUserJoined, map[string]interface{}{
		"user_id":           user.ID,
		"display_name":      user.DisplayName,
		"participant_count": count,
	})
	return true
}

// Leave removes a participant. The result tells the caller whether the
// departing user hosted the party so it can close the room.
func (s *Session) Leave(userID uuid.UUID) LeaveResult {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.participants[userID]
	if !ok {
		return LeaveResult{}
	}
	delete(s.participants, userID)
	count := len(s.participants)
	payload := LeavePayload{DisplayName: user.DisplayName, ParticipantCount: count}
	s.buffer = append(s.buffer, newLeaveEvent(userID, payload, now, s.elapsedLocked(now)))

	s.broadcast(BroadcastUserLeft, map[string]interface{}{
		"user_id":           userID,
		"display_name":      user.DisplayName,
		"participant_count": count,
	})
	return LeaveResult{WasPresent: true, IsHost: userID == s.meta.HostID, Remaining: count}
}

// PostChatMessage appends to the bounded chat history, evicting the oldest
// message at capacity, and returns the stored message.
func (s *Session) PostChatMessage(user Participant, text string) ChatMessage {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := ChatMessage{
		ID:        uuid.New(),
		UserID:    user.ID,
		Author:    user.DisplayName,
		Text:      text,
		At:        now,
		PartyTime: s.elapsedLocked(now),
	}
	s.chat = append(s.chat, msg)
	if len(s.chat) > s.chatLimit {
		s.chat = append(s.chat[:0:0], s.chat[len(s.chat)-s.chatLimit:]...)
	}
	payload := MessagePayload{MessageID: msg.ID, Author: msg.Author, Text: msg.Text}
	s.buffer = append(s.buffer, newMessageEvent(user.ID, payload, now, msg.PartyTime))

	s.broadcast(BroadcastChatMessage, msg)
	return msg
}

// AddLike increments the caller's like counter and the running total together,
// keeping total == sum of per-user counts.
func (s *Session) AddLike(userID uuid.UUID) (userCount, total int) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.likes[userID]++
	s.likeTotal++
	userCount, total = s.likes[userID], s.likeTotal
	payload := LikePayload{UserCount: userCount, Total: total}
	s.buffer = append(s.buffer, newLikeEvent(userID, payload, now, s.elapsedLocked(now)))

	s.broadcast(BroadcastLikeAdded, map[string]interface{}{
		"user_id":    userID,
		"user_count": userCount,
		"total":      total,
	})
	return userCount, total
}

// SetPlayerState merges a partial update into the player state. A transition
// to playing records the playback start; a transition to paused freezes
// currentTime (falling back to the derived elapsed value when the update
// omits it); any other change is classified as a seek. Exactly one event is
// buffered per call. The timer-driven auto start and live client actions both
// go through here, so the session mutex serializes them. by is nil for
// scheduler-triggered updates.
func (s *Session) SetPlayerState(by *uuid.UUID, update PlayerUpdate) EventType {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.IsLive != nil {
		s.isLive = *update.IsLive
	}

	eventType := EventSeek
	wasPlaying := s.isPlaying
	switch {
	case update.IsPlaying != nil && *update.IsPlaying && !wasPlaying:
		eventType = EventPlay
		s.isPlaying = true
		s.playbackStart = now
		if update.CurrentTime != nil {
			s.currentTime = *update.CurrentTime
		}
	case update.IsPlaying != nil && !*update.IsPlaying && wasPlaying:
		eventType = EventPause
		s.isPlaying = false
		if update.CurrentTime != nil {
			s.currentTime = *update.CurrentTime
		} else {
			s.currentTime = now.Sub(s.playbackStart).Seconds()
		}
		s.playbackStart = time.Time{}
	default:
		if update.CurrentTime != nil {
			if s.isPlaying {
				s.playbackStart = now.Add(-time.Duration(*update.CurrentTime * float64(time.Second)))
			}
			s.currentTime = *update.CurrentTime
		}
	}
	s.lastUpdated = now

	view := s.playerViewLocked()
	payload := PlayerPayload{IsLive: view.IsLive, IsPlaying: view.IsPlaying, CurrentTime: s.elapsedLocked(now)}
	s.buffer = append(s.buffer, newPlayerEvent(eventType, by, payload, now, payload.CurrentTime))

	s.broadcast(BroadcastPlayerState, view)
	return eventType
}

// CurrentElapsedTime returns the authoritative playback position in seconds:
// derived from the wall clock while playing, the frozen currentTime while
// paused. It never mutates state.
func (s *Session) CurrentElapsedTime() float64 {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked(now)
}

// Snapshot returns an independent copy of the live view for late joiners.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, p)
	}
	chat := make([]ChatMessage, len(s.chat))
	copy(chat, s.chat)
	likes := make(map[string]int, len(s.likes))
	for id, n := range s.likes {
		likes[id.String()] = n
	}
	return Snapshot{
		PartyID:      s.meta.ID,
		StreamURL:    s.meta.StreamURL,
		Player:       s.playerViewLocked(),
		Participants: participants,
		Chat:         chat,
		Likes:        likes,
		LikeTotal:    s.likeTotal,
	}
}

// IsPlaying reports whether the playback clock is running.
func (s *Session) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPlaying
}

// ParticipantCount returns the current roster size.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// Dirty reports whether unflushed events are buffered.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer) > 0
}

// Flush durably records the buffered events and refreshed counters. Only one
// flush runs at a time per session; a concurrent attempt is skipped and the
// next sweep catches it. On failure the buffer is left intact so the same
// prefix is retried; on success only the flushed prefix is removed, so events
// appended during the flush survive for the next one.
func (s *Session) Flush(ctx context.Context) error {
	if !s.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer s.flushing.Store(false)

	s.mu.Lock()
	n := len(s.buffer)
	if n == 0 {
		s.mu.Unlock()
		return nil
	}
	events := make([]Event, n)
	copy(events, s.buffer)
	likes := make(map[uuid.UUID]int, len(s.likes))
	for id, c := range s.likes {
		likes[id] = c
	}
	likeTotal := s.likeTotal
	participantCount := len(s.participants)
	s.mu.Unlock()

	if err := s.store.BulkInsertEvents(ctx, s.meta.ID, events); err != nil {
		return err
	}
	if err := s.store.UpdateCounters(ctx, s.meta.ID, likes, likeTotal, participantCount); err != nil {
		return err
	}

	s.mu.Lock()
	s.buffer = append(s.buffer[:0:0], s.buffer[n:]...)
	remaining := len(s.buffer)
	s.mu.Unlock()

	s.logger.Debug("party flushed",
		zap.String("party_id", s.meta.ID.String()),
		zap.Int("events", n),
		zap.Int("remaining", remaining),
	)
	return nil
}

// Cleanup clears all in-memory collections. Call only after a final flush
// attempt while closing the session.
func (s *Session) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants = make(map[uuid.UUID]Participant)
	s.chat = nil
	s.likes = make(map[uuid.UUID]int)
	s.likeTotal = 0
	s.buffer = nil
}

func (s *Session) elapsedLocked(now time.Time) float64 {
	if s.isPlaying && !s.playbackStart.IsZero() {
		return now.Sub(s.playbackStart).Seconds()
	}
	return s.currentTime
}

func (s *Session) playerViewLocked() PlayerView {
	return PlayerView{
		IsLive:      s.isLive,
		IsPlaying:   s.isPlaying,
		CurrentTime: s.elapsedLocked(time.Now()),
		LastUpdated: s.lastUpdated,
	}
}

// broadcast notifies the room strictly before the corresponding durable
// write; the hub send is non-blocking so holding the session mutex is safe.
func (s *Session) broadcast(event string, payload interface{}) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(s.meta.ID, event, payload)
}
