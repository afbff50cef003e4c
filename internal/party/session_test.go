package party

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu           sync.Mutex
	events       []Event
	insertErr    error
	counterErr   error
	insertCalls  int
	likes        map[uuid.UUID]int
	likeTotal    int
	participants int
	block        chan struct{} // when set, BulkInsertEvents waits on it
	entered      chan struct{} // signalled when a blocked insert begins
}

func (f *fakeStore) BulkInsertEvents(ctx context.Context, partyID uuid.UUID, events []Event) error {
	f.mu.Lock()
	block := f.block
	entered := f.entered
	f.mu.Unlock()
	if block != nil {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertErr != nil {
		return f.insertErr
	}
	for _, e := range events {
		if !f.hasLocked(e.ID) {
			f.events = append(f.events, e)
		}
	}
	return nil
}

func (f *fakeStore) UpdateCounters(ctx context.Context, partyID uuid.UUID, likes map[uuid.UUID]int, likeTotal, participantCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counterErr != nil {
		return f.counterErr
	}
	f.likes = likes
	f.likeTotal = likeTotal
	f.participants = participantCount
	return nil
}

func (f *fakeStore) hasLocked(id uuid.UUID) bool {
	for _, e := range f.events {
		if e.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeStore) storedEvents() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	ready  bool
	events []string
}

func newFakeBroadcaster() *fakeBroadcaster { return &fakeBroadcaster{ready: true} }

func (f *fakeBroadcaster) Broadcast(partyID uuid.UUID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeBroadcaster) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeBroadcaster) setReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

func (f *fakeBroadcaster) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func testMeta() Meta {
	now := time.Now()
	return Meta{
		ID:        uuid.New(),
		MovieID:   uuid.New(),
		HostID:    uuid.New(),
		Title:     "movie night",
		StreamURL: "https://cdn.example.com/stream.m3u8",
		StartTime: now.Add(-time.Minute),
		EndTime:   now.Add(2 * time.Hour),
	}
}

func newTestSession(t *testing.T) (*Session, *fakeStore, *fakeBroadcaster) {
	t.Helper()
	store := &fakeStore{}
	b := newFakeBroadcaster()
	return NewSession(testMeta(), 5, b, store, nil, nil), store, b
}

func ptrBool(v bool) *bool       { return &v }
func ptrFloat(v float64) *float64 { return &v }

func TestJoinIsIdempotent(t *testing.T) {
	s, _, b := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}

	require.True(t, s.Join(user))
	require.False(t, s.Join(user))
	require.False(t, s.Join(user))

	assert.Equal(t, 1, s.ParticipantCount())
	assert.Equal(t, []string{BroadcastUserJoined}, b.sent())
}

func TestJoinLeaveConvergesToLastOperation(t *testing.T) {
	s, _, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}

	s.Join(user)
	s.Leave(user.ID)
	s.Join(user)
	assert.Equal(t, 1, s.ParticipantCount())

	s.Leave(user.ID)
	assert.Equal(t, 0, s.ParticipantCount())
}

func TestLeaveReportsHost(t *testing.T) {
	meta := testMeta()
	s := NewSession(meta, 5, newFakeBroadcaster(), &fakeStore{}, nil, nil)
	host := Participant{ID: meta.HostID, DisplayName: "host"}
	guest := Participant{ID: uuid.New(), DisplayName: "guest"}
	s.Join(host)
	s.Join(guest)

	res := s.Leave(guest.ID)
	require.True(t, res.WasPresent)
	assert.False(t, res.IsHost)
	assert.Equal(t, 1, res.Remaining)

	res = s.Leave(meta.HostID)
	require.True(t, res.WasPresent)
	assert.True(t, res.IsHost)
	assert.Equal(t, 0, res.Remaining)

	res = s.Leave(guest.ID)
	assert.False(t, res.WasPresent)
}

func TestLikeLedgerInvariant(t *testing.T) {
	s, _, _ := newTestSession(t)
	u1, u2 := uuid.New(), uuid.New()

	for i := 0; i < 3; i++ {
		s.AddLike(u1)
	}
	count, total := s.AddLike(u2)
	assert.Equal(t, 1, count)
	assert.Equal(t, 4, total)

	snap := s.Snapshot()
	sum := 0
	for _, n := range snap.Likes {
		sum += n
	}
	assert.Equal(t, snap.LikeTotal, sum)
	assert.Equal(t, 4, snap.LikeTotal)
}

func TestChatHistoryCapEvictsOldest(t *testing.T) {
	s, _, _ := newTestSession(t) // cap 5
	user := Participant{ID: uuid.New(), DisplayName: "ana"}

	for i := 0; i < 8; i++ {
		s.PostChatMessage(user, fmt.Sprintf("msg-%d", i))
	}

	snap := s.Snapshot()
	require.Len(t, snap.Chat, 5)
	for i, msg := range snap.Chat {
		assert.Equal(t, fmt.Sprintf("msg-%d", i+3), msg.Text)
	}
}

func TestElapsedTimeWhilePlayingAndPaused(t *testing.T) {
	s, _, _ := newTestSession(t)

	s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(true), CurrentTime: ptrFloat(0)})
	e1 := s.CurrentElapsedTime()
	time.Sleep(30 * time.Millisecond)
	e2 := s.CurrentElapsedTime()
	assert.GreaterOrEqual(t, e2, e1)
	assert.Greater(t, e2, 0.0)

	s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(false), CurrentTime: ptrFloat(42.5)})
	assert.Equal(t, 42.5, s.CurrentElapsedTime())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 42.5, s.CurrentElapsedTime())
}

func TestPauseWithoutCurrentTimeFreezesDerivedValue(t *testing.T) {
	s, _, _ := newTestSession(t)

	s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(true), CurrentTime: ptrFloat(0)})
	time.Sleep(30 * time.Millisecond)
	s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(false)})

	frozen := s.CurrentElapsedTime()
	assert.Greater(t, frozen, 0.0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, s.CurrentElapsedTime())
}

func TestPlayerEventClassification(t *testing.T) {
	s, _, _ := newTestSession(t)

	assert.Equal(t, EventPlay, s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(true), CurrentTime: ptrFloat(0)}))
	assert.Equal(t, EventSeek, s.SetPlayerState(nil, PlayerUpdate{CurrentTime: ptrFloat(120)}))
	assert.Equal(t, EventPause, s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(false), CurrentTime: ptrFloat(130)}))
	assert.Equal(t, EventSeek, s.SetPlayerState(nil, PlayerUpdate{CurrentTime: ptrFloat(10)}))
	assert.Equal(t, EventPlay, s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(true)}))
}

func TestSeekWhilePlayingAdjustsClock(t *testing.T) {
	s, _, _ := newTestSession(t)

	s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(true), CurrentTime: ptrFloat(0)})
	s.SetPlayerState(nil, PlayerUpdate{CurrentTime: ptrFloat(300)})

	elapsed := s.CurrentElapsedTime()
	assert.GreaterOrEqual(t, elapsed, 300.0)
	assert.Less(t, elapsed, 301.0)
}

func TestOneBufferedEventPerOperation(t *testing.T) {
	s, store, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}

	s.Join(user)
	s.PostChatMessage(user, "hi")
	s.AddLike(user.ID)
	s.SetPlayerState(nil, PlayerUpdate{IsPlaying: ptrBool(true), CurrentTime: ptrFloat(0)})
	s.Leave(user.ID)

	require.NoError(t, s.Flush(context.Background()))
	events := store.storedEvents()
	require.Len(t, events, 5)
	assert.Equal(t, EventJoin, events[0].Type)
	assert.Equal(t, EventMessage, events[1].Type)
	assert.Equal(t, EventLike, events[2].Type)
	assert.Equal(t, EventPlay, events[3].Type)
	assert.Equal(t, EventLeave, events[4].Type)
}

func TestFlushClearsBufferAndUpdatesCounters(t *testing.T) {
	s, store, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}

	s.Join(user)
	s.AddLike(user.ID)
	require.True(t, s.Dirty())

	require.NoError(t, s.Flush(context.Background()))
	assert.False(t, s.Dirty())
	assert.Equal(t, 1, store.likeTotal)
	assert.Equal(t, 1, store.participants)
	assert.Equal(t, 1, store.likes[user.ID])
}

func TestFlushFailureKeepsBufferForRetry(t *testing.T) {
	s, store, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}

	s.Join(user)
	s.PostChatMessage(user, "one")
	s.AddLike(user.ID)

	store.insertErr = errors.New("store unreachable")
	require.Error(t, s.Flush(context.Background()))
	assert.True(t, s.Dirty())
	assert.Empty(t, store.storedEvents())

	store.insertErr = nil
	require.NoError(t, s.Flush(context.Background()))
	assert.False(t, s.Dirty())
	assert.Len(t, store.storedEvents(), 3)
}

func TestDoubleFlushDoesNotDuplicate(t *testing.T) {
	s, store, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}

	s.Join(user)
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, store.storedEvents(), 1)
	assert.Equal(t, 1, store.insertCalls)
}

func TestConcurrentFlushIsSkipped(t *testing.T) {
	s, store, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}
	s.Join(user)

	block := make(chan struct{})
	store.block = block
	done := make(chan error, 1)
	go func() { done <- s.Flush(context.Background()) }()

	// Wait until the first flush is inside the store call.
	require.Eventually(t, func() bool { return s.flushing.Load() }, time.Second, time.Millisecond)

	require.NoError(t, s.Flush(context.Background())) // skipped, guard held
	store.mu.Lock()
	store.block = nil
	store.mu.Unlock()
	close(block)

	require.NoError(t, <-done)
	assert.Equal(t, 1, store.insertCalls)
}

func TestEventsAppendedDuringFlushSurvive(t *testing.T) {
	s, store, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}
	s.Join(user)

	block := make(chan struct{})
	store.block = block
	store.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- s.Flush(context.Background()) }()
	<-store.entered // prefix snapshotted, insert in flight

	s.AddLike(user.ID) // lands after the flushed prefix was snapshotted

	store.mu.Lock()
	store.block = nil
	store.mu.Unlock()
	close(block)
	require.NoError(t, <-done)

	assert.True(t, s.Dirty())
	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, store.storedEvents(), 2)
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s, _, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}
	s.Join(user)
	s.PostChatMessage(user, "hello")

	snap := s.Snapshot()
	snap.Chat[0].Text = "mutated"
	snap.Likes["x"] = 99

	fresh := s.Snapshot()
	assert.Equal(t, "hello", fresh.Chat[0].Text)
	assert.NotContains(t, fresh.Likes, "x")
	assert.Equal(t, s.Meta().StreamURL, fresh.StreamURL)
}

func TestRecoveredInitialStateSeedsSession(t *testing.T) {
	liker := uuid.New()
	initial := &InitialState{
		Chat:      []ChatMessage{{ID: uuid.New(), Author: "old", Text: "earlier", PartyTime: 10}},
		Likes:     map[uuid.UUID]int{liker: 7},
		LikeTotal: 7,
	}
	s := NewSession(testMeta(), 5, newFakeBroadcaster(), &fakeStore{}, nil, initial)

	snap := s.Snapshot()
	require.Len(t, snap.Chat, 1)
	assert.Equal(t, "earlier", snap.Chat[0].Text)
	assert.Equal(t, 7, snap.LikeTotal)
	assert.False(t, s.Dirty()) // recovered history is already durable
}

func TestCleanupClearsCollections(t *testing.T) {
	s, _, _ := newTestSession(t)
	user := Participant{ID: uuid.New(), DisplayName: "ana"}
	s.Join(user)
	s.PostChatMessage(user, "hello")
	s.AddLike(user.ID)

	require.NoError(t, s.Flush(context.Background()))
	s.Cleanup()

	snap := s.Snapshot()
	assert.Empty(t, snap.Participants)
	assert.Empty(t, snap.Chat)
	assert.Zero(t, snap.LikeTotal)
	assert.False(t, s.Dirty())
}
