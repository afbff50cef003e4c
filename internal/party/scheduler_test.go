package party

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatusStore struct {
	mu            sync.Mutex
	ongoingCalls  int
	finishedCalls int
	ongoingN      int64
	finishedN     int64
	ongoingErr    error
	finishedErr   error
	order         []string
}

func (f *fakeStatusStore) MarkOngoing(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ongoingCalls++
	f.order = append(f.order, "ongoing")
	return f.ongoingN, f.ongoingErr
}

func (f *fakeStatusStore) MarkFinished(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishedCalls++
	f.order = append(f.order, "finished")
	return f.finishedN, f.finishedErr
}

func (f *fakeStatusStore) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ongoingCalls, f.finishedCalls
}

func TestTickAdvancesBothTransitions(t *testing.T) {
	store := &fakeStatusStore{ongoingN: 2, finishedN: 1}
	sc := NewStatusScheduler(store, time.Hour, nil)

	sc.Tick(context.Background())

	ongoing, finished := store.calls()
	assert.Equal(t, 1, ongoing)
	assert.Equal(t, 1, finished)
	assert.Equal(t, []string{"ongoing", "finished"}, store.order)
}

func TestTickContinuesAfterOngoingError(t *testing.T) {
	store := &fakeStatusStore{ongoingErr: errors.New("deadlock")}
	sc := NewStatusScheduler(store, time.Hour, nil)

	sc.Tick(context.Background())

	_, finished := store.calls()
	assert.Equal(t, 1, finished) // finish sweep still runs
}

func TestRunTicksUntilCancelled(t *testing.T) {
	store := &fakeStatusStore{}
	sc := NewStatusScheduler(store, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		ongoing, _ := store.calls()
		return ongoing >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
