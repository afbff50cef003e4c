package party

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vkq2808/movie-website-backend-sub001/internal/models"
)

var (
	// ErrTransportNotReady is returned by Create when the broadcast layer
	// cannot deliver events yet; a session with no way to notify its room
	// is useless.
	ErrTransportNotReady = errors.New("transport not ready")
	// ErrPartyNotFound is returned when acting on an unknown party id.
	ErrPartyNotFound = errors.New("party not found")
)

// RecoveredParty is one still-active party loaded from durable storage at
// startup, with enough history to rebuild the in-memory session.
type RecoveredParty struct {
	Meta    Meta
	Status  models.PartyStatus
	Initial InitialState
}

// RecoveryStore loads still-active parties at process start.
type RecoveryStore interface {
	FindActiveParties(ctx context.Context) ([]RecoveredParty, error)
}

// Config holds the registry tuning knobs.
type Config struct {
	ChatHistoryLimit  int
	FlushInterval     time.Duration
	ShutdownTimeout   time.Duration
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.ChatHistoryLimit <= 0 {
		c.ChatHistoryLimit = DefaultChatHistoryLimit
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 250 * time.Millisecond
	}
}

// Registry creates, indexes and destroys Sessions. It is the only owner of
// the party id -> session mapping and of the auto-start timers.
type Registry struct {
	cfg         Config
	store       Store
	recovery    RecoveryStore
	broadcaster Broadcaster
	logger      *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	timers   map[uuid.UUID]*time.Timer
}

// NewRegistry creates a session registry. The broadcaster is injected at
// construction so the registry is never usable without a transport.
func NewRegistry(cfg Config, store Store, recovery RecoveryStore, broadcaster Broadcaster, logger *zap.Logger) *Registry {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:         cfg,
		store:       store,
		recovery:    recovery,
		broadcaster: broadcaster,
		logger:      logger,
		sessions:    make(map[uuid.UUID]*Session),
		timers:      make(map[uuid.UUID]*time.Timer),
	}
}

// Create instantiates the live session for a party, arming a one-shot
// auto-start timer when the scheduled start is still in the future and
// flipping straight to playing when the window has already begun. Calling
// Create for an existing id returns the existing session unchanged.
func (r *Registry) Create(meta Meta, initial *InitialState) (*Session, error) {
	if !r.broadcaster.Ready() {
		return nil, ErrTransportNotReady
	}

	r.mu.Lock()
	if existing, ok := r.sessions[meta.ID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	s := NewSession(meta, r.cfg.ChatHistoryLimit, r.broadcaster, r.store, r.logger, initial)
	r.sessions[meta.ID] = s

	now := time.Now()
	startNow := false
	if meta.StartTime.After(now) {
		id := meta.ID
		r.timers[id] = time.AfterFunc(meta.StartTime.Sub(now), func() { r.autoStart(id) })
	} else if meta.EndTime.After(now) {
		startNow = true
	}
	r.mu.Unlock()

	if startNow {
		r.autoStart(meta.ID)
	}
	r.logger.Info("party session created",
		zap.String("party_id", meta.ID.String()),
		zap.Time("start_time", meta.StartTime),
		zap.Bool("started_immediately", startNow),
	)
	return s, nil
}

// Get looks up the live session for a party id.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close flushes the session once, clears it and removes it from the index.
// Cleanup proceeds even when the final flush fails, to avoid leaking memory;
// the failure is logged as a durability loss.
func (r *Registry) Close(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	if t, hasTimer := r.timers[id]; hasTimer {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrPartyNotFound
	}

	if err := s.Flush(ctx); err != nil {
		r.logger.Error("final flush failed, buffered events lost",
			zap.String("party_id", id.String()), zap.Error(err))
	}
	s.Cleanup()
	r.logger.Info("party session closed", zap.String("party_id", id.String()))
	return nil
}

// RecoverOnStartup rebuilds in-memory sessions for every party the durable
// store still considers active. The store, not the in-memory index, is the
// source of truth for which sessions exist across restarts. Stale rows whose
// end time already passed are skipped and logged.
func (r *Registry) RecoverOnStartup(ctx context.Context) error {
	if err := r.waitTransportReady(ctx); err != nil {
		return err
	}

	parties, err := r.recovery.FindActiveParties(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	recovered := 0
	for _, p := range parties {
		if !p.Meta.EndTime.After(now) {
			r.logger.Warn("skipping stale party during recovery",
				zap.String("party_id", p.Meta.ID.String()),
				zap.Time("end_time", p.Meta.EndTime),
			)
			continue
		}
		initial := p.Initial
		if _, err := r.Create(p.Meta, &initial); err != nil {
			r.logger.Error("party recovery failed",
				zap.String("party_id", p.Meta.ID.String()), zap.Error(err))
			continue
		}
		recovered++
	}
	r.logger.Info("party recovery complete", zap.Int("recovered", recovered), zap.Int("candidates", len(parties)))
	return nil
}

// Run executes the periodic flush sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce flushes every dirty session; clean sessions are skipped to avoid
// needless writes. Failures are logged and retried by the next sweep.
func (r *Registry) SweepOnce(ctx context.Context) {
	for _, s := range r.snapshot() {
		if !s.Dirty() {
			continue
		}
		if err := s.Flush(ctx); err != nil {
			r.logger.Warn("periodic flush failed, will retry",
				zap.String("party_id", s.Meta().ID.String()), zap.Error(err))
		}
	}
}

// ShutdownSweep flushes all sessions concurrently, racing the timeout. A
// stuck flush must not block process exit; flushes completing before the
// deadline still land, anything after is accepted bounded loss.
func (r *Registry) ShutdownSweep(timeout time.Duration) {
	if timeout <= 0 {
		timeout = r.cfg.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sessions := r.snapshot()
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Flush(ctx); err != nil {
				r.logger.Warn("shutdown flush failed",
					zap.String("party_id", s.Meta().ID.String()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("shutdown sweep complete", zap.Int("sessions", len(sessions)))
	case <-ctx.Done():
		r.logger.Warn("shutdown sweep timed out, unflushed events lost",
			zap.Int("sessions", len(sessions)), zap.Duration("timeout", timeout))
	}
}

// autoStart flips a session to playing at its scheduled instant. Routing
// through SetPlayerState keeps the timer callback serialized with live
// client actions.
func (r *Registry) autoStart(id uuid.UUID) {
	r.mu.Lock()
	delete(r.timers, id)
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok || s.IsPlaying() {
		return
	}
	live, playing, start := true, true, 0.0
	s.SetPlayerState(nil, PlayerUpdate{IsLive: &live, IsPlaying: &playing, CurrentTime: &start})
	r.logger.Info("party auto-started", zap.String("party_id", id.String()))
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) waitTransportReady(ctx context.Context) error {
	deadline := time.Now().Add(r.cfg.ReadyTimeout)
	for !r.broadcaster.Ready() {
		if time.Now().After(deadline) {
			return ErrTransportNotReady
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.ReadyPollInterval):
		}
	}
	return nil
}
