package parties

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vkq2808/movie-website-backend-sub001/internal/models"
	"github.com/vkq2808/movie-website-backend-sub001/internal/party"
)

// Repository handles watch party persistence: party rows, the append-only
// event log and the aggregate counters. It implements the engine's Store,
// RecoveryStore and StatusStore contracts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a watch party repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new watch party row with status upcoming.
func (r *Repository) Create(ctx context.Context, p *models.WatchParty) error {
	const q = `INSERT INTO watch_parties (id, movie_id, host_id, title, stream_url, start_time, end_time, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, 'upcoming')
		RETURNING id, status, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, p.MovieID, p.HostID, p.Title, p.StreamURL, p.StartTime, p.EndTime).
		Scan(&p.ID, &p.Status, &p.CreatedAt, &p.UpdatedAt)
}

// GetByID returns a watch party by ID, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.WatchParty, error) {
	const q = `SELECT id, movie_id, host_id, title, stream_url, start_time, end_time, status, created_at, updated_at
		FROM watch_parties WHERE id = $1`
	var p models.WatchParty
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.MovieID, &p.HostID, &p.Title, &p.StreamURL, &p.StartTime, &p.EndTime, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// List returns all watch parties, newest schedule first.
func (r *Repository) List(ctx context.Context) ([]models.WatchParty, error) {
	const q = `SELECT id, movie_id, host_id, title, stream_url, start_time, end_time, status, created_at, updated_at
		FROM watch_parties ORDER BY start_time DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.WatchParty
	for rows.Next() {
		var p models.WatchParty
		if err := rows.Scan(&p.ID, &p.MovieID, &p.HostID, &p.Title, &p.StreamURL, &p.StartTime, &p.EndTime, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// Delete removes a watch party and, via cascade, its events and counters.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM watch_parties WHERE id = $1`, id)
	return err
}

// MarkOngoing advances every upcoming party whose start time has passed.
func (r *Repository) MarkOngoing(ctx context.Context) (int64, error) {
	const q = `UPDATE watch_parties SET status = 'ongoing', updated_at = NOW()
		WHERE status = 'upcoming' AND start_time <= NOW()`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkFinished advances every ongoing party whose end time has passed.
func (r *Repository) MarkFinished(ctx context.Context) (int64, error) {
	const q = `UPDATE watch_parties SET status = 'finished', updated_at = NOW()
		WHERE status = 'ongoing' AND end_time <= NOW()`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// BulkInsertEvents appends buffered events in order. Events keep the id they
// were buffered with, so retrying the same prefix after a failed flush
// inserts nothing new.
func (r *Repository) BulkInsertEvents(ctx context.Context, partyID uuid.UUID, events []party.Event) error {
	if len(events) == 0 {
		return nil
	}
	const q = `INSERT INTO party_events (id, party_id, user_id, event_type, content, created_at, party_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(q, e.ID, partyID, e.UserID, string(e.Type), e.Content, e.At, e.PartyTime)
	}
	br := r.pool.SendBatch(ctx, batch)
	for range events {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

// UpdateCounters overwrites the aggregate counters for a party.
func (r *Repository) UpdateCounters(ctx context.Context, partyID uuid.UUID, likes map[uuid.UUID]int, likeTotal, participantCount int) error {
	byUser := make(map[string]int, len(likes))
	for id, n := range likes {
		byUser[id.String()] = n
	}
	likesJSON, err := json.Marshal(byUser)
	if err != nil {
		return err
	}
	const q = `INSERT INTO party_counters (party_id, like_total, likes, participant_count, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (party_id) DO UPDATE SET
			like_total = EXCLUDED.like_total,
			likes = EXCLUDED.likes,
			participant_count = EXCLUDED.participant_count,
			updated_at = NOW()`
	_, err = r.pool.Exec(ctx, q, partyID, likeTotal, likesJSON, participantCount)
	return err
}

// FindActiveParties returns every upcoming or ongoing party whose end time
// has not passed, with stored chat and like history for session rebuild.
func (r *Repository) FindActiveParties(ctx context.Context) ([]party.RecoveredParty, error) {
	const q = `SELECT id, movie_id, host_id, title, stream_url, start_time, end_time, status
		FROM watch_parties
		WHERE status IN ('upcoming', 'ongoing') AND end_time > NOW()
		ORDER BY start_time`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []party.RecoveredParty
	for rows.Next() {
		var p party.RecoveredParty
		if err := rows.Scan(&p.Meta.ID, &p.Meta.MovieID, &p.Meta.HostID, &p.Meta.Title, &p.Meta.StreamURL, &p.Meta.StartTime, &p.Meta.EndTime, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		chat, err := r.recentChat(ctx, out[i].Meta.ID, party.DefaultChatHistoryLimit)
		if err != nil {
			return nil, err
		}
		likes, total, err := r.likeCounters(ctx, out[i].Meta.ID)
		if err != nil {
			return nil, err
		}
		out[i].Initial = party.InitialState{Chat: chat, Likes: likes, LikeTotal: total}
	}
	return out, nil
}

// ListEventsByParty returns the durable event log for a party, oldest first.
func (r *Repository) ListEventsByParty(ctx context.Context, partyID uuid.UUID, limit int) ([]models.PartyEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	const q = `SELECT id, party_id, user_id, event_type, content, created_at, party_time
		FROM party_events WHERE party_id = $1 ORDER BY created_at LIMIT $2`
	rows, err := r.pool.Query(ctx, q, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.PartyEvent
	for rows.Next() {
		var e models.PartyEvent
		if err := rows.Scan(&e.ID, &e.PartyID, &e.UserID, &e.EventType, &e.Content, &e.CreatedAt, &e.PartyTime); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

// GetCounters returns the aggregate counters row for a party, or nil.
func (r *Repository) GetCounters(ctx context.Context, partyID uuid.UUID) (*models.PartyCounters, error) {
	const q = `SELECT party_id, like_total, likes, participant_count, updated_at
		FROM party_counters WHERE party_id = $1`
	var c models.PartyCounters
	err := r.pool.QueryRow(ctx, q, partyID).Scan(&c.PartyID, &c.LikeTotal, &c.Likes, &c.ParticipantCount, &c.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// recentChat rebuilds the bounded chat history from durable message events.
func (r *Repository) recentChat(ctx context.Context, partyID uuid.UUID, limit int) ([]party.ChatMessage, error) {
	const q = `SELECT user_id, content, created_at, party_time
		FROM party_events WHERE party_id = $1 AND event_type = 'message'
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var newestFirst []party.ChatMessage
	for rows.Next() {
		var (
			userID  *uuid.UUID
			content json.RawMessage
			at      time.Time
			ptime   float64
		)
		if err := rows.Scan(&userID, &content, &at, &ptime); err != nil {
			return nil, err
		}
		var payload party.MessagePayload
		if err := json.Unmarshal(content, &payload); err != nil {
			continue
		}
		msg := party.ChatMessage{ID: payload.MessageID, Author: payload.Author, Text: payload.Text, At: at, PartyTime: ptime}
		if userID != nil {
			msg.UserID = *userID
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chat := make([]party.ChatMessage, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		chat = append(chat, newestFirst[i])
	}
	return chat, nil
}

func (r *Repository) likeCounters(ctx context.Context, partyID uuid.UUID) (map[uuid.UUID]int, int, error) {
	c, err := r.GetCounters(ctx, partyID)
	if err != nil {
		return nil, 0, err
	}
	likes := make(map[uuid.UUID]int)
	if c == nil {
		return likes, 0, nil
	}
	if len(c.Likes) > 0 {
		var byUser map[string]int
		if err := json.Unmarshal(c.Likes, &byUser); err == nil {
			for id, n := range byUser {
				uid, err := uuid.Parse(id)
				if err != nil {
					continue
				}
				likes[uid] = n
			}
		}
	}
	return likes, c.LikeTotal, nil
}
