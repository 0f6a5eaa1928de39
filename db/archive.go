package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/live-tender/event"
	"github.com/onnwee/live-tender/gift"
	"github.com/onnwee/live-tender/telemetry"
)

// Recording states stored in the recordings table.
const (
	RecordingActive  = "recording"
	RecordingSaved   = "saved"
	RecordingFailed  = "failed"
	RecordingStopped = "stopped"
)

// Archive persists chat-family events, accepted gift updates and recording
// outcomes. Other envelope kinds are ignored.
type Archive struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger *slog.Logger
}

// NewArchive returns an archive writing to dbx.
func NewArchive(dbx *sql.DB) *Archive {
	return &Archive{DB: dbx, Now: time.Now, Logger: slog.Default().With(slog.String("component", "db_archive"))}
}

// Publish implements the relay publisher contract.
func (a *Archive) Publish(ctx context.Context, env event.Envelope) error {
	var err error
	switch p := env.Payload.(type) {
	case event.ChatItem:
		err = a.insertChat(ctx, env, p)
	case *event.ChatItem:
		err = a.insertChat(ctx, env, *p)
	case gift.Update:
		err = a.insertGift(ctx, env, p)
	case *gift.Update:
		err = a.insertGift(ctx, env, *p)
	case event.RecordingStatus:
		err = a.upsertRecording(ctx, env, p)
	case *event.RecordingStatus:
		err = a.upsertRecording(ctx, env, *p)
	default:
		return nil
	}
	if err != nil {
		telemetry.IncPublishFailure("archive")
		return fmt.Errorf("archive %s: %w", env.Kind, err)
	}
	return nil
}

func occurred(env event.Envelope, now func() time.Time) time.Time {
	if !env.OccurredAt.IsZero() {
		return env.OccurredAt
	}
	if now == nil {
		return time.Now().UTC()
	}
	return now().UTC()
}

func (a *Archive) insertChat(ctx context.Context, env event.Envelope, c event.ChatItem) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = a.DB.ExecContext(ctx, `INSERT INTO live_events (client_id, kind, event_type, msg_id, user_id, display_name, body, occurred_at)
		VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8)`,
		env.ClientID, string(env.Kind), c.Type, c.MsgID, c.User.ID, c.User.DisplayName, body, occurred(env, a.Now))
	return err
}

func (a *Archive) insertGift(ctx context.Context, env event.Envelope, u gift.Update) error {
	_, err := a.DB.ExecContext(ctx, `INSERT INTO gift_ledger (client_id, sender_id, display_name, gift_id, group_id, msg_id, repeat_count, streak_delta, coin_delta, is_new_streak, occurred_at)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,$10,$11)`,
		env.ClientID, u.SenderID, u.Gift.Sender.DisplayName, u.GiftID, u.Gift.GroupID, u.Gift.MsgID,
		int64(u.RepeatCountAfter), int64(u.StreakDelta), int64(u.CoinDelta), u.IsNewStreak, occurred(env, a.Now))
	return err
}

// recordingState maps a status payload onto the stored state.
func recordingState(s event.RecordingStatus) string {
	switch {
	case s.IsRecording:
		return RecordingActive
	case s.Error != "":
		return RecordingFailed
	case s.Path != "":
		return RecordingSaved
	default:
		return RecordingStopped
	}
}

func (a *Archive) upsertRecording(ctx context.Context, env event.Envelope, s event.RecordingStatus) error {
	if s.JobID == "" {
		return nil
	}
	at := occurred(env, a.Now)
	_, err := a.DB.ExecContext(ctx, `INSERT INTO recordings (job_id, client_id, state, path, message, error, started_at, updated_at)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),$7,$7)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state,
			path = COALESCE(EXCLUDED.path, recordings.path),
			message = COALESCE(EXCLUDED.message, recordings.message),
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at`,
		s.JobID, env.ClientID, recordingState(s), s.Path, s.Message, s.Error, at)
	return err
}

// RecordingRow is one archived recording job.
type RecordingRow struct {
	JobID     string    `json:"jobId"`
	ClientID  string    `json:"clientId"`
	State     string    `json:"state"`
	Path      string    `json:"path,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Recordings lists the most recent recording jobs, newest first.
func (a *Archive) Recordings(ctx context.Context, limit int) ([]RecordingRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := a.DB.QueryContext(ctx, `SELECT job_id, COALESCE(client_id,''), state, COALESCE(path,''), COALESCE(error,''), started_at, updated_at
		FROM recordings ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecordingRow
	for rows.Next() {
		var r RecordingRow
		if err := rows.Scan(&r.JobID, &r.ClientID, &r.State, &r.Path, &r.Error, &r.StartedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SenderTotals sums billed coins per sender for one client, highest first.
func (a *Archive) SenderTotals(ctx context.Context, clientID string, limit int) ([]gift.RankingEntry, error) {
	if limit <= 0 {
		limit = gift.LeaderboardSize
	}
	rows, err := a.DB.QueryContext(ctx, `SELECT sender_id, COALESCE(MAX(display_name),''), SUM(coin_delta)
		FROM gift_ledger WHERE client_id = $1
		GROUP BY sender_id ORDER BY SUM(coin_delta) DESC, MIN(id) ASC LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []gift.RankingEntry
	for rows.Next() {
		var e gift.RankingEntry
		var total int64
		if err := rows.Scan(&e.SenderID, &e.DisplayName, &total); err != nil {
			return nil, err
		}
		e.TotalCoins = uint64(total)
		out = append(out, e)
	}
	return out, rows.Err()
}
