// Package history persists supervisor lifecycle events so operators can see
// when a plugin was spawned, crashed, restarted or stopped.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

const (
	DefaultListLimit = 100
	maxListLimit     = 1000

	// Fixed-width so created_at sorts lexically.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// Entry is one persisted lifecycle row.
type Entry struct {
	ID         string    `json:"id"`
	Plugin     string    `json:"plugin"`
	InstanceID string    `json:"instance_id,omitempty"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	PID        int       `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append writes ev and returns the stored entry.
func (s *Store) Append(ctx context.Context, ev supervisor.LifecycleEvent) (Entry, error) {
	if ev.Plugin == "" {
		return Entry{}, fmt.Errorf("plugin name is empty")
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	e := Entry{
		ID:         uuid.NewString(),
		Plugin:     ev.Plugin,
		InstanceID: ev.InstanceID,
		Event:      string(ev.Kind),
		Status:     string(ev.Status),
		PID:        ev.PID,
		Detail:     ev.Detail,
		At:         at.UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO lifecycle_log(id, plugin, instance_id, event, status, pid, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Plugin, nullString(e.InstanceID), e.Event, e.Status, nullInt(e.PID), nullString(e.Detail), e.At.Format(timeLayout))
	if err != nil {
		return Entry{}, fmt.Errorf("insert lifecycle entry: %w", err)
	}
	return e, nil
}

// List returns up to limit entries, newest first. An empty plugin lists all plugins.
func (s *Store) List(ctx context.Context, plugin string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
SELECT id, plugin, instance_id, event, status, pid, detail, created_at
FROM lifecycle_log`
	args := []any{}
	if plugin != "" {
		query += ` WHERE plugin = ?`
		args = append(args, plugin)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lifecycle entries: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			instanceID sql.NullString
			pid        sql.NullInt64
			detail     sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.Plugin, &instanceID, &e.Event, &e.Status, &pid, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan lifecycle entry: %w", err)
		}
		e.InstanceID = instanceID.String
		e.PID = int(pid.Int64)
		e.Detail = detail.String
		e.At, err = time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for entry %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lifecycle entries: %w", err)
	}
	return out, nil
}

// Prune deletes entries older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lifecycle_log WHERE created_at < ?;`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune lifecycle entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune rows affected: %w", err)
	}
	return n, nil
}

// Recorder persists lifecycle events as a supervisor.Observer.
// Write failures are logged; they never affect supervision.
type Recorder struct {
	store   *Store
	timeout time.Duration
	logger  *slog.Logger
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{
		store:   store,
		timeout: 5 * time.Second,
		logger:  log.WithComponent("history"),
	}
}

func (r *Recorder) OnLifecycle(ev supervisor.LifecycleEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, err := r.store.Append(ctx, ev); err != nil {
		r.logger.Error("failed to record lifecycle event", "plugin", ev.Plugin, "event", ev.Kind, "error", err)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
