package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattdepillis/healthos/internal/domain"
	"github.com/mattdepillis/healthos/internal/observability"
)

// Fixed width so lexical order of the column matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Repository is a database/sql event store.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository wraps an open database. Callers own migrations and Close.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// RecordIfNew inserts the submission unless its id is already stored.
func (r *Repository) RecordIfNew(ctx context.Context, sub domain.Submission, eventType string) (domain.Outcome, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	receivedAt := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable(err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO ingest_events (id, user_id, source, schema_version, event_type, received_at, payload_json)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		sub.EventID,
		sub.UserID,
		string(sub.Source),
		sub.SchemaVersion,
		eventType,
		receivedAt.Format(timeLayout),
		string(payload),
	)
	if err != nil {
		_ = tx.Rollback()
		return 0, unavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return 0, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable(err)
	}

	if affected == 0 {
		return domain.OutcomeAlreadyRecorded, nil
	}
	observability.RecordEventPersisted(receivedAt)
	return domain.OutcomeRecorded, nil
}

const selectColumns = `SELECT id, user_id, source, schema_version, event_type, received_at, payload_json FROM ingest_events`

// Get returns the stored event or nil when none exists.
func (r *Repository) Get(ctx context.Context, eventID string) (*domain.StoredEvent, error) {
	ev, err := scanEvent(r.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return &ev, nil
}

// ListByUser returns a user's events ordered by received_at, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.StoredEvent, *domain.Cursor, error) {
	query := selectColumns + ` WHERE user_id = ?`
	args := []any{userID}
	if cursor != nil {
		ts := cursor.ReceivedAt.UTC().Format(timeLayout)
		query += ` AND (received_at < ? OR (received_at = ? AND id < ?))`
		args = append(args, ts, ts, cursor.ID)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, unavailable(err)
	}
	defer rows.Close()

	results := make([]domain.StoredEvent, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, nil, unavailable(err)
		}
		results = append(results, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, unavailable(err)
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{ReceivedAt: last.ReceivedAt, ID: last.ID}
	}
	return results, next, nil
}

// Ping checks the database handle.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (domain.StoredEvent, error) {
	var (
		ev         domain.StoredEvent
		source     string
		receivedAt string
		payload    string
	)
	if err := row.Scan(&ev.ID, &ev.UserID, &source, &ev.SchemaVersion, &ev.EventType, &receivedAt, &payload); err != nil {
		return domain.StoredEvent{}, err
	}
	ts, err := time.Parse(timeLayout, receivedAt)
	if err != nil {
		return domain.StoredEvent{}, fmt.Errorf("parse received_at %q: %w", receivedAt, err)
	}
	ev.Source = domain.Source(source)
	ev.ReceivedAt = ts.UTC()
	ev.Payload = []byte(payload)
	return ev, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
