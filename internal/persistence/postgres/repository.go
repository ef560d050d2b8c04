// Package postgres implements the event store on Postgres with a transactional outbox.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mattdepillis/healthos/internal/domain"
	"github.com/mattdepillis/healthos/internal/events"
	"github.com/mattdepillis/healthos/internal/observability"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const uniqueViolation = "23505"

// Repository stores submissions in ingest_events and queues an outbox row for
// every newly recorded one.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// RecordIfNew inserts the submission unless its event id is already stored.
// The primary key decides concurrent inserts for the same id.
func (r *Repository) RecordIfNew(ctx context.Context, sub domain.Submission, eventType string) (domain.Outcome, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	receivedAt := r.now().UTC().Truncate(time.Microsecond)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, unavailable(err)
	}
	defer tx.Rollback(ctx)

	const insertEvent = `INSERT INTO ingest_events (id, user_id, source, schema_version, event_type, received_at, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (id) DO NOTHING`

	tag, err := tx.Exec(ctx, insertEvent,
		sub.EventID,
		sub.UserID,
		string(sub.Source),
		sub.SchemaVersion,
		eventType,
		receivedAt,
		payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.OutcomeAlreadyRecorded, nil
		}
		return 0, unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, unavailable(err)
		}
		return domain.OutcomeAlreadyRecorded, nil
	}

	if err := r.insertOutbox(ctx, tx, sub, events.IngestRecordedType, events.IngestRecorded{
		EventID:       sub.EventID,
		UserID:        sub.UserID,
		Source:        string(sub.Source),
		SchemaVersion: sub.SchemaVersion,
		EventType:     eventType,
		ReceivedAt:    receivedAt,
		WorkoutCount:  len(sub.Workouts),
		MetricCount:   len(sub.DailyMetrics),
	}); err != nil {
		return 0, unavailable(err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return domain.OutcomeAlreadyRecorded, nil
		}
		return 0, unavailable(err)
	}
	observability.RecordEventPersisted(receivedAt)
	return domain.OutcomeRecorded, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, sub domain.Submission, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := EventCatalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		"ingest_event",
		sub.EventID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		meta.PartitionKeyFn(sub),
		body,
		fmt.Sprintf("%s:%s", sub.EventID, eventType),
	)
	return err
}

const selectColumns = `SELECT id, user_id, source, schema_version, event_type, received_at, payload FROM ingest_events`

// Get returns the stored event or nil when none exists.
func (r *Repository) Get(ctx context.Context, eventID string) (*domain.StoredEvent, error) {
	row := r.pool.QueryRow(ctx, selectColumns+` WHERE id=$1`, eventID)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return &ev, nil
}

// ListByUser returns a user's events ordered by received_at, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.StoredEvent, *domain.Cursor, error) {
	args := []interface{}{userID, limit}
	query := selectColumns + ` WHERE user_id=$1`
	if cursor != nil {
		query += ` AND (received_at, id) < ($3, $4)`
		args = append(args, cursor.ReceivedAt, cursor.ID)
	}
	query += ` ORDER BY received_at DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
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

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func scanEvent(row pgx.Row) (domain.StoredEvent, error) {
	var ev domain.StoredEvent
	var source string
	if err := row.Scan(&ev.ID, &ev.UserID, &source, &ev.SchemaVersion, &ev.EventType, &ev.ReceivedAt, &ev.Payload); err != nil {
		return domain.StoredEvent{}, err
	}
	ev.Source = domain.Source(source)
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	return ev, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.Submission) string
}

// EventCatalog maps outbox event types to their Kafka routing.
var EventCatalog = map[string]EventMetadata{
	events.IngestRecordedType: {
		Topic:         "health_ingest_events",
		SchemaSubject: "health_ingest_events-value",
		PartitionKeyFn: func(s domain.Submission) string {
			return s.UserID
		},
	},
}
