package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattdepillis/healthos/internal/domain"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "healthos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db)
}

func floatPtr(v float64) *float64 { return &v }

func newSubmission(id string) domain.Submission {
	return domain.Submission{
		SchemaVersion: 1,
		EventID:       id,
		UserID:        "matt",
		Source:        domain.SourceHealthKit,
		SentAt:        "2026-01-01T00:00:00Z",
		DeviceID:      "iphone",
		Workouts:      []domain.Workout{},
		DailyMetrics:  []domain.DailyMetric{},
	}
}

func TestRecordIfNewIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	repo.now = func() time.Time { return first }
	outcome, err := repo.RecordIfNew(ctx, newSubmission("e1"), "healthkit_bundle")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeRecorded, outcome)

	repo.now = func() time.Time { return first.Add(time.Hour) }
	dup := newSubmission("e1")
	dup.DeviceID = "ipad"
	outcome, err = repo.RecordIfNew(ctx, dup, "healthkit_bundle")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyRecorded, outcome)

	stored, err := repo.Get(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, first.Equal(stored.ReceivedAt))

	var payload domain.Submission
	require.NoError(t, json.Unmarshal(stored.Payload, &payload))
	assert.Equal(t, "iphone", payload.DeviceID)
}

func TestRecordIfNewConcurrentCallersStoreOneRow(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	const callers = 16
	outcomes := make([]domain.Outcome, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = repo.RecordIfNew(ctx, newSubmission("race"), "healthkit_bundle")
		}(i)
	}
	wg.Wait()

	recorded := 0
	for i := range outcomes {
		require.NoError(t, errs[i])
		if outcomes[i] == domain.OutcomeRecorded {
			recorded++
		}
	}
	assert.Equal(t, 1, recorded)

	var count int
	require.NoError(t, repo.db.QueryRow(`SELECT COUNT(*) FROM ingest_events WHERE id = ?`, "race").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecordIfNewRoundTripsPayload(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	sub := newSubmission("round-trip")
	sub.Workouts = []domain.Workout{
		{SourceWorkoutID: "w1", ActivityType: "run", StartedAt: "2026-01-01T06:00:00Z", DurationSec: floatPtr(1800)},
		{SourceWorkoutID: "w2", ActivityType: "walk", StartedAt: "2026-01-01T18:00:00Z"},
	}
	sub.DailyMetrics = []domain.DailyMetric{
		{Date: "2026-01-01", MetricType: domain.MetricSteps, Value: 10234, Unit: "count"},
		{Date: "2026-01-01", MetricType: domain.MetricSleepHours, Value: 7.5, Unit: "h"},
		{Date: "2026-01-01", MetricType: domain.MetricBodyWeightLbs, Value: 181.2, Unit: "lb"},
	}

	_, err := repo.RecordIfNew(ctx, sub, "healthkit_bundle")
	require.NoError(t, err)

	stored, err := repo.Get(ctx, "round-trip")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "matt", stored.UserID)
	assert.Equal(t, domain.SourceHealthKit, stored.Source)
	assert.Equal(t, 1, stored.SchemaVersion)
	assert.Equal(t, "healthkit_bundle", stored.EventType)

	var decoded domain.Submission
	require.NoError(t, json.Unmarshal(stored.Payload, &decoded))
	assert.Equal(t, sub, decoded)
	assert.Nil(t, decoded.Workouts[1].DurationSec)
}

func TestGetUnknownEventReturnsNil(t *testing.T) {
	repo := newTestRepository(t)
	stored, err := repo.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestStoredRowsRejectUpdates(t *testing.T) {
	repo := newTestRepository(t)
	_, err := repo.RecordIfNew(context.Background(), newSubmission("frozen"), "healthkit_bundle")
	require.NoError(t, err)

	_, err = repo.db.Exec(`UPDATE ingest_events SET user_id = 'someone' WHERE id = 'frozen'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
}

func TestListByUserPagesNewestFirst(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		repo.now = func() time.Time { return ts }
		_, err := repo.RecordIfNew(ctx, newSubmission(fmt.Sprintf("e%d", i)), "healthkit_bundle")
		require.NoError(t, err)
	}

	page, next, err := repo.ListByUser(ctx, "matt", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e4", page[0].ID)
	assert.Equal(t, "e3", page[1].ID)
	require.NotNil(t, next)

	page, next, err = repo.ListByUser(ctx, "matt", next, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e2", page[0].ID)

	page, next, err = repo.ListByUser(ctx, "matt", next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "e0", page[0].ID)
	assert.Nil(t, next)

	page, _, err = repo.ListByUser(ctx, "someone-else", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func setupMockRepository(t *testing.T) (sqlmock.Sqlmock, *Repository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return mock, NewRepository(db)
}

func TestRecordIfNewReportsStoreUnavailable(t *testing.T) {
	mock, repo := setupMockRepository(t)

	mock.ExpectBegin().WillReturnError(errors.New("disk I/O error"))

	_, err := repo.RecordIfNew(context.Background(), newSubmission("e1"), "healthkit_bundle")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIfNewRollsBackFailedInsert(t *testing.T) {
	mock, repo := setupMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingest_events`).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := repo.RecordIfNew(context.Background(), newSubmission("e1"), "healthkit_bundle")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIfNewTreatsZeroRowsAsAlreadyRecorded(t *testing.T) {
	mock, repo := setupMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO ingest_events`).
		WithArgs("e1", "matt", "healthkit", 1, "healthkit_bundle", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	outcome, err := repo.RecordIfNew(context.Background(), newSubmission("e1"), "healthkit_bundle")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyRecorded, outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPingReportsStoreUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectPing().WillReturnError(errors.New("closed"))
	err = NewRepository(db).Ping(context.Background())
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
