//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mattdepillis/healthos/internal/domain"
	"github.com/mattdepillis/healthos/internal/events"
)

func TestRecordIfNewWritesOneEventAndOneOutboxRow(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	sub := testSubmission(uuid.NewString())
	outcome, err := repo.RecordIfNew(ctx, sub, "healthkit_bundle")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeRecorded, outcome)

	first, err := repo.Get(ctx, sub.EventID)
	require.NoError(t, err)
	require.NotNil(t, first)

	outcome, err = repo.RecordIfNew(ctx, sub, "healthkit_bundle")
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAlreadyRecorded, outcome)

	again, err := repo.Get(ctx, sub.EventID)
	require.NoError(t, err)
	require.True(t, first.ReceivedAt.Equal(again.ReceivedAt))

	var outboxCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id=$1`, sub.EventID).Scan(&outboxCount))
	require.Equal(t, 1, outboxCount)

	var (
		topic   string
		payload []byte
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT topic, payload FROM outbox WHERE aggregate_id=$1`, sub.EventID).Scan(&topic, &payload))
	require.Equal(t, "health_ingest_events", topic)

	var recorded events.IngestRecorded
	require.NoError(t, json.Unmarshal(payload, &recorded))
	require.Equal(t, sub.EventID, recorded.EventID)
	require.Equal(t, 1, recorded.WorkoutCount)
}

func TestRecordIfNewConcurrentInsertsStoreOneRow(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	sub := testSubmission(uuid.NewString())
	const callers = 20
	outcomes := make([]domain.Outcome, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = repo.RecordIfNew(ctx, sub, "healthkit_bundle")
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
	require.Equal(t, 1, recorded)

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM ingest_events WHERE id=$1`, sub.EventID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestStoredEventsRejectUpdates(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	sub := testSubmission(uuid.NewString())
	_, err := repo.RecordIfNew(ctx, sub, "healthkit_bundle")
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE ingest_events SET user_id='other' WHERE id=$1`, sub.EventID)
	require.Error(t, err)
}

func TestListByUserPaginates(t *testing.T) {
	ctx := context.Background()
	pool := startPostgres(t, ctx)
	repo := NewRepository(pool)

	base := time.Now().UTC()
	userID := uuid.NewString()
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		repo.now = func() time.Time { return ts }
		sub := testSubmission(uuid.NewString())
		sub.UserID = userID
		_, err := repo.RecordIfNew(ctx, sub, "manual_bundle")
		require.NoError(t, err)
	}

	page, next, err := repo.ListByUser(ctx, userID, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.NotNil(t, next)
	require.True(t, page[0].ReceivedAt.After(page[1].ReceivedAt))

	page, next, err = repo.ListByUser(ctx, userID, next, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Nil(t, next)
}

func testSubmission(id string) domain.Submission {
	return domain.Submission{
		SchemaVersion: 1,
		EventID:       id,
		UserID:        "matt",
		Source:        domain.SourceHealthKit,
		SentAt:        "2026-01-01T00:00:00Z",
		DeviceID:      "iphone",
		Workouts: []domain.Workout{
			{SourceWorkoutID: "w1", ActivityType: "run", StartedAt: "2026-01-01T06:00:00Z"},
		},
		DailyMetrics: []domain.DailyMetric{},
	}
}

func startPostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("healthos"),
		postgrescontainer.WithUsername("healthos"),
		postgrescontainer.WithPassword("healthos"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, waitForDatabase(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	require.NoError(t, Migrate(ctx, pool), "migrations must be re-runnable")
	return pool
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
