package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "POSTGRES_URL", "KAFKA_BROKERS", "STRICT_HTTP_STATUS", "DEFAULT_USER_ID", "MAX_BODY_BYTES"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, defaultDatabaseURL, cfg.DatabaseURL)
	require.Empty(t, cfg.KafkaBrokers)
	require.False(t, cfg.PublishingEnabled())
	require.False(t, cfg.StrictHTTPStatus)
	require.Equal(t, "matt", cfg.DefaultUserID)
	require.Equal(t, int64(5<<20), cfg.MaxBodyBytes)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://./healthos.db")
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("STRICT_HTTP_STATUS", "true")
	t.Setenv("SEEN_CACHE_TTL", "90m")
	t.Setenv("OUTBOX_BATCH_SIZE", "10")
	t.Setenv("OTEL_SAMPLER_RATIO", "0.25")

	cfg := Load()
	require.Equal(t, "sqlite://./healthos.db", cfg.DatabaseURL)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.PublishingEnabled())
	require.True(t, cfg.StrictHTTPStatus)
	require.Equal(t, 90*time.Minute, cfg.SeenCacheTTL)
	require.Equal(t, 10, cfg.OutboxBatchSize)
	require.InDelta(t, 0.25, cfg.OTelSampleRatio, 1e-9)
}

func TestLoadFallsBackToPostgresURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_URL", "postgres://legacy/healthos")
	require.Equal(t, "postgres://legacy/healthos", Load().DatabaseURL)
}

func TestMalformedValuesKeepDefaults(t *testing.T) {
	t.Setenv("DLQ_MAX_RETRIES", "many")
	t.Setenv("STRICT_HTTP_STATUS", "sometimes")
	t.Setenv("DLQ_BASE_DELAY", "soon")

	cfg := Load()
	require.Equal(t, 5, cfg.DLQMaxRetries)
	require.False(t, cfg.StrictHTTPStatus)
	require.Equal(t, time.Minute, cfg.DLQBaseDelay)
}
