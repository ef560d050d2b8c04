package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mattdepillis/healthos/internal/domain"
	"github.com/mattdepillis/healthos/internal/persistence/postgres"
	"github.com/mattdepillis/healthos/internal/persistence/sqlite"
)

// Kind names an event store backend.
type Kind string

const (
	KindPostgres Kind = "postgres"
	KindSQLite   Kind = "sqlite"
)

// ErrUnsupportedDSN is returned for a DSN with an unknown scheme.
var ErrUnsupportedDSN = errors.New("unsupported database dsn")

// Store is an opened event store. Pool is set only for Postgres, which is the
// only backend with an outbox.
type Store struct {
	Kind       Kind
	Repository domain.EventRepository
	Pool       *pgxpool.Pool

	sqlDB *sql.DB
}

// keywordDSN matches libpq keyword/value connection strings such as
// "host=localhost dbname=healthos".
var keywordDSN = regexp.MustCompile(`^[a-z_]+\s*=`)

// KindOf infers the backend from a DSN: postgres://, postgresql:// or a
// keyword/value string select Postgres; sqlite://, file: or a bare path
// select SQLite.
func KindOf(dsn string) (Kind, string, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return "", "", fmt.Errorf("%w: empty", ErrUnsupportedDSN)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return KindPostgres, dsn, nil
	case keywordDSN.MatchString(dsn):
		return KindPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return KindSQLite, strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"), !strings.Contains(dsn, "://"):
		return KindSQLite, dsn, nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedDSN, dsn)
}

// Open connects to the store named by dsn. SQLite schemas are migrated on open;
// Postgres schemas only when migrate is true.
func Open(ctx context.Context, dsn string, migrate bool) (*Store, error) {
	kind, target, err := KindOf(dsn)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindPostgres:
		pool, err := pgxpool.New(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &Store{Kind: kind, Repository: postgres.NewRepository(pool), Pool: pool}, nil
	default:
		db, err := sqlite.Open(target)
		if err != nil {
			return nil, err
		}
		return &Store{Kind: kind, Repository: sqlite.NewRepository(db), sqlDB: db}, nil
	}
}

// Migrate applies the backend's schema.
func (s *Store) Migrate(ctx context.Context) error {
	if s.Pool != nil {
		return postgres.Migrate(ctx, s.Pool)
	}
	return sqlite.ApplyMigrations(s.sqlDB)
}

// Close releases connections.
func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
	if s.sqlDB != nil {
		_ = s.sqlDB.Close()
	}
}
