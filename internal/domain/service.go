// Package domain defines the ingestion contract for the healthos service.
package domain

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mattdepillis/healthos/internal/observability"
)

// ErrEventNotFound is returned when no stored event exists for an id.
var ErrEventNotFound = errors.New("stored event not found")

var tracer = otel.Tracer("github.com/mattdepillis/healthos/internal/domain")

// EventRepository is the append-only event store. Implementations must let the
// primary key on the event id decide concurrent inserts.
type EventRepository interface {
	RecordIfNew(ctx context.Context, sub Submission, eventType string) (Outcome, error)
	Get(ctx context.Context, eventID string) (*StoredEvent, error)
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]StoredEvent, *Cursor, error)
	Ping(ctx context.Context) error
}

// Cursor marks a position in a user's events ordered by received_at, then id, descending.
type Cursor struct {
	ReceivedAt time.Time
	ID         string
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// SeenCache remembers event ids that are known to be stored.
type SeenCache interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Remember(ctx context.Context, eventID string) error
}

// Route binds an ingestion endpoint to the source it accepts and the event type it stores.
type Route struct {
	Name      string
	Source    Source
	EventType string
}

var (
	RouteHealthKit = Route{Name: "healthkit", Source: SourceHealthKit, EventType: "healthkit_bundle"}
	RouteManual    = Route{Name: "manual", Source: SourceManual, EventType: "manual_bundle"}
)

// RouteByName looks up a known route.
func RouteByName(name string) (Route, bool) {
	switch name {
	case RouteHealthKit.Name:
		return RouteHealthKit, true
	case RouteManual.Name:
		return RouteManual, true
	}
	return Route{}, false
}

// Receipt is returned to the caller for every accepted submission, new or not.
type Receipt struct {
	EventID   string
	Workouts  int
	Metrics   int
	Duplicate bool
}

// Option configures a Service.
type Option func(*Service)

// WithSeenCache enables the seen-key fast path.
func WithSeenCache(cache SeenCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithLogger overrides the no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithDefaultUserID sets the user id applied to submissions without one.
func WithDefaultUserID(userID string) Option {
	return func(s *Service) { s.defaultUserID = userID }
}

// Service orchestrates validation and idempotent recording.
type Service struct {
	repo          EventRepository
	cache         SeenCache
	logger        *zap.Logger
	defaultUserID string
}

// NewService constructs a Service.
func NewService(repo EventRepository, opts ...Option) *Service {
	s := &Service{repo: repo, logger: zap.NewNop(), defaultUserID: DefaultUserID}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates raw, checks it against the route and records it at most once.
// Validation and source failures never reach the repository.
func (s *Service) Ingest(ctx context.Context, raw []byte, route Route) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "domain.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("ingest.route", route.Name))

	sub, err := ParseSubmission(raw, s.defaultUserID)
	if err != nil {
		observability.RecordIngest(route.Name, "validation_failed")
		span.SetStatus(codes.Error, "validation failed")
		return Receipt{}, err
	}
	span.SetAttributes(attribute.String("ingest.event_id", sub.EventID))

	if sub.Source != route.Source {
		observability.RecordIngest(route.Name, "source_mismatch")
		span.SetStatus(codes.Error, "source mismatch")
		return Receipt{}, &SourceMismatchError{Expected: route.Source, Got: sub.Source}
	}

	receipt := Receipt{
		EventID:  sub.EventID,
		Workouts: len(sub.Workouts),
		Metrics:  len(sub.DailyMetrics),
	}

	if s.seen(ctx, sub.EventID) {
		observability.RecordIngest(route.Name, "cached_duplicate")
		receipt.Duplicate = true
		return receipt, nil
	}

	start := time.Now()
	outcome, err := s.repo.RecordIfNew(ctx, sub, route.EventType)
	observability.ObserveRecordDuration(route.Name, time.Since(start))
	if err != nil {
		observability.RecordIngest(route.Name, "store_unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, "store unavailable")
		s.logger.Error("record submission failed",
			zap.String("event_id", sub.EventID),
			zap.String("route", route.Name),
			zap.Error(err),
		)
		return Receipt{}, err
	}

	observability.RecordIngest(route.Name, outcome.String())
	span.SetAttributes(attribute.String("ingest.outcome", outcome.String()))
	receipt.Duplicate = outcome == OutcomeAlreadyRecorded
	s.remember(ctx, sub.EventID)

	s.logger.Info("submission ingested",
		zap.String("event_id", sub.EventID),
		zap.String("user_id", sub.UserID),
		zap.String("route", route.Name),
		zap.String("outcome", outcome.String()),
		zap.Int("workouts", receipt.Workouts),
		zap.Int("metrics", receipt.Metrics),
	)
	return receipt, nil
}

// GetEvent returns the stored event for id.
func (s *Service) GetEvent(ctx context.Context, eventID string) (*StoredEvent, error) {
	ev, err := s.repo.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, ErrEventNotFound
	}
	return ev, nil
}

// ListEvents pages through a user's stored events, newest first.
func (s *Service) ListEvents(ctx context.Context, userID string, cursor *Cursor, limit int) ([]StoredEvent, *Cursor, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if userID == "" {
		userID = s.defaultUserID
	}
	return s.repo.ListByUser(ctx, userID, cursor, limit)
}

// Ready reports whether the event store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) seen(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return false
	}
	ok, err := s.cache.Seen(ctx, eventID)
	if err != nil {
		s.logger.Warn("seen cache lookup failed", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return ok
}

func (s *Service) remember(ctx context.Context, eventID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remember(ctx, eventID); err != nil {
		s.logger.Warn("seen cache update failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
