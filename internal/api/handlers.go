// Package api exposes the HTTP ingestion endpoints.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mattdepillis/healthos/internal/domain"
	"github.com/mattdepillis/healthos/internal/observability"
	"github.com/mattdepillis/healthos/internal/persistence"
)

// ReplayHeader is set on ingest responses that matched an already stored event.
const ReplayHeader = "Idempotent-Replayed"

const defaultMaxBodyBytes = 5 << 20

// Option configures a Handler.
type Option func(*Handler)

// WithStrictStatus makes validation and source errors use 422 and 400 instead of 200.
func WithStrictStatus(strict bool) Option {
	return func(h *Handler) { h.strict = strict }
}

// WithMaxBodyBytes caps the accepted request body size.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithLogger overrides the no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service      *domain.Service
	logger       *zap.Logger
	strict       bool
	maxBodyBytes int64
	now          func() time.Time
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, opts ...Option) *Handler {
	h := &Handler{
		service:      service,
		logger:       zap.NewNop(),
		maxBodyBytes: defaultMaxBodyBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ingest/healthkit", h.ingest(domain.RouteHealthKit))
	mux.HandleFunc("/ingest/manual", h.ingest(domain.RouteManual))
	mux.HandleFunc("/events", h.listEvents)
	mux.HandleFunc("/events/", h.eventByID)
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/readyz", h.readyz)
}

// IngestResponse is returned for accepted submissions, new or replayed.
type IngestResponse struct {
	Status        string `json:"status"`
	StoredEventID string `json:"stored_event_id"`
	Workouts      int    `json:"workouts"`
	Metrics       int    `json:"metrics"`
}

// ErrorResponse carries rejected-submission details.
type ErrorResponse struct {
	Status  string              `json:"status"`
	Message string              `json:"message"`
	Errors  []domain.FieldError `json:"errors,omitempty"`
}

// EventView exposes a stored event with its raw payload.
type EventView struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Source        string          `json:"source"`
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	ReceivedAt    time.Time       `json:"received_at"`
	Payload       json.RawMessage `json:"payload"`
}

// ListEventsResponse packages list results.
type ListEventsResponse struct {
	Items      []EventView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func (h *Handler) ingest(route domain.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				observability.RecordIngest(route.Name, "validation_failed")
				h.writeRejection(w, &domain.ValidationError{Fields: []domain.FieldError{{
					Field: "body",
					Msg:   "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes",
				}}})
				return
			}
			writeError(w, http.StatusBadRequest, "unable to read body")
			return
		}

		receipt, err := h.service.Ingest(r.Context(), raw, route)
		if err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				writeError(w, http.StatusServiceUnavailable, "storage unavailable")
				return
			}
			var validationErr *domain.ValidationError
			var mismatchErr *domain.SourceMismatchError
			if errors.As(err, &validationErr) || errors.As(err, &mismatchErr) {
				h.writeRejection(w, err)
				return
			}
			h.logger.Error("ingest failed", zap.String("route", route.Name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if receipt.Duplicate {
			w.Header().Set(ReplayHeader, "true")
		}
		writeJSON(w, http.StatusOK, IngestResponse{
			Status:        "ok",
			StoredEventID: receipt.EventID,
			Workouts:      receipt.Workouts,
			Metrics:       receipt.Metrics,
		})
	}
}

// writeRejection reports a client error. The legacy contract answers 200 with
// status "error"; strict mode uses 422 for shape errors and 400 for a wrong source.
func (h *Handler) writeRejection(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Status: "error", Message: err.Error()}
	status := http.StatusOK

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		resp.Errors = validationErr.Fields
		if h.strict {
			status = http.StatusUnprocessableEntity
		}
	} else if h.strict {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (h *Handler) eventByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/events/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing event id")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ev, err := h.service.GetEvent(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrEventNotFound):
			writeError(w, http.StatusNotFound, "event not found")
		case errors.Is(err, domain.ErrStoreUnavailable):
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, toEventView(*ev))
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	evs, next, err := h.service.ListEvents(r.Context(), r.URL.Query().Get("user_id"), cursor, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	items := make([]EventView, 0, len(evs))
	for _, ev := range evs {
		items = append(items, toEventView(ev))
	}
	writeJSON(w, http.StatusOK, ListEventsResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"ts": h.now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ready(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func toEventView(ev domain.StoredEvent) EventView {
	return EventView{
		ID:            ev.ID,
		UserID:        ev.UserID,
		Source:        string(ev.Source),
		SchemaVersion: ev.SchemaVersion,
		EventType:     ev.EventType,
		ReceivedAt:    ev.ReceivedAt,
		Payload:       json.RawMessage(ev.Payload),
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
