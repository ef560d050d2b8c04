package domain

import "time"

// Source identifies how a submission was collected on the client.
type Source string

const (
	SourceHealthKit Source = "healthkit"
	SourceManual    Source = "manual"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceHealthKit, SourceManual:
		return true
	}
	return false
}

// MetricType enumerates the supported daily metrics.
type MetricType string

const (
	MetricSteps            MetricType = "steps"
	MetricActiveEnergyKcal MetricType = "active_energy_kcal"
	MetricSleepHours       MetricType = "sleep_hours"
	MetricBodyWeightLbs    MetricType = "body_weight_lbs"
)

// Valid reports whether m is one of the known metric types.
func (m MetricType) Valid() bool {
	switch m {
	case MetricSteps, MetricActiveEnergyKcal, MetricSleepHours, MetricBodyWeightLbs:
		return true
	}
	return false
}

const (
	// DefaultSchemaVersion applies when a submission omits schema_version.
	DefaultSchemaVersion = 1
	// DefaultUserID applies when a submission omits user_id and no override is configured.
	DefaultUserID = "matt"
)

// Workout is a single workout exported by the client. Timestamps are kept as sent.
type Workout struct {
	SourceWorkoutID  string   `json:"source_workout_id"`
	ActivityType     string   `json:"activity_type"`
	StartedAt        string   `json:"started_at"`
	EndedAt          *string  `json:"ended_at"`
	DurationSec      *float64 `json:"duration_sec"`
	ActiveEnergyKcal *float64 `json:"active_energy_kcal"`
	DistanceM        *float64 `json:"distance_m"`
}

// DailyMetric is one per-day measurement.
type DailyMetric struct {
	Date       string     `json:"date"`
	MetricType MetricType `json:"metric_type"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
}

// Submission is a validated batch pushed by a client device. It is serialized
// verbatim into the stored event payload.
type Submission struct {
	SchemaVersion int           `json:"schema_version"`
	EventID       string        `json:"event_id"`
	UserID        string        `json:"user_id"`
	Source        Source        `json:"source"`
	SentAt        string        `json:"sent_at"`
	DeviceID      string        `json:"device_id"`
	Workouts      []Workout     `json:"workouts"`
	DailyMetrics  []DailyMetric `json:"daily_metrics"`
}

// StoredEvent is the durable, immutable record of one accepted submission.
type StoredEvent struct {
	ID            string
	UserID        string
	Source        Source
	SchemaVersion int
	EventType     string
	ReceivedAt    time.Time
	Payload       []byte
}

// Outcome reports what RecordIfNew did.
type Outcome int

const (
	OutcomeRecorded Outcome = iota + 1
	OutcomeAlreadyRecorded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRecorded:
		return "recorded"
	case OutcomeAlreadyRecorded:
		return "already_recorded"
	}
	return "unknown"
}
