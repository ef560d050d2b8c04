// Package events defines payloads published for external collaborators of the event store.
package events

import "time"

// IngestRecorded is emitted once per newly stored submission. Consumers load the
// full payload from the event store by EventID.
type IngestRecorded struct {
	EventID       string    `json:"event_id"`
	UserID        string    `json:"user_id"`
	Source        string    `json:"source"`
	SchemaVersion int       `json:"schema_version"`
	EventType     string    `json:"event_type"`
	ReceivedAt    time.Time `json:"received_at"`
	WorkoutCount  int       `json:"workout_count"`
	MetricCount   int       `json:"metric_count"`
}

// IngestRecordedType is the outbox event type for IngestRecorded.
const IngestRecordedType = "ingest.recorded"
