package outbox

import "github.com/mattdepillis/healthos/internal/events"

const ingestRecordedSchema = `{
  "type": "object",
  "title": "IngestRecorded",
  "properties": {
    "event_id": {"type": "string"},
    "user_id": {"type": "string"},
    "source": {"type": "string", "enum": ["healthkit", "manual"]},
    "schema_version": {"type": "integer", "minimum": 1},
    "event_type": {"type": "string"},
    "received_at": {"type": "string", "format": "date-time"},
    "workout_count": {"type": "integer", "minimum": 0},
    "metric_count": {"type": "integer", "minimum": 0}
  },
  "required": ["event_id", "user_id", "source", "schema_version", "event_type", "received_at", "workout_count", "metric_count"],
  "additionalProperties": false
}`

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.IngestRecordedType: {Schema: ingestRecordedSchema},
}
