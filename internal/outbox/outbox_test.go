package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattdepillis/healthos/internal/events"
)

func TestEncodeWireFormat(t *testing.T) {
	payload := []byte(`{"event_id":"e1"}`)
	frame := encodeWireFormat(42, payload)

	require.Len(t, frame, 5+len(payload))
	assert.Equal(t, byte(0), frame[0])
	assert.Equal(t, uint32(42), binary.BigEndian.Uint32(frame[1:5]))
	assert.Equal(t, payload, frame[5:])
}

func TestDispatcherEncodeAddsHeadersAndCachesSchemaID(t *testing.T) {
	registry := &stubRegistry{id: 7}
	d := NewDispatcher(nil, &stubProducer{}, registry, nil, time.Second, 10)

	msg := Message{
		EventID:       1,
		EventType:     events.IngestRecordedType,
		Topic:         "health_ingest_events",
		SchemaSubject: "health_ingest_events-value",
		PartitionKey:  "matt",
		Payload:       json.RawMessage(`{"event_id":"e1"}`),
	}

	for i := 0; i < 3; i++ {
		record, err := d.encode(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, []byte("matt"), record.Key)
		assert.Equal(t, uint32(7), binary.BigEndian.Uint32(record.Value[1:5]))
		require.Len(t, record.Headers, 2)
		assert.Equal(t, "event_type", record.Headers[0].Key)
		assert.Equal(t, events.IngestRecordedType, string(record.Headers[0].Value))
	}
	assert.Len(t, registry.calls, 1)
}

func TestDispatcherEncodeRejectsUnknownEventType(t *testing.T) {
	d := NewDispatcher(nil, &stubProducer{}, &stubRegistry{}, nil, time.Second, 10)
	_, err := d.encode(context.Background(), Message{EventType: "ingest.unknown"})
	assert.ErrorContains(t, err, "no schema metadata for event_type=ingest.unknown")
}

func TestSchemaRegistryReturnsExistingSubject(t *testing.T) {
	var registered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/subjects/health_ingest_events-value/versions/latest":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"subject":"health_ingest_events-value","version":3,"id":11}`))
		default:
			registered.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "health_ingest_events-value", ingestRecordedSchema)
	require.NoError(t, err)
	assert.Equal(t, 11, id)
	assert.Zero(t, registered.Load())
}

func TestSchemaRegistryRegistersMissingSubject(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":40401,"message":"Subject not found."}`))
		case http.MethodPost:
			assert.Equal(t, "/subjects/health_ingest_events-value/versions", r.URL.Path)
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			_, _ = w.Write([]byte(`{"id":5}`))
		}
	}))
	defer srv.Close()

	id, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "health_ingest_events-value", ingestRecordedSchema)
	require.NoError(t, err)
	assert.Equal(t, 5, id)
	assert.Equal(t, "JSON", body["schemaType"])
	assert.Equal(t, ingestRecordedSchema, body["schema"])
}

func TestSchemaRegistryRejectedRegistration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":409,"message":"incompatible schema"}`))
	}))
	defer srv.Close()

	_, err := NewSchemaRegistryClient(srv.URL).EnsureSchema(context.Background(), "s", "{}")
	assert.ErrorContains(t, err, "incompatible schema")
}

func TestIngestRecordedSchemaMatchesPayload(t *testing.T) {
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	require.NoError(t, json.Unmarshal([]byte(ingestRecordedSchema), &schema))

	raw, err := json.Marshal(events.IngestRecorded{EventID: "e1", ReceivedAt: time.Now().UTC()})
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	for name := range fields {
		assert.Contains(t, schema.Properties, name)
	}
	assert.Len(t, schema.Required, len(fields))
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	m := NewDLQManager(nil, nil, 5, time.Minute)
	assert.Equal(t, time.Minute, m.backoffDelay(1))
	assert.Equal(t, 2*time.Minute, m.backoffDelay(2))
	assert.Equal(t, 16*time.Minute, m.backoffDelay(5))
	assert.Equal(t, time.Hour, m.backoffDelay(7))
	assert.Equal(t, time.Hour, m.backoffDelay(64))
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)
	s.writes = append(s.writes, writtenBatch{topic: topic, messages: copied})
	return nil
}

type stubRegistry struct {
	mu    sync.Mutex
	id    int
	err   error
	calls []string
}

func (s *stubRegistry) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, subject)
	if s.err != nil {
		return 0, s.err
	}
	if s.id == 0 {
		s.id = 1
	}
	return s.id, nil
}
