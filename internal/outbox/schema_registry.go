package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

const schemaRegistryContentType = "application/vnd.schemaregistry.v1+json"

var errSubjectNotFound = errors.New("schema subject not found")

// SchemaRegistryClient provides minimal interactions with Confluent Schema Registry.
type SchemaRegistryClient struct {
	http *resty.Client
}

// NewSchemaRegistryClient constructs a client with sane defaults.
func NewSchemaRegistryClient(baseURL string) *SchemaRegistryClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Accept", schemaRegistryContentType)
	return &SchemaRegistryClient{http: client}
}

type schemaIDResponse struct {
	ID int `json:"id"`
}

// EnsureSchema returns the id of the latest schema under subject, registering
// schema when the subject does not exist yet.
func (c *SchemaRegistryClient) EnsureSchema(ctx context.Context, subject string, schema string) (int, error) {
	id, err := c.fetchLatest(ctx, subject)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, errSubjectNotFound) {
		return 0, err
	}
	return c.register(ctx, subject, schema)
}

func (c *SchemaRegistryClient) fetchLatest(ctx context.Context, subject string) (int, error) {
	var payload schemaIDResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("subject", subject).
		SetResult(&payload).
		Get("/subjects/{subject}/versions/latest")
	if err != nil {
		return 0, fmt.Errorf("schema registry lookup %s: %w", subject, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return 0, errSubjectNotFound
	}
	if resp.IsError() {
		return 0, fmt.Errorf("schema registry error: status %d: %s", resp.StatusCode(), resp.String())
	}
	return payload.ID, nil
}

func (c *SchemaRegistryClient) register(ctx context.Context, subject string, schema string) (int, error) {
	var payload schemaIDResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("subject", subject).
		SetHeader("Content-Type", schemaRegistryContentType).
		SetBody(map[string]any{
			"schemaType": "JSON",
			"schema":     schema,
		}).
		SetResult(&payload).
		Post("/subjects/{subject}/versions")
	if err != nil {
		return 0, fmt.Errorf("schema registry register %s: %w", subject, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("schema registry register error: status %d: %s", resp.StatusCode(), resp.String())
	}
	return payload.ID, nil
}
