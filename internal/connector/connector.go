// Package connector defines the polymorphic contract every upstream
// connector (Close CRM, Stripe, GraphQL, generic REST, PostHog, BigQuery)
// implements. Each connector type is a Go type implementing Connector,
// registered by type string in the process-global Registry.
package connector

import (
	"context"

	"github.com/ternarybob/syncd/internal/models"
)

// Metadata describes a connector implementation, independent of any
// particular configured instance.
type Metadata struct {
	Name               string
	Version            string
	Description        string
	SupportedEntities  []string
}

// SchemaFieldType enumerates the primitive shapes a config field can take.
// "object_array" fields carry nested ItemFields.
type SchemaFieldType string

const (
	FieldString      SchemaFieldType = "string"
	FieldPassword    SchemaFieldType = "password"
	FieldNumber      SchemaFieldType = "number"
	FieldBool        SchemaFieldType = "bool"
	FieldObjectArray SchemaFieldType = "object_array"
)

// SchemaField is one declared field of a connector's config bag.
// Encrypted is true for fields tagged encrypted, and is also
// implied by Type == FieldPassword.
type SchemaField struct {
	Name        string
	Type        SchemaFieldType
	Required    bool
	Encrypted   bool
	Description string
	// ItemFields recursively describes the shape of each element when
	// Type == FieldObjectArray.
	ItemFields []SchemaField
}

// IsEncrypted reports whether this field's stored value must be decrypted
// by the config store gateway.
func (f SchemaField) IsEncrypted() bool {
	return f.Encrypted || f.Type == FieldPassword
}

// ConfigSchema is the full declared shape of a connector type's config bag,
// consumed by the config store gateway for decryption.
type ConfigSchema struct {
	Fields []SchemaField
}

// ValidationResult is returned by ValidateConfig.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// TestResult is returned by TestConnection.
type TestResult struct {
	Success bool
	Message string
	Details map[string]any
}

// Record is one upstream entity record, keyed internally by "id" before
// internal/sync wraps it with destination metadata.
type Record = map[string]any

// BatchFunc receives one batch of records fetched from upstream.
type BatchFunc func(records []Record) error

// ProgressFunc reports fetch progress; total is nil when the upstream does
// not expose a total count.
type ProgressFunc func(current int64, total *int64)

// FetchOptions configures an unchunked, streaming fetch of one entity via
// FetchEntity.
type FetchOptions struct {
	Entity         string
	BatchSize      int
	OnBatch        BatchFunc
	OnProgress     ProgressFunc
	Since          *int64 // unix millis watermark; nil means full sync
	RateLimitDelay int    // ms between upstream calls
	MaxRetries     int
}

// ResumableFetchOptions configures one bounded chunk of a resumable fetch
// via FetchEntityChunk.
type ResumableFetchOptions struct {
	FetchOptions
	MaxIterations int
	State         *models.FetchState
}

// WebhookVerifyInput is passed to VerifyWebhook.
type WebhookVerifyInput struct {
	Payload []byte
	Headers map[string]string
	Secret  string
}

// WebhookOperation is the destination write operation a mapped event maps
// to.
type WebhookOperation string

const (
	WebhookUpsert WebhookOperation = "upsert"
	WebhookDelete WebhookOperation = "delete"
)

// WebhookMapping resolves an upstream event type to the entity/operation
// pair the webhook processor applies to the destination.
type WebhookMapping struct {
	Entity    string
	Operation WebhookOperation
}

// WebhookEventData is the extracted, connector-agnostic shape of one
// webhook delivery.
type WebhookEventData struct {
	ID   string
	Data Record
}

// RawWebhookEvent is the inbound delivery handed to ExtractWebhookData.
type RawWebhookEvent struct {
	EventType string
	Payload   []byte
	Headers   map[string]string
}

// Connector is the full upstream capability set. Connector types
// that do not support resumable fetching or webhooks return false/errors
// from the corresponding methods; embedding BaseConnector gives a
// connector those default "unsupported" implementations for free so each
// connector package only implements what it actually offers.
type Connector interface {
	Metadata() Metadata
	ValidateConfig() ValidationResult
	TestConnection(ctx context.Context) (TestResult, error)
	GetAvailableEntities(ctx context.Context) ([]string, error)

	FetchEntity(ctx context.Context, opts FetchOptions) error

	SupportsResumableFetching() bool
	FetchEntityChunk(ctx context.Context, opts ResumableFetchOptions) (models.FetchState, error)

	SupportsWebhooks() bool
	VerifyWebhook(ctx context.Context, in WebhookVerifyInput) (bool, error)
	GetWebhookEventMapping(eventType string) *WebhookMapping
	GetSupportedWebhookEvents() []string
	ExtractWebhookData(ctx context.Context, event RawWebhookEvent) (WebhookEventData, error)
}

// Config schemas are static per connector type, not per instance:
// connector packages export GetConfigSchema() ConfigSchema as a
// package-level function and the registry's Factory records it alongside
// the constructor.

// BaseConnector gives connector implementations default "unsupported"
// behaviour for the optional resumable-fetch and webhook capability sets.
// Embed it and override only the methods a connector actually implements.
type BaseConnector struct{}

func (BaseConnector) SupportsResumableFetching() bool { return false }

func (BaseConnector) FetchEntityChunk(ctx context.Context, opts ResumableFetchOptions) (models.FetchState, error) {
	return models.FetchState{}, ErrNotResumable
}

func (BaseConnector) SupportsWebhooks() bool { return false }

func (BaseConnector) VerifyWebhook(ctx context.Context, in WebhookVerifyInput) (bool, error) {
	return false, ErrNoWebhooks
}

func (BaseConnector) GetWebhookEventMapping(eventType string) *WebhookMapping { return nil }

func (BaseConnector) GetSupportedWebhookEvents() []string { return nil }

func (BaseConnector) ExtractWebhookData(ctx context.Context, event RawWebhookEvent) (WebhookEventData, error) {
	return WebhookEventData{}, ErrNoWebhooks
}
