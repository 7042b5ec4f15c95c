package models

// ConnectorType identifies the kind of upstream system a ConnectorConfig
// speaks to. It is the discriminant the registry (internal/connector) keys
// its factories on.
type ConnectorType string

const (
	ConnectorTypeCloseCRM ConnectorType = "closecrm"
	ConnectorTypeStripe   ConnectorType = "stripe"
	ConnectorTypeGraphQL  ConnectorType = "graphql"
	ConnectorTypeREST     ConnectorType = "rest"
	ConnectorTypePostHog  ConnectorType = "posthog"
	ConnectorTypeBigQuery ConnectorType = "bigquery"
)

// ConnectorSettings holds the per-job tuning knobs shared by every connector
// type.
type ConnectorSettings struct {
	BatchSize        int    `bson:"batchSize" json:"batchSize"`
	RateLimitDelayMs int    `bson:"rateLimitDelayMs" json:"rateLimitDelayMs"`
	MaxRetries       int    `bson:"maxRetries" json:"maxRetries"`
	TimeoutMs        int    `bson:"timeoutMs" json:"timeoutMs"`
	Timezone         string `bson:"timezone" json:"timezone"`
}

// DefaultConnectorSettings returns the default tuning values. Stored
// settings are not merged with them: a field a connector config omits
// stays zero when read from the config store.
func DefaultConnectorSettings() ConnectorSettings {
	return ConnectorSettings{
		BatchSize:        100,
		RateLimitDelayMs: 200,
		MaxRetries:       3,
		TimeoutMs:        30_000,
		Timezone:         "UTC",
	}
}

// ConnectorConfig is the stored configuration of one upstream connector.
// Config is a type-specific bag; encrypted leaves are tagged by the
// connector type's declared schema (see internal/connector.ConfigSchema) and
// decrypted on read by the config store gateway.
type ConnectorConfig struct {
	ID          ID                `bson:"_id" json:"id"`
	WorkspaceID ID                `bson:"workspaceId" json:"workspaceId"`
	Name        string            `bson:"name" json:"name"`
	Type        ConnectorType     `bson:"type" json:"type"`
	IsActive    bool              `bson:"isActive" json:"isActive"`
	Config      map[string]any    `bson:"config" json:"config"`
	Settings    ConnectorSettings `bson:"settings" json:"settings"`
}
