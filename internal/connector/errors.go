package connector

import "errors"

var (
	// ErrNotResumable is returned by the default BaseConnector.FetchEntityChunk
	// for connectors that only implement the unchunked FetchEntity path.
	ErrNotResumable = errors.New("connector: does not support resumable fetching")
	// ErrNoWebhooks is returned by the default BaseConnector webhook methods
	// for connectors that do not support webhooks at all.
	ErrNoWebhooks = errors.New("connector: does not support webhooks")
	// ErrUnknownType is returned by Registry.Get for a type with no
	// registered factory.
	ErrUnknownType = errors.New("connector: unknown connector type")
	// ErrUnsupportedEntity is returned when an entityFilter names an entity
	// the connector cannot produce.
	ErrUnsupportedEntity = errors.New("connector: unsupported entity")
)
