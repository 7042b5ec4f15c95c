package connector

import (
	"fmt"
	"sync"

	"github.com/ternarybob/syncd/internal/models"
)

// Factory constructs a Connector instance from a decrypted connector-config
// snapshot. One Factory is registered per models.ConnectorType at package
// init; construction of a live Connector instance is deferred until
// GetConnector is called.
type Factory struct {
	Schema      ConfigSchema
	Metadata    Metadata
	New         func(cfg models.ConnectorConfig) (Connector, error)
}

// Registry is the process-global, read-mostly catalogue of connector
// factories. It is safe for concurrent use; registration
// normally only happens from package init() functions before any goroutine
// calls Get, but the mutex also protects the metadata cache populated by
// lazy instantiation.
type Registry struct {
	mu         sync.RWMutex
	factories  map[models.ConnectorType]Factory
	metaCache  map[models.ConnectorType]Metadata
}

// NewRegistry creates an empty registry. Most callers use the process-wide
// Default registry instead; NewRegistry exists for tests that want
// isolation from connector packages registered via init().
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.ConnectorType]Factory),
		metaCache: make(map[models.ConnectorType]Metadata),
	}
}

// Default is the process-global registry every connector package registers
// itself into via init(). Callers should not construct a second registry
// in production code.
var Default = NewRegistry()

// Register adds (or replaces) the factory for typ. Called from each
// connector package's init().
func (r *Registry) Register(typ models.ConnectorType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
	r.metaCache[typ] = f.Metadata
}

// GetSchema returns the declared config schema for typ, used by the config
// store gateway to decrypt tagged leaves without instantiating a live
// connector.
func (r *Registry) GetSchema(typ models.ConnectorType) (ConfigSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	if !ok {
		return ConfigSchema{}, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return f.Schema, nil
}

// GetMetadata returns the last-read metadata for typ from the registry's
// cache.
func (r *Registry) GetMetadata(typ models.ConnectorType) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metaCache[typ]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	return m, nil
}

// GetConnector lazily instantiates a Connector for cfg.Type, bound to the
// supplied (already decrypted) config snapshot. Each call returns a fresh
// instance: a Connector instance is owned by a single in-flight Execution
// and must never be shared across concurrent executions.
func (r *Registry) GetConnector(cfg models.ConnectorConfig) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}

	c, err := f.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("construct %s connector: %w", cfg.Type, err)
	}

	r.mu.Lock()
	r.metaCache[cfg.Type] = f.Metadata
	r.mu.Unlock()

	return c, nil
}

// Types returns every registered connector type, for CLI/diagnostic use.
func (r *Registry) Types() []models.ConnectorType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ConnectorType, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}
