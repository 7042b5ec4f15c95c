package eventbus

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// DB manages the Badger database connection backing the event bus.
type DB struct {
	store *badgerhold.Store
}

// NewDB opens the Badger database at path, creating parent directories as
// needed.
func NewDB(logger arbor.ILogger, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create eventbus directory: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Opening eventbus database connection")

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // disable default badger logger, arbor covers this

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open eventbus database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Eventbus database initialized")

	return &DB{store: store}, nil
}

// Store returns the underlying badgerhold store.
func (d *DB) Store() *badgerhold.Store {
	return d.store
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
