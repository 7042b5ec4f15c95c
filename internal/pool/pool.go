// Package pool implements a keyed pool of destination document-store
// handles with health checks, idle reclamation, and lookup-on-miss.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/syncd/internal/synerr"
)

// Context distinguishes the caller-supplied key namespace; a pooled
// handle is keyed by (Context, Identifier).
type Context string

const (
	ContextMain       Context = "main"
	ContextDestination Context = "destination"
	ContextDataSource Context = "datasource"
	ContextWorkspace  Context = "workspace"
)

// Key identifies one pooled handle.
type Key struct {
	Context    Context
	Identifier string
}

// Connection is what LookupFn resolves a Key to.
type Connection struct {
	ConnectionString string
	Database         string
}

// LookupFn resolves the connection details for id when no pooled entry
// exists (or the existing one failed its health check).
type LookupFn func(ctx context.Context, id string) (Connection, error)

// entry is one pooled handle.
type entry struct {
	client   *mongo.Client
	database string
	lastUsed time.Time
	context  Context
	identifier string
}

// Pool is a keyed map of destination handles; all map mutation is
// serialized behind one mutex.
type Pool struct {
	mu      sync.Mutex
	entries map[Key]*entry
	logger  arbor.ILogger

	maxPoolSize       int
	minPoolSize       int
	maxIdle           time.Duration
	serverSelection   time.Duration
	connectTimeout    time.Duration
	idleReclaimEvery  time.Duration
	idleThreshold     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Options configures pool tuning knobs; zero values fall back to the
// defaults.
type Options struct {
	MaxPoolSize      int
	MinPoolSize      int
	MaxIdle          time.Duration
	ServerSelection  time.Duration
	ConnectTimeout   time.Duration
	IdleReclaimEvery time.Duration
	IdleThreshold    time.Duration
}

// New creates a Pool and starts its idle-reclamation background loop.
func New(logger arbor.ILogger, opts Options) *Pool {
	p := &Pool{
		entries:          make(map[Key]*entry),
		logger:           logger,
		maxPoolSize:      orDefault(opts.MaxPoolSize, 10),
		minPoolSize:      orDefault(opts.MinPoolSize, 2),
		maxIdle:          orDefaultDur(opts.MaxIdle, 30*time.Second),
		serverSelection:  orDefaultDur(opts.ServerSelection, 10*time.Second),
		connectTimeout:   orDefaultDur(opts.ConnectTimeout, 10*time.Second),
		idleReclaimEvery: orDefaultDur(opts.IdleReclaimEvery, 60*time.Second),
		idleThreshold:    orDefaultDur(opts.IdleThreshold, 5*time.Minute),
		stopCh:           make(chan struct{}),
	}
	go p.idleReclaimLoop()
	return p
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func orDefaultDur(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}

// Get returns a healthy *mongo.Database for key: ping an existing entry,
// evict and reconnect on ping failure, or resolve via lookup and dial on
// a miss.
func (p *Pool) Get(ctx context.Context, key Key, lookup LookupFn) (*mongo.Database, error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	p.mu.Unlock()

	if ok {
		if p.ping(ctx, e.client) {
			p.mu.Lock()
			e.lastUsed = time.Now()
			p.mu.Unlock()
			return e.client.Database(e.database), nil
		}
		// Ping failure is not surfaced; evict and fall through to
		// reconnect. Only a failed reconnect reaches the caller.
		p.evictAndClose(key)
	}

	return p.establish(ctx, key, lookup)
}

// establish resolves the connection via lookup and registers a new pooled
// handle. Concurrent callers with the same key that both miss must not
// both dial, so establish holds the map lock across the (bounded,
// context-timeout-protected) dial to guarantee single-flight semantics
// for a given key.
func (p *Pool) establish(ctx context.Context, key Key, lookup LookupFn) (*mongo.Database, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		// Another caller won the race while we waited for the lock.
		if p.ping(ctx, e.client) {
			e.lastUsed = time.Now()
			return e.client.Database(e.database), nil
		}
		p.closeEntryLocked(key, e)
	}

	conn, err := lookup(ctx, key.Identifier)
	if err != nil {
		return nil, fmt.Errorf("pool: lookup %s/%s: %w", key.Context, key.Identifier, err)
	}

	clientOpts := options.Client().
		ApplyURI(conn.ConnectionString).
		SetMaxPoolSize(uint64(p.maxPoolSize)).
		SetMinPoolSize(uint64(p.minPoolSize)).
		SetMaxConnIdleTime(p.maxIdle).
		SetServerSelectionTimeout(p.serverSelection).
		SetConnectTimeout(p.connectTimeout).
		SetRetryReads(true).
		SetRetryWrites(true).
		SetServerMonitor(&event.ServerMonitor{
			ServerClosed: func(*event.ServerClosedEvent) { p.evictAndClose(key) },
		}).
		SetPoolMonitor(&event.PoolMonitor{
			Event: func(e *event.PoolEvent) {
				if e.Type == event.ConnectionClosed || e.Type == event.PoolClosedEvent {
					p.evictAndClose(key)
				}
			},
		})

	dialCtx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, clientOpts)
	if err != nil {
		return nil, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable,
			fmt.Sprintf("connect pool entry %s/%s", key.Context, key.Identifier), err)
	}

	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, synerr.Wrap(synerr.CodeConnFailed, synerr.Retryable,
			fmt.Sprintf("ping pool entry %s/%s", key.Context, key.Identifier), err)
	}

	p.entries[key] = &entry{
		client:     client,
		database:   conn.Database,
		lastUsed:   time.Now(),
		context:    key.Context,
		identifier: key.Identifier,
	}

	p.logger.Debug().Str("context", string(key.Context)).Str("identifier", key.Identifier).
		Msg("pool: established new connection")

	return client.Database(conn.Database), nil
}

func (p *Pool) ping(ctx context.Context, client *mongo.Client) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.Ping(pingCtx, readpref.Primary()) == nil
}

// Close evicts and disconnects the handle for key, if present.
func (p *Pool) Close(key Key) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	return p.closeEntryLocked(key, e)
}

func (p *Pool) closeEntryLocked(key Key, e *entry) error {
	delete(p.entries, key)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("pool: disconnect %s/%s: %w", key.Context, key.Identifier, err)
	}
	return nil
}

func (p *Pool) evictAndClose(key Key) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		_ = p.closeEntryLocked(key, e)
	}
	p.mu.Unlock()
}

// CloseAll evicts and disconnects every pooled handle, for graceful
// shutdown.
func (p *Pool) CloseAll() error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for key, e := range p.entries {
		if err := p.closeEntryLocked(key, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports the current pool population, for diagnostics.
type Stats struct {
	EntryCount int
	ByContext  map[Context]int
}

// Stats returns a point-in-time snapshot of pool population.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{EntryCount: len(p.entries), ByContext: make(map[Context]int)}
	for k := range p.entries {
		s.ByContext[k.Context]++
	}
	return s
}

func (p *Pool) idleReclaimLoop() {
	ticker := time.NewTicker(p.idleReclaimEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reclaimIdle()
		}
	}
}

func (p *Pool) reclaimIdle() {
	cutoff := time.Now().Add(-p.idleThreshold)

	p.mu.Lock()
	var stale []Key
	for k, e := range p.entries {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, k)
		}
	}
	var toClose []*entry
	for _, k := range stale {
		toClose = append(toClose, p.entries[k])
		delete(p.entries, k)
	}
	p.mu.Unlock()

	for i, k := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := toClose[i].client.Disconnect(ctx); err != nil {
			p.logger.Warn().Err(err).Str("identifier", k.Identifier).Msg("pool: idle reclaim disconnect failed")
		} else {
			p.logger.Debug().Str("identifier", k.Identifier).Msg("pool: reclaimed idle connection")
		}
		cancel()
	}
}
