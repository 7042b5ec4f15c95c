package sync

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
)

// DefaultChunkIterations bounds upstream round-trips per chunk;
// MaxChunksPerEntity is the hard safety cap on chunks per entity sync.
const (
	DefaultChunkIterations = 10
	MaxChunksPerEntity     = 1000
)

// ChunkedRunner drives Executor.RunChunk repeatedly, persisting resumable
// FetchState between chunks, until the entity sync completes or the
// safety cap is hit.
type ChunkedRunner struct {
	executor *Executor
	logger   arbor.ILogger
}

// NewChunkedRunner creates a ChunkedRunner over executor.
func NewChunkedRunner(executor *Executor, logger arbor.ILogger) *ChunkedRunner {
	return &ChunkedRunner{executor: executor, logger: logger}
}

// StatePersister is called between chunks so the caller (internal/jobruntime)
// can persist resumable state, e.g. on the Execution's context snapshot.
type StatePersister func(ctx context.Context, result ChunkResult) error

// RunEntityChunked drives one entity sync to completion, calling persist
// after every chunk (including the final one) so callers can observe
// progress and survive a restart between chunks. It aborts loudly past
// MaxChunksPerEntity so pagination cycles surface instead of looping
// forever.
func (r *ChunkedRunner) RunEntityChunked(ctx context.Context, req EntitySyncRequest, maxIterations int, persist StatePersister) (totalRecords int64, err error) {
	if maxIterations <= 0 {
		maxIterations = DefaultChunkIterations
	}

	chunks := 0
	for {
		chunks++
		if chunks > MaxChunksPerEntity {
			return totalRecords, fmt.Errorf("sync: entity %s exceeded %d chunks without completing (possible pagination cycle)", req.Entity, MaxChunksPerEntity)
		}

		result, chunkErr := r.executor.RunChunk(ctx, req, maxIterations)
		if chunkErr != nil {
			return totalRecords, chunkErr
		}
		totalRecords += result.RecordsWritten

		if persist != nil {
			if perr := persist(ctx, result); perr != nil {
				return totalRecords, fmt.Errorf("persist chunk state for entity %s: %w", req.Entity, perr)
			}
		}

		r.logger.Debug().
			Str("entity", req.Entity).
			Int("chunk", chunks).
			Bool("completed", result.Completed).
			Int64("totalProcessed", result.State.TotalProcessed).
			Msg("sync: chunk complete")

		if result.Completed {
			return totalRecords, nil
		}

		next := result.State
		req.State = &next
	}
}
