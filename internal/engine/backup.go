package engine

import (
	"context"
	"fmt"

	"github.com/civicsignal/bulwark/internal/drivers"
	"go.uber.org/zap"
)

// SnapshotRunner implements the orchestrator's backup step by copying
// collections from the authoritative backend into the fallback store. Running
// it ahead of a planned switch means degraded modes start with warm data
// instead of an empty map.
type SnapshotRunner struct {
	source      drivers.Store
	target      drivers.Store
	collections []string
	logger      *zap.Logger
}

// NewSnapshotRunner creates a runner over the default collection set. A step
// may override the set through its "collections" parameter.
func NewSnapshotRunner(source, target drivers.Store, collections []string, logger *zap.Logger) *SnapshotRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotRunner{
		source:      source,
		target:      target,
		collections: collections,
		logger:      logger,
	}
}

// Run copies every record in the selected collections. Partially copied state
// is fine: the fallback only ever serves best-effort data.
func (s *SnapshotRunner) Run(ctx context.Context, params map[string]any) error {
	collections := s.collections
	if raw, ok := params["collections"].([]any); ok && len(raw) > 0 {
		collections = collections[:0:0]
		for _, v := range raw {
			if name, ok := v.(string); ok {
				collections = append(collections, name)
			}
		}
	}

	copied := 0
	for _, collection := range collections {
		keys, err := s.source.List(ctx, collection, "")
		if err != nil {
			return fmt.Errorf("snapshot %s: list: %w", collection, err)
		}
		for _, key := range keys {
			value, err := s.source.Get(ctx, collection, key)
			if err != nil {
				return fmt.Errorf("snapshot %s/%s: %w", collection, key, err)
			}
			if err := s.target.Put(ctx, collection, key, value); err != nil {
				return fmt.Errorf("snapshot %s/%s: put: %w", collection, key, err)
			}
			copied++
		}
	}

	s.logger.Info("fallback snapshot complete",
		zap.Int("collections", len(collections)),
		zap.Int("records", copied))
	return nil
}
