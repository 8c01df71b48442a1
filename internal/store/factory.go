package store

import (
	"fmt"

	"go.uber.org/zap"
)

// New constructs a DataStore for the configured backend, mirroring the
// teacher persistence package's backend-selecting factory function.
func New(cfg Config, logger *zap.Logger) (DataStore, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileDataStore(cfg, logger)
	case BackendRedis:
		return NewRedisDataStore(cfg, logger)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
