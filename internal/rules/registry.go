package rules

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// Registry holds the current rule store of a long-running process. Reload swaps in a
// new store atomically; evaluators already handed out keep their store
type Registry struct {
	loader  *Loader
	path    string
	current atomic.Pointer[Store]
	logger  *zap.Logger
}

// NewRegistry loads path once. A failed load is logged and leaves the registry
// without a store, so every drug is deferred until a reload succeeds
func NewRegistry(loader *Loader, path string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = NewLoader(DefaultLoaderConfig(), logger)
	}

	r := &Registry{loader: loader, path: path, logger: logger}
	if _, err := r.Reload(); err != nil {
		logger.Warn("Rule store unavailable, rule adjudication disabled",
			zap.String("path", path),
			zap.Error(err),
		)
	}
	return r
}

// Store returns the current store, or nil when none has been loaded
func (r *Registry) Store() *Store {
	return r.current.Load()
}

// Evaluator returns an evaluator bound to the current store
func (r *Registry) Evaluator() *Evaluator {
	return NewEvaluator(r.Store())
}

// Reload loads the rule document again. On failure the previous store stays current
func (r *Registry) Reload() (*Store, error) {
	if r.path == "" {
		return nil, fmt.Errorf("reload: %w", ErrNotReloadable)
	}

	store, err := r.loader.Load(r.path)
	if err != nil {
		return r.Store(), err
	}

	previous := r.current.Swap(store)
	if previous != store {
		r.logger.Info("Rule store activated",
			zap.String("version", store.Version()),
			zap.String("last_updated", store.LastUpdated()),
			zap.Int("rules", store.Len()),
			zap.String("kinds", FormatKindCounts(store.KindCounts())),
		)
	}
	return store, nil
}
