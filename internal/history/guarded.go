package history

import (
	"context"
	"errors"

	"github.com/drfirst/go-claimcheck/pkg/circuitbreaker"
)

// GuardedStore routes every call of the wrapped store through a circuit breaker.
// While the circuit is open calls fail fast, which the loader and writer turn into
// empty history and zero rows written
type GuardedStore struct {
	store   Store
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedStore wraps store with breaker
func NewGuardedStore(store Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{store: store, breaker: breaker}
}

// Breaker returns the breaker guarding the store
func (g *GuardedStore) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

func (g *GuardedStore) ListTables(ctx context.Context) ([]string, error) {
	res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.store.ListTables(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (g *GuardedStore) CreateTable(ctx context.Context, name string) error {
	return g.breaker.Run(ctx, func() error {
		return g.store.CreateTable(ctx, name)
	})
}

func (g *GuardedStore) InitializeHeaders(ctx context.Context, name string, headers []string) error {
	return g.breaker.Run(ctx, func() error {
		return g.store.InitializeHeaders(ctx, name, headers)
	})
}

func (g *GuardedStore) ReadAllRows(ctx context.Context, name string) ([]Row, error) {
	res, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.store.ReadAllRows(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return res.([]Row), nil
}

// AppendRow passes ErrDuplicateRow through without counting it as a breaker failure
func (g *GuardedStore) AppendRow(ctx context.Context, name string, row Row) error {
	var dup error
	err := g.breaker.Run(ctx, func() error {
		err := g.store.AppendRow(ctx, name, row)
		if errors.Is(err, ErrDuplicateRow) {
			dup = err
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	return dup
}
