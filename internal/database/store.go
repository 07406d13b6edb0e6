package database

import (
	"context"
	"time"

	"github.com/bardlex/workledger/internal/ledger"
	"github.com/bardlex/workledger/pkg/circuit"
	"github.com/bardlex/workledger/pkg/retry"
)

// ResilientStore guards a record store with a circuit breaker and retries
// transient failures. Ledger rejections pass through untouched and count as
// breaker successes: the store answered, the instruction was wrong.
type ResilientStore struct {
	inner   ledger.Store
	breaker *circuit.Breaker
	retry   *retry.Config
}

// NewResilientStore wraps inner. Nil arguments select the store defaults.
func NewResilientStore(inner ledger.Store, breaker *circuit.Breaker, cfg *retry.Config) *ResilientStore {
	if breaker == nil {
		breaker = circuit.New(&circuit.Config{
			Name:            "record_store",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		})
	}
	if cfg == nil {
		cfg = retry.StoreConfig()
	}
	return &ResilientStore{inner: inner, breaker: breaker, retry: cfg}
}

// Get implements ledger.Reader
func (s *ResilientStore) Get(ctx context.Context, addr ledger.Address) (*ledger.Record, error) {
	return circuit.ExecuteWithResult(ctx, s.breaker, func() (*ledger.Record, error) {
		return retry.DoWithResult(ctx, s.retry, func() (*ledger.Record, error) {
			return s.inner.Get(ctx, addr)
		})
	})
}

// Update implements ledger.Store. fn may run more than once; every run starts
// from committed state.
func (s *ResilientStore) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	var rejection error
	err := s.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, s.retry, func() error {
			rejection = nil
			err := s.inner.Update(ctx, fn)
			if _, ok := ledger.CodeOf(err); ok {
				rejection = err
				return nil
			}
			return err
		})
	})
	if rejection != nil {
		return rejection
	}
	return err
}

// Stats returns the breaker counters
func (s *ResilientStore) Stats() circuit.Stats {
	return s.breaker.GetStats()
}
