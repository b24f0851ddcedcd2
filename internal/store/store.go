// Package store defines the persistence contract for the two durable
// documents: the purchase index and the verification ledger. A single
// long-running process owns the durable copies; there is no cross-process
// locking.
package store

import (
	"context"

	"vouchd.org/internal/ledger"
	"vouchd.org/internal/purchase"
)

// Store loads and saves the durable documents. Loads tolerate absence
// (first run) by returning empty, initialized documents. Saves must be
// atomic: a crash mid-save leaves the previous state intact.
type Store interface {
	LoadIndex(ctx context.Context) (*purchase.Index, error)
	SaveIndex(ctx context.Context, ix *purchase.Index) error
	LoadLedger(ctx context.Context) (*ledger.Ledger, error)
	SaveLedger(ctx context.Context, l *ledger.Ledger) error
	Close() error
}
