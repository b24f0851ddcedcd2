package purchase

import (
	"context"
	"fmt"
	"slices"
	"time"

	"vouchd.org/internal/catalog"
	"vouchd.org/internal/obs"
)

// Transaction is a processor-neutral view of one settled transaction:
// the payer email and the display text of each purchased line item.
type Transaction struct {
	PayerEmail string
	ItemNames  []string
}

// Source fetches settled transactions for a date range. Implementations
// must reject ranges wider than their processor's maximum window.
type Source interface {
	Transactions(ctx context.Context, start, end time.Time) ([]Transaction, error)
}

const (
	// DefaultWindow is the widest range the reporting API accepts.
	DefaultWindow = 31 * 24 * time.Hour
	// DefaultWindows bounds the walk at roughly three years, the
	// processor's retention guarantee.
	DefaultWindows = 36
)

// Scanner walks transaction history backward from "now" in fixed windows
// and folds resolved purchases into an Index.
type Scanner struct {
	Source  Source
	Catalog *catalog.Catalog

	// Window and Windows default to DefaultWindow/DefaultWindows when zero.
	Window  time.Duration
	Windows int

	// Now is overridable for tests.
	Now func() time.Time
}

func (s *Scanner) window() time.Duration {
	if s.Window <= 0 {
		return DefaultWindow
	}
	return s.Window
}

func (s *Scanner) windows() int {
	if s.Windows <= 0 {
		return DefaultWindows
	}
	return s.Windows
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Refresh brings ix up to date. When the catalog fingerprint mismatches
// or the index has never been scanned, all customer data is rebuilt from
// a full-horizon walk; otherwise the walk stops once it reaches the
// previous watermark. The watermark only advances after an error-free
// walk, so an aborted scan is re-covered by the next attempt.
func (s *Scanner) Refresh(ctx context.Context, ix *Index) error {
	start := time.Now()

	full := ix.LastScanned.IsZero() || !ix.MatchesFingerprint(s.Catalog.Fingerprint())
	if full {
		ix.reset(s.Catalog.Fingerprint())
	}

	scanStart := s.now()
	end := scanStart
	for count := 0; count < s.windows(); count++ {
		if !full && !end.After(ix.LastScanned) {
			break
		}
		winStart := end.Add(-s.window())
		txs, err := s.Source.Transactions(ctx, winStart, end)
		if err != nil {
			return fmt.Errorf("fetch window %s..%s: %w", winStart.Format(time.RFC3339), end.Format(time.RFC3339), err)
		}
		s.fold(ix, txs)
		end = winStart
	}

	ix.LastScanned = scanStart
	ix.CatalogKeys = slices.Clone(s.Catalog.Fingerprint())
	obs.ObserveIndexRefresh(time.Since(start))
	return nil
}

// fold resolves each line item against the catalog and records matches.
// Records without a payer email or a resolvable item are skipped; an
// empty window contributes nothing.
func (s *Scanner) fold(ix *Index, txs []Transaction) {
	for _, tx := range txs {
		if tx.PayerEmail == "" {
			continue
		}
		for _, item := range tx.ItemNames {
			if item == "" {
				continue
			}
			if name, ok := s.Catalog.Match(item); ok {
				ix.Add(tx.PayerEmail, name)
			}
		}
	}
}
