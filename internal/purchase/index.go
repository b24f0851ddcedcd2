// Package purchase maintains the derived index of payer email →
// purchased resources, built by scanning processor transactions in
// bounded date windows.
package purchase

import (
	"slices"
	"strings"
	"time"
)

// Index is the durable purchase-index document. Customers maps a
// normalized email to the sorted set of resource names seen across all
// scanned transactions. LastScanned is the watermark up to which history
// has been covered; CatalogKeys snapshots the catalog fingerprint the
// index was built against.
type Index struct {
	LastScanned time.Time           `json:"last_scanned"`
	CatalogKeys []string            `json:"catalog_fingerprint"`
	Customers   map[string][]string `json:"customers"`
}

// NewIndex returns an empty, never-scanned index.
func NewIndex() *Index {
	return &Index{Customers: make(map[string][]string)}
}

// Add records that email purchased resource. Adding an already-present
// resource is a no-op, so repeated scans converge to the same state.
// It reports whether the index changed.
func (ix *Index) Add(email, resource string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	resource = strings.ToLower(strings.TrimSpace(resource))
	if email == "" || resource == "" {
		return false
	}
	if ix.Customers == nil {
		ix.Customers = make(map[string][]string)
	}
	owned := ix.Customers[email]
	if slices.Contains(owned, resource) {
		return false
	}
	owned = append(owned, resource)
	slices.Sort(owned)
	ix.Customers[email] = owned
	return true
}

// Purchases returns a sorted copy of the resources recorded for email.
func (ix *Index) Purchases(email string) []string {
	owned := ix.Customers[strings.ToLower(strings.TrimSpace(email))]
	if len(owned) == 0 {
		return nil
	}
	out := make([]string, len(owned))
	copy(out, owned)
	return out
}

// MatchesFingerprint reports whether the stored catalog snapshot equals
// the given fingerprint. A mismatch forces the next refresh to re-walk
// the full horizon.
func (ix *Index) MatchesFingerprint(fingerprint []string) bool {
	return slices.Equal(ix.CatalogKeys, fingerprint)
}

// reset drops all customer data ahead of a full rescan.
func (ix *Index) reset(fingerprint []string) {
	ix.Customers = make(map[string][]string)
	ix.CatalogKeys = slices.Clone(fingerprint)
	ix.LastScanned = time.Time{}
}
