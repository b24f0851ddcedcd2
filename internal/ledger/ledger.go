// Package ledger records which (email, resource) pairs have already
// produced a grant, and under which claimant. Entries are added, never
// removed, except manually out-of-band.
package ledger

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	// ErrResourceClaimed is returned when a resource is already
	// recorded for the email under a different claimant.
	ErrResourceClaimed = errors.New("ledger: resource already claimed")
)

// Record holds everything ledgered for one email: the claimant that
// consumed the purchases and the resources already granted.
type Record struct {
	ClaimantID string    `json:"claimant_id"`
	Resources  []string  `json:"resources"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ledger maps normalized email → Record. The invariant: a resource may
// appear under at most one claimant per email at any time.
type Ledger struct {
	Entries map[string]*Record `json:"entries"`
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{Entries: make(map[string]*Record)}
}

// Record returns a copy of the entry for email, if any.
func (l *Ledger) Record(email string) (Record, bool) {
	rec, ok := l.Entries[normalize(email)]
	if !ok || rec == nil {
		return Record{}, false
	}
	out := Record{ClaimantID: rec.ClaimantID, UpdatedAt: rec.UpdatedAt}
	out.Resources = make([]string, len(rec.Resources))
	copy(out.Resources, rec.Resources)
	return out, true
}

// Granted reports whether resource has been ledgered for email, and to
// which claimant.
func (l *Ledger) Granted(email, resource string) (claimant string, ok bool) {
	rec, exists := l.Entries[normalize(email)]
	if !exists || rec == nil {
		return "", false
	}
	if slices.Contains(rec.Resources, normalize(resource)) {
		return rec.ClaimantID, true
	}
	return "", false
}

// Grant records (email, resource) → claimant. Re-granting to the same
// claimant is a no-op; a resource held by a different claimant returns
// ErrResourceClaimed.
func (l *Ledger) Grant(email, claimant, resource string) error {
	email = normalize(email)
	resource = normalize(resource)
	if email == "" || claimant == "" || resource == "" {
		return errors.New("ledger: email, claimant and resource are required")
	}
	if l.Entries == nil {
		l.Entries = make(map[string]*Record)
	}
	rec, ok := l.Entries[email]
	if !ok || rec == nil {
		l.Entries[email] = &Record{
			ClaimantID: claimant,
			Resources:  []string{resource},
			UpdatedAt:  time.Now().UTC(),
		}
		return nil
	}
	if rec.ClaimantID != claimant {
		return ErrResourceClaimed
	}
	if slices.Contains(rec.Resources, resource) {
		return nil
	}
	rec.Resources = append(rec.Resources, resource)
	slices.Sort(rec.Resources)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// Restore puts back a previously copied record, or deletes the entry
// when the copy reports absence. The verify engine uses this to roll
// back staged grants after a failed durable write.
func (l *Ledger) Restore(email string, rec Record, existed bool) {
	email = normalize(email)
	if !existed {
		delete(l.Entries, email)
		return
	}
	resources := make([]string, len(rec.Resources))
	copy(resources, rec.Resources)
	l.Entries[email] = &Record{
		ClaimantID: rec.ClaimantID,
		Resources:  resources,
		UpdatedAt:  rec.UpdatedAt,
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
