// Package verify implements the reconciliation engine: it refreshes the
// purchase index, cross-references a claim against the verification
// ledger and the claimant's held entitlements, and computes the minimal
// set of new grants.
package verify

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"vouchd.org/internal/catalog"
	"vouchd.org/internal/ledger"
	"vouchd.org/internal/obs"
	"vouchd.org/internal/purchase"
	"vouchd.org/internal/store"
)

var validate = validator.New()

// Engine owns the in-memory purchase index and verification ledger and
// the durable copies behind them. All state is instance-held; there are
// no process-wide singletons.
type Engine struct {
	catalog     *catalog.Catalog
	scanner     *purchase.Scanner
	store       store.Store
	checkLedger bool

	// mu serializes the Refreshing→Ledgering span: both documents are
	// mutated in place, and a concurrent claim observing a half-refreshed
	// index would double-count or miss purchases.
	mu     sync.Mutex
	index  *purchase.Index
	ledger *ledger.Ledger
}

// New loads the durable documents and returns a ready engine.
func New(ctx context.Context, cat *catalog.Catalog, src purchase.Source, st store.Store, checkLedger bool) (*Engine, error) {
	ix, err := st.LoadIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: load index: %w", err)
	}
	led, err := st.LoadLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify: load ledger: %w", err)
	}
	return &Engine{
		catalog:     cat,
		scanner:     &purchase.Scanner{Source: src, Catalog: cat},
		store:       st,
		checkLedger: checkLedger,
		index:       ix,
		ledger:      led,
	}, nil
}

// Ledger returns a copy of the ledger record for email, for the admin
// read surface.
func (e *Engine) Ledger(email string) (ledger.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Record(email)
}

// Refresh updates and persists the purchase index outside of any claim,
// for the periodic background refresh.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshLocked(ctx)
}

func (e *Engine) refreshLocked(ctx context.Context) error {
	if err := e.scanner.Refresh(ctx, e.index); err != nil {
		return err
	}
	// Persistence is deliberately shielded from caller cancellation:
	// either the write completes or it never starts.
	if err := e.store.SaveIndex(context.WithoutCancel(ctx), e.index); err != nil {
		return fmt.Errorf("%w: index: %v", ErrPersist, err)
	}
	return nil
}

// Verify runs one claim through the state machine
// Validating → Refreshing → Matching → Ledgering → Done | Rejected.
// Rejections come back as Results; transport and persistence failures as
// errors, and on those paths no durable state has been altered, so a
// retry is safe.
func (e *Engine) Verify(ctx context.Context, claim Claim) (Result, error) {
	res, err := e.verify(ctx, claim)
	switch {
	case err != nil:
		obs.ObserveVerify("failed")
	case res.Status == StatusGranted:
		obs.ObserveVerify(string(StatusGranted))
	default:
		obs.ObserveVerify(string(res.Reason))
	}
	return res, err
}

func (e *Engine) verify(ctx context.Context, claim Claim) (Result, error) {
	// Validating.
	if validate.Var(claim.Email, "required,email") != nil {
		return Rejected(ReasonInvalidEmail), nil
	}
	if strings.TrimSpace(claim.ClaimantID) == "" {
		return Rejected(ReasonInvalidEmail), nil
	}
	email := strings.ToLower(strings.TrimSpace(claim.Email))

	// Entitlements the claimant could still receive, independent of any
	// purchase history.
	available := make(map[string]struct{})
	for _, ent := range e.catalog.Entitlements() {
		if !slices.Contains(claim.Held, ent) {
			available[ent] = struct{}{}
		}
	}
	if len(available) == 0 {
		return Rejected(ReasonAlreadyComplete), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Refreshing: the claim must observe a consistent, just-refreshed
	// index.
	if err := e.refreshLocked(ctx); err != nil {
		return Result{}, err
	}

	// Matching.
	purchased := e.index.Purchases(email)
	if len(purchased) == 0 {
		return Rejected(ReasonNoPurchase), nil
	}

	var prior ledger.Record
	var priorExists bool
	if e.checkLedger {
		prior, priorExists = e.ledger.Record(email)
		if priorExists && prior.ClaimantID != claim.ClaimantID {
			// Purchases consumed by a different claimant must never be
			// granted twice under different identities.
			purchased = slices.DeleteFunc(purchased, func(r string) bool {
				return slices.Contains(prior.Resources, r)
			})
			if len(purchased) == 0 {
				return Rejected(ReasonAlreadyVerified), nil
			}
		}
	}

	// Ledgering.
	var grants []string
	ledgered := false
	for _, resource := range purchased {
		if e.checkLedger {
			if claimant, ok := e.ledger.Granted(email, resource); ok && claimant == claim.ClaimantID {
				ledgered = true
				continue
			}
		}
		ents, ok := e.catalog.Resolve(resource)
		if !ok {
			continue
		}
		var fresh []string
		for _, ent := range ents {
			if _, ok := available[ent]; ok {
				fresh = append(fresh, ent)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		if e.checkLedger {
			if err := e.ledger.Grant(email, claim.ClaimantID, resource); err != nil {
				// Lost race with the invariant; treat as consumed.
				continue
			}
		}
		for _, ent := range fresh {
			grants = append(grants, ent)
			delete(available, ent)
		}
	}

	if len(grants) == 0 {
		// Roll back any bookkeeping-only changes before rejecting.
		if e.checkLedger {
			e.ledger.Restore(email, prior, priorExists)
		}
		if ledgered {
			return Rejected(ReasonAlreadyVerified), nil
		}
		return Rejected(ReasonAlreadyComplete), nil
	}

	if e.checkLedger {
		if err := e.store.SaveLedger(context.WithoutCancel(ctx), e.ledger); err != nil {
			e.ledger.Restore(email, prior, priorExists)
			return Result{}, fmt.Errorf("%w: ledger: %v", ErrPersist, err)
		}
	}
	return Granted(grants), nil
}
