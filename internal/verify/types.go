package verify

import "errors"

// Claim is one verification attempt: the payer email being claimed, the
// opaque claimant id, and the entitlements the claimant already holds.
// The payer email may belong to someone other than the claimant (gifted
// purchases), which is why the ledger binds resources to claimants.
type Claim struct {
	Email      string
	ClaimantID string
	Held       []string
}

// Status tags a terminal verification outcome.
type Status string

const (
	StatusGranted  Status = "granted"
	StatusRejected Status = "rejected"
)

// Reason explains a rejection. Rejections are outcomes, not errors: the
// user can act on them (fix the email, wait for settlement) or ignore
// them (nothing left to grant).
type Reason string

const (
	// ReasonInvalidEmail: the submitted email fails the syntactic check.
	ReasonInvalidEmail Reason = "invalid_email"
	// ReasonAlreadyComplete: no grantable entitlement remains for this
	// claimant, either because they hold everything or because their
	// purchases add nothing new.
	ReasonAlreadyComplete Reason = "already_complete"
	// ReasonAlreadyVerified: every purchase behind this email is already
	// ledgered, to this claimant or another one.
	ReasonAlreadyVerified Reason = "already_verified"
	// ReasonNoPurchase: no matching transaction was found across the
	// full scan horizon.
	ReasonNoPurchase Reason = "no_purchase_found"
)

// Result is the tagged outcome of a claim. Entitlements is populated
// only for StatusGranted; Reason only for StatusRejected.
type Result struct {
	Status       Status   `json:"status"`
	Entitlements []string `json:"entitlements,omitempty"`
	Reason       Reason   `json:"reason,omitempty"`
}

// Granted builds a successful result.
func Granted(entitlements []string) Result {
	return Result{Status: StatusGranted, Entitlements: entitlements}
}

// Rejected builds a terminal rejection.
func Rejected(reason Reason) Result {
	return Result{Status: StatusRejected, Reason: reason}
}

// ErrPersist wraps a durable-write failure. The verify call is fatal but
// previously persisted state is untouched.
var ErrPersist = errors.New("verify: persist state")
