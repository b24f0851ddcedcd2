package verify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"vouchd.org/internal/catalog"
	"vouchd.org/internal/paypal"
	"vouchd.org/internal/purchase"
	"vouchd.org/internal/store/file"
)

// fixedSource serves the same transactions for every window.
type fixedSource struct {
	txs []purchase.Transaction
	err error
}

func (f *fixedSource) Transactions(ctx context.Context, start, end time.Time) ([]purchase.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.txs, nil
}

func aliceProPlugin() *fixedSource {
	return &fixedSource{txs: []purchase.Transaction{
		{PayerEmail: "alice@example.com", ItemNames: []string{"Purchase Resource: ProPlugin | v2"}},
	}}
}

func newEngine(t *testing.T, src purchase.Source, def string, checkLedger bool) *Engine {
	t.Helper()
	cat, err := catalog.Parse(def)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	st, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	e, err := New(context.Background(), cat, src, st, checkLedger)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	// Keep scans cheap in tests.
	e.scanner.Windows = 3
	return e
}

func TestVerifyGrantsForPurchase(t *testing.T) {
	e := newEngine(t, aliceProPlugin(), "proplugin:role_1", true)

	res, err := e.Verify(context.Background(), Claim{
		Email:      "Alice@Example.com", // mixed case must normalize
		ClaimantID: "42",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Status != StatusGranted {
		t.Fatalf("expected grant, got %#v", res)
	}
	if !reflect.DeepEqual(res.Entitlements, []string{"role_1"}) {
		t.Fatalf("unexpected entitlements: %v", res.Entitlements)
	}

	rec, ok := e.Ledger("alice@example.com")
	if !ok || rec.ClaimantID != "42" {
		t.Fatalf("expected ledger entry for claimant 42, got %#v ok=%v", rec, ok)
	}
}

func TestVerifyRepeatIsAlreadyVerified(t *testing.T) {
	e := newEngine(t, aliceProPlugin(), "proplugin:role_1", true)
	ctx := context.Background()
	claim := Claim{Email: "alice@example.com", ClaimantID: "42"}

	first, err := e.Verify(ctx, claim)
	if err != nil || first.Status != StatusGranted {
		t.Fatalf("first verify: %#v err=%v", first, err)
	}

	second, err := e.Verify(ctx, claim)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if second.Status != StatusRejected || second.Reason != ReasonAlreadyVerified {
		t.Fatalf("expected already_verified, got %#v", second)
	}
}

func TestVerifyNeverGrantsAcrossClaimants(t *testing.T) {
	e := newEngine(t, aliceProPlugin(), "proplugin:role_1", true)
	ctx := context.Background()

	if res, err := e.Verify(ctx, Claim{Email: "alice@example.com", ClaimantID: "42"}); err != nil || res.Status != StatusGranted {
		t.Fatalf("seed verify: %#v err=%v", res, err)
	}

	res, err := e.Verify(ctx, Claim{Email: "alice@example.com", ClaimantID: "99"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Status != StatusRejected {
		t.Fatalf("claimant 99 must not receive the grant: %#v", res)
	}
	if len(res.Entitlements) != 0 {
		t.Fatalf("no entitlements may leak: %v", res.Entitlements)
	}

	rec, _ := e.Ledger("alice@example.com")
	if rec.ClaimantID != "42" {
		t.Fatalf("ledger must still attribute to 42, got %s", rec.ClaimantID)
	}
}

func TestVerifyNoPurchaseFound(t *testing.T) {
	e := newEngine(t, aliceProPlugin(), "proplugin:role_1", true)

	res, err := e.Verify(context.Background(), Claim{Email: "bob@example.com", ClaimantID: "7"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Status != StatusRejected || res.Reason != ReasonNoPurchase {
		t.Fatalf("expected no_purchase_found, got %#v", res)
	}
}

func TestVerifyAlreadyCompleteWhenHoldingEverything(t *testing.T) {
	e := newEngine(t, aliceProPlugin(), "proplugin:role_1", true)

	res, err := e.Verify(context.Background(), Claim{
		Email:      "alice@example.com",
		ClaimantID: "42",
		Held:       []string{"role_1"},
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Status != StatusRejected || res.Reason != ReasonAlreadyComplete {
		t.Fatalf("expected already_complete, got %#v", res)
	}
	if _, ok := e.Ledger("alice@example.com"); ok {
		t.Fatal("rejection must not create a ledger entry")
	}
}

func TestVerifyInvalidEmail(t *testing.T) {
	e := newEngine(t, aliceProPlugin(), "proplugin:role_1", true)

	for _, email := range []string{"", "not-an-email", "a@b", "spaces in@mail.com"} {
		res, err := e.Verify(context.Background(), Claim{Email: email, ClaimantID: "42"})
		if err != nil {
			t.Fatalf("verify(%q): %v", email, err)
		}
		if res.Status != StatusRejected || res.Reason != ReasonInvalidEmail {
			t.Fatalf("expected invalid_email for %q, got %#v", email, res)
		}
	}
}

func TestVerifyRemoteFailureMutatesNothing(t *testing.T) {
	src := &fixedSource{err: errors.New("processor down")}
	e := newEngine(t, src, "proplugin:role_1", true)

	_, err := e.Verify(context.Background(), Claim{Email: "alice@example.com", ClaimantID: "42"})
	if err == nil {
		t.Fatal("expected transport error to surface")
	}
	if _, ok := e.Ledger("alice@example.com"); ok {
		t.Fatal("failed verify must not ledger anything")
	}

	// A retry after recovery succeeds cleanly.
	src.err = nil
	src.txs = aliceProPlugin().txs
	res, err := e.Verify(context.Background(), Claim{Email: "alice@example.com", ClaimantID: "42"})
	if err != nil || res.Status != StatusGranted {
		t.Fatalf("retry after recovery: %#v err=%v", res, err)
	}
}

func TestVerifyLedgerDisabled(t *testing.T) {
	e := newEngine(t, aliceProPlugin(), "proplugin:role_1", false)
	ctx := context.Background()
	claim := Claim{Email: "alice@example.com", ClaimantID: "42"}

	res, err := e.Verify(ctx, claim)
	if err != nil || res.Status != StatusGranted {
		t.Fatalf("first verify: %#v err=%v", res, err)
	}
	if _, ok := e.Ledger("alice@example.com"); ok {
		t.Fatal("ledger must stay empty when the check is disabled")
	}

	// With the ledger off, only held entitlements bound repeat grants.
	res, err = e.Verify(ctx, claim)
	if err != nil || res.Status != StatusGranted {
		t.Fatalf("repeat verify without ledger: %#v err=%v", res, err)
	}
	res, err = e.Verify(ctx, Claim{Email: "alice@example.com", ClaimantID: "42", Held: []string{"role_1"}})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Status != StatusRejected || res.Reason != ReasonAlreadyComplete {
		t.Fatalf("expected already_complete, got %#v", res)
	}
}

func TestVerifySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cat, _ := catalog.Parse("proplugin:role_1")
	src := aliceProPlugin()
	ctx := context.Background()

	st, _ := file.Open(dir)
	e, err := New(ctx, cat, src, st, true)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e.scanner.Windows = 2
	if res, err := e.Verify(ctx, Claim{Email: "alice@example.com", ClaimantID: "42"}); err != nil || res.Status != StatusGranted {
		t.Fatalf("verify: %#v err=%v", res, err)
	}

	// New process over the same files: the grant must not repeat.
	st2, _ := file.Open(dir)
	e2, err := New(ctx, cat, src, st2, true)
	if err != nil {
		t.Fatalf("engine restart: %v", err)
	}
	e2.scanner.Windows = 2
	res, err := e2.Verify(ctx, Claim{Email: "alice@example.com", ClaimantID: "42"})
	if err != nil {
		t.Fatalf("verify after restart: %v", err)
	}
	if res.Status != StatusRejected || res.Reason != ReasonAlreadyVerified {
		t.Fatalf("expected already_verified after restart, got %#v", res)
	}
}

// TestVerifyRecoversFromExpiredCredential drives a real processor client
// against a stub API whose first reporting call returns 401: the claim
// must still complete without surfacing the transient failure.
func TestVerifyRecoversFromExpiredCredential(t *testing.T) {
	authFailures := 1
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/v1/reporting/transactions", func(w http.ResponseWriter, r *http.Request) {
		if authFailures > 0 {
			authFailures--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total_pages": 1,
			"transaction_details": []map[string]any{{
				"payer_info": map[string]any{"email_address": "alice@example.com"},
				"cart_info": map[string]any{
					"item_details": []map[string]any{{"item_name": "Purchase Resource: ProPlugin | v2"}},
				},
			}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := paypal.New("cid", "secret",
		paypal.WithEndpoint(srv.URL),
		paypal.WithHTTPClient(srv.Client()),
		paypal.WithRateLimit(1000, 1000),
	)
	e := newEngine(t, client, "proplugin:role_1", true)

	res, err := e.Verify(context.Background(), Claim{Email: "alice@example.com", ClaimantID: "42"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Status != StatusGranted {
		t.Fatalf("expected grant despite expired credential, got %#v", res)
	}
}
