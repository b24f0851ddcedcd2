package purchase

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"vouchd.org/internal/catalog"
)

func TestAddIsIdempotent(t *testing.T) {
	ix := NewIndex()
	if !ix.Add("Alice@Example.com", "ProPlugin") {
		t.Fatal("first add must change the index")
	}
	if ix.Add("alice@example.com", "proplugin") {
		t.Fatal("second add must be a no-op")
	}
	got := ix.Purchases("ALICE@example.com")
	if !reflect.DeepEqual(got, []string{"proplugin"}) {
		t.Fatalf("unexpected purchases: %v", got)
	}
}

func TestPurchasesReturnsSortedCopy(t *testing.T) {
	ix := NewIndex()
	ix.Add("a@b.com", "zeta")
	ix.Add("a@b.com", "alpha")

	got := ix.Purchases("a@b.com")
	if !reflect.DeepEqual(got, []string{"alpha", "zeta"}) {
		t.Fatalf("expected sorted purchases, got %v", got)
	}
	got[0] = "mutated"
	if ix.Purchases("a@b.com")[0] != "alpha" {
		t.Fatal("Purchases must return a copy")
	}
}

func TestIndexJSONRoundTrip(t *testing.T) {
	ix := NewIndex()
	ix.Add("a@b.com", "proplugin")
	ix.LastScanned = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ix.CatalogKeys = []string{"proplugin"}

	data, err := json.Marshal(ix)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Index
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(&back, ix) {
		t.Fatalf("round trip mismatch: %#v vs %#v", back, ix)
	}
}

// recordingSource counts fetches and serves canned transactions for
// every window.
type recordingSource struct {
	calls []struct{ start, end time.Time }
	txs   []Transaction
	err   error
}

func (r *recordingSource) Transactions(ctx context.Context, start, end time.Time) ([]Transaction, error) {
	r.calls = append(r.calls, struct{ start, end time.Time }{start, end})
	if r.err != nil {
		return nil, r.err
	}
	return r.txs, nil
}

func testScanner(t *testing.T, src Source, def string) *Scanner {
	t.Helper()
	c, err := catalog.Parse(def)
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return &Scanner{
		Source:  src,
		Catalog: c,
		Now:     func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func TestRefreshWalksFullHorizon(t *testing.T) {
	src := &recordingSource{txs: []Transaction{
		{PayerEmail: "alice@example.com", ItemNames: []string{"Purchase Resource: ProPlugin | v2"}},
		{PayerEmail: "", ItemNames: []string{"ProPlugin"}},        // malformed: no payer
		{PayerEmail: "carol@example.com", ItemNames: []string{""}}, // malformed: empty item
		{PayerEmail: "dave@example.com", ItemNames: []string{"Something else"}},
	}}
	s := testScanner(t, src, "proplugin:role_1")

	ix := NewIndex()
	if err := s.Refresh(context.Background(), ix); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if len(src.calls) != DefaultWindows {
		t.Fatalf("expected %d windows, got %d", DefaultWindows, len(src.calls))
	}
	for _, call := range src.calls {
		if call.end.Sub(call.start) != DefaultWindow {
			t.Fatalf("window size %v, want %v", call.end.Sub(call.start), DefaultWindow)
		}
	}
	// Windows are contiguous, walking backward.
	if !src.calls[1].end.Equal(src.calls[0].start) {
		t.Fatal("windows must be contiguous")
	}

	if got := ix.Purchases("alice@example.com"); !reflect.DeepEqual(got, []string{"proplugin"}) {
		t.Fatalf("unexpected purchases: %v", got)
	}
	if ix.Purchases("carol@example.com") != nil || ix.Purchases("dave@example.com") != nil {
		t.Fatal("malformed or unmatched records must not be indexed")
	}
	if !ix.LastScanned.Equal(s.now()) {
		t.Fatalf("watermark not advanced: %v", ix.LastScanned)
	}
}

func TestRefreshIsMonotonic(t *testing.T) {
	src := &recordingSource{txs: []Transaction{
		{PayerEmail: "alice@example.com", ItemNames: []string{"ProPlugin v2"}},
	}}
	s := testScanner(t, src, "proplugin:role_1")

	ix := NewIndex()
	if err := s.Refresh(context.Background(), ix); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	first, _ := json.Marshal(ix)

	if err := s.Refresh(context.Background(), ix); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	second, _ := json.Marshal(ix)

	if string(first) != string(second) {
		t.Fatalf("index must converge:\n%s\n%s", first, second)
	}
}

func TestRefreshIncrementalStopsAtWatermark(t *testing.T) {
	src := &recordingSource{}
	s := testScanner(t, src, "proplugin:role_1")

	ix := NewIndex()
	ix.CatalogKeys = s.Catalog.Fingerprint()
	ix.LastScanned = s.now().Add(-2 * DefaultWindow) // two windows behind

	if err := s.Refresh(context.Background(), ix); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(src.calls) != 2 {
		t.Fatalf("expected 2 incremental windows, got %d", len(src.calls))
	}
}

func TestRefreshFingerprintMismatchForcesRescan(t *testing.T) {
	src := &recordingSource{}
	s := testScanner(t, src, "newplugin:role_1")

	ix := NewIndex()
	ix.CatalogKeys = []string{"oldplugin"}
	ix.LastScanned = s.now().Add(-time.Hour)
	ix.Add("alice@example.com", "oldplugin")

	if err := s.Refresh(context.Background(), ix); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(src.calls) != DefaultWindows {
		t.Fatalf("expected full rescan, got %d windows", len(src.calls))
	}
	if ix.Purchases("alice@example.com") != nil {
		t.Fatal("stale customer data must be dropped on rescan")
	}
	if !ix.MatchesFingerprint(s.Catalog.Fingerprint()) {
		t.Fatal("fingerprint must be updated")
	}
}

func TestRefreshErrorLeavesWatermark(t *testing.T) {
	src := &recordingSource{err: context.DeadlineExceeded}
	s := testScanner(t, src, "proplugin:role_1")

	ix := NewIndex()
	ix.CatalogKeys = s.Catalog.Fingerprint()
	watermark := s.now().Add(-DefaultWindow)
	ix.LastScanned = watermark

	if err := s.Refresh(context.Background(), ix); err == nil {
		t.Fatal("expected fetch error to propagate")
	}
	if !ix.LastScanned.Equal(watermark) {
		t.Fatalf("watermark must not advance on error, got %v", ix.LastScanned)
	}
}
