package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"vouchd.org/internal/ledger"
	"vouchd.org/internal/purchase"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestLoadIndexEmptyDatabase(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select last_scanned, catalog_fingerprint from purchase_index`).
		WillReturnError(errNoRows())

	ix, err := s.LoadIndex(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ix.LastScanned.IsZero() || len(ix.Customers) != 0 {
		t.Fatalf("expected empty index, got %#v", ix)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadIndexPopulated(t *testing.T) {
	s, mock := newMockStore(t)

	scanned := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`select last_scanned, catalog_fingerprint from purchase_index`).
		WillReturnRows(sqlmock.NewRows([]string{"last_scanned", "catalog_fingerprint"}).
			AddRow(scanned, []byte(`["proplugin"]`)))
	mock.ExpectQuery(`select email, resource from purchase_customers`).
		WillReturnRows(sqlmock.NewRows([]string{"email", "resource"}).
			AddRow("alice@example.com", "proplugin"))

	ix, err := s.LoadIndex(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ix.LastScanned.Equal(scanned) {
		t.Fatalf("unexpected watermark: %v", ix.LastScanned)
	}
	if len(ix.CatalogKeys) != 1 || ix.CatalogKeys[0] != "proplugin" {
		t.Fatalf("unexpected fingerprint: %v", ix.CatalogKeys)
	}
	if got := ix.Purchases("alice@example.com"); len(got) != 1 {
		t.Fatalf("unexpected purchases: %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveIndexWritesTransactionally(t *testing.T) {
	s, mock := newMockStore(t)

	ix := purchase.NewIndex()
	ix.Add("alice@example.com", "proplugin")
	ix.LastScanned = time.Now().UTC()
	ix.CatalogKeys = []string{"proplugin"}

	mock.ExpectBegin()
	mock.ExpectExec(`insert into purchase_index`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`delete from purchase_customers`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`insert into purchase_customers`).
		WithArgs("alice@example.com", "proplugin").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SaveIndex(context.Background(), ix); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveLedgerRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	l := ledger.New()
	_ = l.Grant("alice@example.com", "42", "proplugin")

	mock.ExpectBegin()
	mock.ExpectExec(`delete from verified_resources`).
		WillReturnError(errBoom{})
	mock.ExpectRollback()

	if err := s.SaveLedger(context.Background(), l); err == nil {
		t.Fatal("expected save to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadLedger(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`select email, resource, claimant_id from verified_resources`).
		WillReturnRows(sqlmock.NewRows([]string{"email", "resource", "claimant_id"}).
			AddRow("alice@example.com", "proplugin", "42").
			AddRow("bob@example.com", "litetool", "99"))

	l, err := s.LoadLedger(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if claimant, ok := l.Granted("alice@example.com", "proplugin"); !ok || claimant != "42" {
		t.Fatalf("missing grant: %q ok=%v", claimant, ok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func errNoRows() error { return sql.ErrNoRows }
