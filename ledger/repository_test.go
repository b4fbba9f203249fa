package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// fakeRow satisfies pgx.Row with a scripted scan.
type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

// fakeQuerier replays scripted rows for QueryRow calls in order. Exec and
// Query are not used by the paths under test.
type fakeQuerier struct {
	rows []fakeRow
}

func (q *fakeQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	if len(q.rows) == 0 {
		return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
	}
	row := q.rows[0]
	q.rows = q.rows[1:]
	return row
}

func (q *fakeQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (q *fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected Query call")
}

func errRow(err error) fakeRow {
	return fakeRow{scan: func(...any) error { return err }}
}

func balanceRow(funded, released string) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*decimal.Decimal)) = decimal.RequireFromString(funded)
		*(dest[1].(*decimal.Decimal)) = decimal.RequireFromString(released)
		return nil
	}}
}

func transactionRow(entry Transaction) fakeRow {
	return fakeRow{scan: func(dest ...any) error {
		*(dest[0].(*string)) = entry.ID
		*(dest[1].(*string)) = entry.DealID
		*(dest[2].(**string)) = entry.MilestoneID
		*(dest[3].(*EntryType)) = entry.Type
		*(dest[4].(*decimal.Decimal)) = entry.Amount
		*(dest[5].(*string)) = entry.Currency
		*(dest[6].(*string)) = entry.Status
		*(dest[7].(**string)) = entry.IdempotencyKey
		*(dest[8].(*time.Time)) = entry.CreatedAt
		return nil
	}}
}

func TestRecord_CustodyFloor(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	// 500 funded, 400 already out: a 150 release would overdraw custody.
	q := &fakeQuerier{rows: []fakeRow{balanceRow("500.00", "400.00")}}
	_, _, err := repo.Record(ctx, q, RecordParams{
		DealID:   "d1",
		Type:     EntryReleaseToPayee,
		Amount:   decimal.RequireFromString("150.00"),
		Currency: "USD",
	})
	if !errors.Is(err, ErrInsufficientCustody) {
		t.Fatalf("got %v, want ErrInsufficientCustody", err)
	}

	// Debiting custody down to exactly zero is allowed.
	inserted := Transaction{
		ID:        "tx1",
		DealID:    "d1",
		Type:      EntryReleaseToPayee,
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  "USD",
		Status:    "COMMITTED",
		CreatedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	q = &fakeQuerier{rows: []fakeRow{balanceRow("500.00", "400.00"), transactionRow(inserted)}}
	entry, replayed, err := repo.Record(ctx, q, RecordParams{
		DealID:   "d1",
		Type:     EntryReleaseToPayee,
		Amount:   decimal.RequireFromString("100.00"),
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("exact-custody debit: %v", err)
	}
	if replayed || entry.ID != "tx1" {
		t.Fatalf("got (%+v, %v)", entry, replayed)
	}
}

func TestRecord_IdempotentReplay(t *testing.T) {
	repo := NewRepository()
	key := "release-d1"
	existing := Transaction{
		ID:             "tx9",
		DealID:         "d1",
		Type:           EntryFund,
		Amount:         decimal.RequireFromString("500.00"),
		Currency:       "USD",
		Status:         "COMMITTED",
		IdempotencyKey: &key,
		CreatedAt:      time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}

	// Unique violation on insert, then the existing row with identical
	// parameters: a no-op replay returning the original entry.
	q := &fakeQuerier{rows: []fakeRow{
		errRow(&pgconn.PgError{Code: "23505"}),
		transactionRow(existing),
	}}
	entry, replayed, err := repo.Record(context.Background(), q, RecordParams{
		DealID:         "d1",
		Type:           EntryFund,
		Amount:         decimal.RequireFromString("500.00"),
		Currency:       "USD",
		IdempotencyKey: &key,
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replayed || entry.ID != existing.ID {
		t.Fatalf("got (%+v, %v), want replay of tx9", entry, replayed)
	}
}

func TestRecord_IdempotencyConflict(t *testing.T) {
	repo := NewRepository()
	key := "release-d1"
	existing := Transaction{
		ID:             "tx9",
		DealID:         "d1",
		Type:           EntryFund,
		Amount:         decimal.RequireFromString("400.00"),
		Currency:       "USD",
		Status:         "COMMITTED",
		IdempotencyKey: &key,
	}

	// Same key, different amount: the caller is confused, refuse loudly.
	q := &fakeQuerier{rows: []fakeRow{
		errRow(&pgconn.PgError{Code: "23505"}),
		transactionRow(existing),
	}}
	_, _, err := repo.Record(context.Background(), q, RecordParams{
		DealID:         "d1",
		Type:           EntryFund,
		Amount:         decimal.RequireFromString("500.00"),
		Currency:       "USD",
		IdempotencyKey: &key,
	})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("got %v, want ErrIdempotencyConflict", err)
	}
}

func TestRecord_RejectsBadParams(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	q := &fakeQuerier{}

	cases := []struct {
		name string
		p    RecordParams
	}{
		{"missing deal", RecordParams{Type: EntryFund, Amount: decimal.RequireFromString("1.00"), Currency: "USD"}},
		{"unknown type", RecordParams{DealID: "d1", Type: "BONUS", Amount: decimal.RequireFromString("1.00"), Currency: "USD"}},
		{"zero amount", RecordParams{DealID: "d1", Type: EntryFund, Amount: decimal.Zero, Currency: "USD"}},
		{"negative amount", RecordParams{DealID: "d1", Type: EntryFund, Amount: decimal.RequireFromString("-5.00"), Currency: "USD"}},
		{"missing currency", RecordParams{DealID: "d1", Type: EntryFund, Amount: decimal.RequireFromString("1.00")}},
	}
	for _, tc := range cases {
		if _, _, err := repo.Record(ctx, q, tc.p); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestDebitPending_NeverNegative(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()

	// The guarded UPDATE matches no row when the balance is too small.
	q := &fakeQuerier{rows: []fakeRow{errRow(pgx.ErrNoRows)}}
	err := repo.DebitPending(ctx, q, "p1", decimal.RequireFromString("50.00"))
	if !errors.Is(err, ErrPendingBalanceNegative) {
		t.Fatalf("got %v, want ErrPendingBalanceNegative", err)
	}

	q = &fakeQuerier{rows: []fakeRow{{scan: func(dest ...any) error {
		*(dest[0].(*decimal.Decimal)) = decimal.RequireFromString("10.00")
		return nil
	}}}}
	if err := repo.DebitPending(ctx, q, "p1", decimal.RequireFromString("50.00")); err != nil {
		t.Fatalf("covered debit: %v", err)
	}

	if err := repo.DebitPending(ctx, q, "p1", decimal.Zero); err == nil {
		t.Fatal("expected validation error for non-positive debit")
	}
}
