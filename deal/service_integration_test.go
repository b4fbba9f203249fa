package deal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/ledger"
)

// TestLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL and
// walks a physical deal through funding, shipment, and cancellation, checking
// the ledger and pending-balance effects at each step.
func TestLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "deals") || !tableExists(ctx, t, pool, "ledger_transactions") || !tableExists(ctx, t, pool, "party_balances") {
		t.Skip("database schema missing; apply migrations first")
	}

	var payerID, payeeID string
	suffix := time.Now().UnixNano()
	if err := pool.QueryRow(ctx, `INSERT INTO parties (email, display_name, password_hash, role) VALUES ($1, 'Pat Payer', 'x', 'payer') RETURNING id`,
		fmt.Sprintf("pat+%d@example.com", suffix)).Scan(&payerID); err != nil {
		t.Fatalf("seed payer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO parties (email, display_name, password_hash, role) VALUES ($1, 'Sam Seller', 'x', 'payee') RETURNING id`,
		fmt.Sprintf("sam+%d@example.com", suffix)).Scan(&payeeID); err != nil {
		t.Fatalf("seed payee: %v", err)
	}

	svc := NewService(pool, nil, nil)
	ledgerRepo := ledger.NewRepository()

	d, err := svc.Create(ctx, CreateParams{
		PayerID:     payerID,
		PayeeID:     payeeID,
		TotalAmount: decimal.RequireFromString("500.00"),
		Currency:    "USD",
		Category:    CategoryPhysical,
		FeeRateBps:  250,
	})
	if err != nil {
		t.Fatalf("create deal: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM events WHERE deal_id = $1`, d.ID)
		pool.Exec(ctx2, `DELETE FROM ledger_transactions WHERE deal_id = $1`, d.ID)
		pool.Exec(ctx2, `DELETE FROM deals WHERE id = $1`, d.ID)
		pool.Exec(ctx2, `DELETE FROM party_balances WHERE party_id IN ($1, $2)`, payerID, payeeID)
		pool.Exec(ctx2, `DELETE FROM parties WHERE id IN ($1, $2)`, payerID, payeeID)
	})

	if d.Status != StatusAwaitingPayment {
		t.Fatalf("new deal status = %s, want AWAITING_PAYMENT", d.Status)
	}

	// Funding appends the FUND entry in the same transaction.
	fundKey := fmt.Sprintf("itest-fund-%d", suffix)
	if err := svc.ApplyTransition(ctx, TransitionParams{
		DealID:         d.ID,
		Target:         StatusFunded,
		ActorRole:      RoleSystem,
		IdempotencyKey: &fundKey,
		Reason:         "payment confirmed",
	}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	bal, err := ledgerRepo.BalanceOf(ctx, pool, d.ID)
	if err != nil {
		t.Fatalf("balance after funding: %v", err)
	}
	if !bal.Custody.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("custody after funding = %s, want 500.00", bal.Custody)
	}

	// Shipment credits the payee's pending balance.
	if err := svc.ApplyTransition(ctx, TransitionParams{
		DealID: d.ID, Target: StatusAwaitingShipment, ActorID: payeeID, ActorRole: RolePayee,
	}); err != nil {
		t.Fatalf("to awaiting shipment: %v", err)
	}
	pending, err := ledgerRepo.PendingOf(ctx, pool, payeeID)
	if err != nil {
		t.Fatalf("pending after shipment: %v", err)
	}
	if !pending.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("pending = %s, want 500.00", pending)
	}

	// Cancellation rolls the provisional credit back and refunds the payer,
	// all in one transaction with the status write.
	cancelKey := fmt.Sprintf("itest-cancel-%d", suffix)
	if err := svc.ApplyTransition(ctx, TransitionParams{
		DealID:         d.ID,
		Target:         StatusCanceled,
		ActorID:        payerID,
		ActorRole:      RolePayer,
		IdempotencyKey: &cancelKey,
		Reason:         "changed my mind",
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	pending, err = ledgerRepo.PendingOf(ctx, pool, payeeID)
	if err != nil {
		t.Fatalf("pending after cancel: %v", err)
	}
	if !pending.IsZero() {
		t.Fatalf("pending after cancel = %s, want 0", pending)
	}
	bal, err = ledgerRepo.BalanceOf(ctx, pool, d.ID)
	if err != nil {
		t.Fatalf("balance after cancel: %v", err)
	}
	if !bal.Custody.IsZero() {
		t.Fatalf("custody after cancel = %s, want 0", bal.Custody)
	}

	got, err := svc.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("reload deal: %v", err)
	}
	if got.Status != StatusCanceled {
		t.Fatalf("final status = %s, want CANCELED", got.Status)
	}
	if got.Version != d.Version+3 {
		t.Fatalf("version = %d, want %d", got.Version, d.Version+3)
	}

	// Terminal states accept nothing.
	err = svc.ApplyTransition(ctx, TransitionParams{
		DealID: d.ID, Target: StatusFunded, ActorRole: RoleSystem,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("transition out of CANCELED: got %v, want ErrInvalidTransition", err)
	}

	// Stale optimistic expectations are rejected.
	err = svc.ApplyTransition(ctx, TransitionParams{
		DealID: d.ID, Target: StatusCanceled, ActorRole: RoleAdmin, ExpectedStatus: StatusAwaitingShipment,
	})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("stale expected status: got %v, want ErrConcurrentModification", err)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
