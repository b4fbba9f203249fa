package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"escrowflow/db"
)

var (
	// ErrInsufficientCustody signals a release or refund that would drive the
	// custody balance negative. This is an integrity violation, not a user
	// error: callers must abort and alert, never retry.
	ErrInsufficientCustody = errors.New("ledger: insufficient custody balance")
	// ErrIdempotencyConflict signals a reused idempotency key with different
	// parameters than the original entry.
	ErrIdempotencyConflict = errors.New("ledger: idempotency key reused with different parameters")
	// ErrPendingBalanceNegative signals a pending-balance debit larger than
	// the current pending credit.
	ErrPendingBalanceNegative = errors.New("ledger: pending balance would go negative")
)

// RecordParams describes one ledger append.
type RecordParams struct {
	DealID      string
	MilestoneID *string
	Type        EntryType
	Amount      decimal.Decimal
	Currency    string
	// IdempotencyKey, when set, makes the append retry-safe: a duplicate key
	// with identical deal/type/amount returns the original row as a no-op.
	IdempotencyKey *string
}

// Repository appends and derives from the ledger. All methods take a querier
// so fund-moving callers can run them under their own deal-scoped lock.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Record appends one entry. For custody-debiting types it recomputes the
// custody balance inside the same querier first; the check is the last line
// of defense against double-release bugs, so callers must hold the deal row
// lock when recording debits.
//
// The returned bool is true when the row already existed for the supplied
// idempotency key (no-op replay).
func (r *Repository) Record(ctx context.Context, q db.Querier, p RecordParams) (Transaction, bool, error) {
	if p.DealID == "" {
		return Transaction{}, false, fmt.Errorf("ledger: missing deal id")
	}
	if !validEntryType(p.Type) {
		return Transaction{}, false, fmt.Errorf("ledger: invalid entry type %q", p.Type)
	}
	if !p.Amount.IsPositive() {
		return Transaction{}, false, fmt.Errorf("ledger: amount must be positive, got %s", p.Amount)
	}
	if p.Currency == "" {
		return Transaction{}, false, fmt.Errorf("ledger: missing currency")
	}

	if debitsCustody(p.Type) {
		bal, err := r.BalanceOf(ctx, q, p.DealID)
		if err != nil {
			return Transaction{}, false, err
		}
		if bal.Custody.Sub(p.Amount).IsNegative() {
			return Transaction{}, false, fmt.Errorf("%w: custody=%s debit=%s deal=%s",
				ErrInsufficientCustody, bal.Custody, p.Amount, p.DealID)
		}
	}

	const insertSQL = `
INSERT INTO ledger_transactions (deal_id, milestone_id, type, amount, currency, status, idempotency_key)
VALUES ($1, $2, $3, $4, $5, 'COMMITTED', $6)
RETURNING id, deal_id, milestone_id, type, amount, currency, status, idempotency_key, created_at
`
	entry, err := scanTransaction(q.QueryRow(ctx, insertSQL,
		p.DealID, p.MilestoneID, p.Type, p.Amount, p.Currency, p.IdempotencyKey))
	if err == nil {
		return entry, false, nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && p.IdempotencyKey != nil {
		existing, ferr := r.byIdempotencyKey(ctx, q, *p.IdempotencyKey)
		if ferr != nil {
			return Transaction{}, false, fmt.Errorf("ledger: fetch duplicate entry: %w", ferr)
		}
		if existing.DealID != p.DealID || existing.Type != p.Type || !existing.Amount.Equal(p.Amount) {
			return Transaction{}, false, fmt.Errorf("%w: key=%s", ErrIdempotencyConflict, *p.IdempotencyKey)
		}
		return existing, true, nil
	}

	return Transaction{}, false, fmt.Errorf("ledger: insert entry: %w", err)
}

// BalanceOf reconstructs the balance from the append-only log. No running
// counters are kept anywhere; correctness comes from recomputation.
func (r *Repository) BalanceOf(ctx context.Context, q db.Querier, dealID string) (Balance, error) {
	const sumSQL = `
SELECT COALESCE(SUM(amount) FILTER (WHERE type = 'FUND'), 0),
       COALESCE(SUM(amount) FILTER (WHERE type IN ('RELEASE_TO_PAYEE','REFUND_TO_PAYER','SPLIT_RELEASE')), 0)
FROM ledger_transactions
WHERE deal_id = $1
`
	var funded, released decimal.Decimal
	if err := q.QueryRow(ctx, sumSQL, dealID).Scan(&funded, &released); err != nil {
		return Balance{}, fmt.Errorf("ledger: balance of %s: %w", dealID, err)
	}
	return Balance{
		Funded:   funded,
		Released: released,
		Custody:  funded.Sub(released),
	}, nil
}

// History returns all entries for a deal in append order.
func (r *Repository) History(ctx context.Context, q db.Querier, dealID string) ([]Transaction, error) {
	const listSQL = `
SELECT id, deal_id, milestone_id, type, amount, currency, status, idempotency_key, created_at
FROM ledger_transactions
WHERE deal_id = $1
ORDER BY created_at, id
`
	rows, err := q.Query(ctx, listSQL, dealID)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	defer rows.Close()

	out := make([]Transaction, 0, 8)
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan history: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate history: %w", err)
	}
	return out, nil
}

// CreditPending adds a provisional credit to a party's pending balance.
func (r *Repository) CreditPending(ctx context.Context, q db.Querier, partyID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: pending credit must be positive, got %s", amount)
	}
	const upsertSQL = `
INSERT INTO party_balances (party_id, pending)
VALUES ($1, $2)
ON CONFLICT (party_id) DO UPDATE
SET pending = party_balances.pending + EXCLUDED.pending,
    updated_at = now()
`
	if _, err := q.Exec(ctx, upsertSQL, partyID, amount); err != nil {
		return fmt.Errorf("ledger: credit pending: %w", err)
	}
	return nil
}

// DebitPending removes a provisional credit. The guarded UPDATE makes the
// never-negative invariant hold even under concurrent debits.
func (r *Repository) DebitPending(ctx context.Context, q db.Querier, partyID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: pending debit must be positive, got %s", amount)
	}
	const debitSQL = `
UPDATE party_balances
SET pending = pending - $2,
    updated_at = now()
WHERE party_id = $1 AND pending >= $2
RETURNING pending
`
	var remaining decimal.Decimal
	err := q.QueryRow(ctx, debitSQL, partyID, amount).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: party=%s debit=%s", ErrPendingBalanceNegative, partyID, amount)
		}
		return fmt.Errorf("ledger: debit pending: %w", err)
	}
	return nil
}

// PendingOf returns a party's current pending balance.
func (r *Repository) PendingOf(ctx context.Context, q db.Querier, partyID string) (decimal.Decimal, error) {
	var pending decimal.Decimal
	err := q.QueryRow(ctx, `SELECT pending FROM party_balances WHERE party_id = $1`, partyID).Scan(&pending)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("ledger: pending of %s: %w", partyID, err)
	}
	return pending, nil
}

func (r *Repository) byIdempotencyKey(ctx context.Context, q db.Querier, key string) (Transaction, error) {
	const selectSQL = `
SELECT id, deal_id, milestone_id, type, amount, currency, status, idempotency_key, created_at
FROM ledger_transactions
WHERE idempotency_key = $1
`
	return scanTransaction(q.QueryRow(ctx, selectSQL, key))
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var entry Transaction
	err := row.Scan(
		&entry.ID,
		&entry.DealID,
		&entry.MilestoneID,
		&entry.Type,
		&entry.Amount,
		&entry.Currency,
		&entry.Status,
		&entry.IdempotencyKey,
		&entry.CreatedAt,
	)
	return entry, err
}
