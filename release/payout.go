package release

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"escrowflow/db"
)

// PayoutStatus tracks the off-platform transfer derived from a release.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "PENDING"
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
)

// ErrPayoutNotFound is returned when no payout row matches.
var ErrPayoutNotFound = errors.New("release: payout not found")

// Payout is the scheduled transfer instruction. A FAILED payout is an
// operator-visible error class, never a reason to reverse the release that
// produced it.
type Payout struct {
	ID           string
	DealID       string
	MilestoneID  *string
	LedgerTxID   string
	PayeeID      string
	Gross        decimal.Decimal
	Fee          decimal.Decimal
	Net          decimal.Decimal
	Currency     string
	Status       PayoutStatus
	RailRef      *string
	FailureClass *string
	Retryable    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const payoutColumns = `
id, deal_id, milestone_id, ledger_tx_id, payee_id, gross, fee, net, currency,
status, rail_ref, failure_class, retryable, created_at, updated_at
`

// PayoutRepository persists payout instructions and their rail outcomes.
type PayoutRepository struct{}

func NewPayoutRepository() *PayoutRepository {
	return &PayoutRepository{}
}

func (r *PayoutRepository) Insert(ctx context.Context, q db.Querier, p Payout) (Payout, error) {
	const insertSQL = `
INSERT INTO payouts (id, deal_id, milestone_id, ledger_tx_id, payee_id, gross, fee, net, currency, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'PENDING')
RETURNING ` + payoutColumns
	return scanPayout(q.QueryRow(ctx, insertSQL,
		p.ID, p.DealID, p.MilestoneID, p.LedgerTxID, p.PayeeID,
		p.Gross, p.Fee, p.Net, p.Currency))
}

func (r *PayoutRepository) GetByID(ctx context.Context, q db.Querier, payoutID string) (Payout, error) {
	row := q.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, payoutID)
	p, err := scanPayout(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payout{}, ErrPayoutNotFound
		}
		return Payout{}, fmt.Errorf("release: get payout %s: %w", payoutID, err)
	}
	return p, nil
}

// MarkProcessing records a successful hand-off to the rail.
func (r *PayoutRepository) MarkProcessing(ctx context.Context, q db.Querier, payoutID, railRef string) error {
	const updateSQL = `
UPDATE payouts
SET status = 'PROCESSING', rail_ref = $2, failure_class = NULL, retryable = false, updated_at = now()
WHERE id = $1
`
	if _, err := q.Exec(ctx, updateSQL, payoutID, railRef); err != nil {
		return fmt.Errorf("release: mark payout processing: %w", err)
	}
	return nil
}

// MarkFailed records a rail failure and whether the retry sweep may re-send.
func (r *PayoutRepository) MarkFailed(ctx context.Context, q db.Querier, payoutID, failureClass string, retryable bool) error {
	const updateSQL = `
UPDATE payouts
SET status = 'FAILED', failure_class = $2, retryable = $3, updated_at = now()
WHERE id = $1
`
	if _, err := q.Exec(ctx, updateSQL, payoutID, failureClass, retryable); err != nil {
		return fmt.Errorf("release: mark payout failed: %w", err)
	}
	return nil
}

// MarkCompleted is driven by the rail's callback.
func (r *PayoutRepository) MarkCompleted(ctx context.Context, q db.Querier, payoutID string) error {
	const updateSQL = `
UPDATE payouts SET status = 'COMPLETED', updated_at = now() WHERE id = $1 AND status = 'PROCESSING'
`
	tag, err := q.Exec(ctx, updateSQL, payoutID)
	if err != nil {
		return fmt.Errorf("release: mark payout completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release: payout %s not in PROCESSING", payoutID)
	}
	return nil
}

// ListRetryable returns FAILED payouts the retry sweep may re-send.
func (r *PayoutRepository) ListRetryable(ctx context.Context, q db.Querier, limit int) ([]Payout, error) {
	if limit <= 0 {
		limit = 50
	}
	const listSQL = `
SELECT ` + payoutColumns + `
FROM payouts
WHERE status = 'FAILED' AND retryable
ORDER BY updated_at
LIMIT $1
`
	rows, err := q.Query(ctx, listSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("release: list retryable payouts: %w", err)
	}
	defer rows.Close()

	out := make([]Payout, 0, 8)
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("release: scan payout: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("release: iterate payouts: %w", err)
	}
	return out, nil
}

func scanPayout(row pgx.Row) (Payout, error) {
	var p Payout
	err := row.Scan(
		&p.ID,
		&p.DealID,
		&p.MilestoneID,
		&p.LedgerTxID,
		&p.PayeeID,
		&p.Gross,
		&p.Fee,
		&p.Net,
		&p.Currency,
		&p.Status,
		&p.RailRef,
		&p.FailureClass,
		&p.Retryable,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}
