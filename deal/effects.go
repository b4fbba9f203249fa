package deal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/ledger"
)

// effectFunc is a status-coupled side effect executed exactly once per
// applied transition, inside the same transaction as the status write.
type effectFunc func(ctx context.Context, tx pgx.Tx, d *Deal, p TransitionParams) error

// effects maps edges to their side effect. Keeping this in one registry
// (instead of scattering ledger writes across call sites) is what guarantees
// each effect runs exactly once per transition.
func (s *Service) effects() map[edge]effectFunc {
	return map[edge]effectFunc{
		{StatusAwaitingPayment, StatusFunded}:    s.effectFund,
		{StatusFunded, StatusAwaitingShipment}:   s.effectProvisionalCredit,
		{StatusAwaitingShipment, StatusCanceled}: s.effectCancelRollback,
		{StatusFunded, StatusRefunded}:           s.effectRefund,
		{StatusResolved, StatusRefunded}:         s.effectRefund,

		{StatusDeliveredPendingRelease, StatusReleased}: s.effectRequireReleaseEntry,
		{StatusResolved, StatusReleased}:                s.effectRequireReleaseEntry,
		{StatusFunded, StatusReleased}:                  s.effectRequireReleaseEntry,
	}
}

// effectFund appends the FUND ledger entry for the full deal amount.
func (s *Service) effectFund(ctx context.Context, tx pgx.Tx, d *Deal, p TransitionParams) error {
	_, _, err := s.ledger.Record(ctx, tx, ledger.RecordParams{
		DealID:         d.ID,
		Type:           ledger.EntryFund,
		Amount:         d.TotalAmount,
		Currency:       d.Currency,
		IdempotencyKey: p.IdempotencyKey,
	})
	return err
}

// effectProvisionalCredit credits the payee's pending balance when a physical
// deal moves to AWAITING_SHIPMENT.
func (s *Service) effectProvisionalCredit(ctx context.Context, tx pgx.Tx, d *Deal, p TransitionParams) error {
	return s.ledger.CreditPending(ctx, tx, d.PayeeID, d.TotalAmount)
}

// effectCancelRollback reverses the provisional payee credit and refunds the
// payer. Both writes share the transaction with the status write: a rollback
// that succeeds while the status write fails aborts the whole unit and
// surfaces as a retryable error, never as balances out of sync.
func (s *Service) effectCancelRollback(ctx context.Context, tx pgx.Tx, d *Deal, p TransitionParams) error {
	if err := s.ledger.DebitPending(ctx, tx, d.PayeeID, d.TotalAmount); err != nil {
		return err
	}
	return s.effectRefund(ctx, tx, d, p)
}

// effectRefund returns the remaining custody to the payer.
func (s *Service) effectRefund(ctx context.Context, tx pgx.Tx, d *Deal, p TransitionParams) error {
	bal, err := s.ledger.BalanceOf(ctx, tx, d.ID)
	if err != nil {
		return err
	}
	if !bal.Custody.IsPositive() {
		return nil
	}
	_, _, err = s.ledger.Record(ctx, tx, ledger.RecordParams{
		DealID:         d.ID,
		Type:           ledger.EntryRefundToPayer,
		Amount:         bal.Custody,
		Currency:       d.Currency,
		IdempotencyKey: p.IdempotencyKey,
	})
	return err
}

// effectRequireReleaseEntry guards the RELEASED edges: a deal may only reach
// RELEASED if a release ledger entry exists, which the release engine writes
// in the same transaction before applying the transition.
func (s *Service) effectRequireReleaseEntry(ctx context.Context, tx pgx.Tx, d *Deal, p TransitionParams) error {
	const checkSQL = `
SELECT EXISTS (
    SELECT 1 FROM ledger_transactions
    WHERE deal_id = $1 AND type IN ('RELEASE_TO_PAYEE','SPLIT_RELEASE')
)
`
	var exists bool
	if err := tx.QueryRow(ctx, checkSQL, d.ID).Scan(&exists); err != nil {
		return fmt.Errorf("deal: check release entry: %w", err)
	}
	if !exists {
		return fmt.Errorf("deal: transition to RELEASED without a release ledger entry")
	}
	return nil
}
