package release

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrowflow/db"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/event"
	"escrowflow/ledger"
	"escrowflow/milestone"
	"escrowflow/notify"
)

// ErrDisputeActive signals a release blocked by the freeze guard. Not
// retryable until the dispute resolves.
var ErrDisputeActive = errors.New("release: blocked by active dispute")

// ErrNotEligible wraps non-dispute eligibility failures with their stable
// reason string.
var ErrNotEligible = errors.New("release: not eligible")

// railCallTimeout bounds the payout-issuing call. A rail timeout must not
// block the already-committed release.
const railCallTimeout = 10 * time.Second

// Engine orchestrates eligibility and performs the atomic release: ledger
// entry, fee, status transition, payout scheduling — one transaction under
// the deal row lock.
type Engine struct {
	pool        *pgxpool.Pool
	deals       *deal.Repository
	dealService *deal.Service
	milestones  *milestone.Repository
	ledger      *ledger.Repository
	payouts     *PayoutRepository
	guard       *dispute.Guard
	rail        PaymentRail
	events      *event.Logger
	notifier    notify.Notifier
	log         zerolog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewEngine(pool *pgxpool.Pool, dealService *deal.Service, rail PaymentRail, notifier notify.Notifier, log zerolog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Engine{
		pool:        pool,
		deals:       deal.NewRepository(),
		dealService: dealService,
		milestones:  milestone.NewRepository(),
		ledger:      ledger.NewRepository(),
		payouts:     NewPayoutRepository(),
		guard:       dispute.NewGuard(pool),
		rail:        rail,
		events:      event.NewLogger(),
		notifier:    notifier,
		log:         log.With().Str("component", "release_engine").Logger(),
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithClock replaces the engine's clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ComputeEligibility runs the gate chain against current data without taking
// the deal lock. Cheap pre-filtering only: Release re-runs the same chain
// under the lock before moving money.
func (e *Engine) ComputeEligibility(ctx context.Context, dealID string, milestoneID *string, now time.Time) (Eligibility, error) {
	frozen, err := e.guard.IsFrozen(ctx, dealID, milestoneID)
	if err != nil {
		// Fail closed: report the freeze alongside the error.
		return ineligible(ReasonFrozenByDispute), err
	}
	d, err := e.deals.GetByID(ctx, e.pool, dealID)
	if err != nil {
		return Eligibility{}, err
	}
	var milestones []milestone.Milestone
	if milestoneID != nil {
		if milestones, err = e.milestones.ListByDeal(ctx, e.pool, dealID); err != nil {
			return Eligibility{}, err
		}
	}
	return Evaluate(d, frozen, milestones, milestoneID, now), nil
}

// ReleaseParams describes one release request.
type ReleaseParams struct {
	DealID      string
	MilestoneID *string
	ActorID     string
	ActorRole   deal.Role
	// IdempotencyKey makes retries of the same logical release no-ops. The
	// sweep derives keys from the candidate snapshot; user requests pass
	// client-supplied keys. Empty means no replay protection beyond status.
	IdempotencyKey string
	Reason         string
}

// ReleaseResult reports what the release produced. Replayed is true when the
// idempotency key matched an earlier committed release and nothing new was
// written.
type ReleaseResult struct {
	Entry    ledger.Transaction
	FeeEntry *ledger.Transaction
	Payout   *Payout
	Replayed bool
}

// Release re-validates eligibility under the per-deal lock, then commits the
// release as one unit. The rail call happens after commit: a committed
// release is never reversed, and a failed payout surfaces as a FAILED payout
// row for the retry sweep, not as a request error.
func (e *Engine) Release(ctx context.Context, p ReleaseParams) (ReleaseResult, error) {
	if p.DealID == "" {
		return ReleaseResult{}, fmt.Errorf("release: deal id required")
	}
	if p.ActorRole == "" {
		p.ActorRole = deal.RoleSystem
	}

	result, payoutID, err := e.releaseTx(ctx, p)
	if err != nil || result.Replayed {
		return result, err
	}

	e.issuePayout(ctx, payoutID, result)

	notify.Dispatch(func() {
		e.notifier.ReleaseCompleted(context.Background(), notify.ReleaseNotice{
			DealID:      p.DealID,
			MilestoneID: p.MilestoneID,
			PayeeID:     result.Payout.PayeeID,
			NetAmount:   result.Payout.Net,
			Currency:    result.Payout.Currency,
		})
	})
	return result, nil
}

// releaseTx is the locked, transactional core of Release.
func (e *Engine) releaseTx(ctx context.Context, p ReleaseParams) (ReleaseResult, string, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return ReleaseResult{}, "", fmt.Errorf("release: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := e.deals.GetForUpdate(ctx, tx, p.DealID)
	if err != nil {
		return ReleaseResult{}, "", err
	}

	// Mandatory first gate, re-checked under the lock and fail-closed.
	frozen, err := e.guard.IsFrozenQ(ctx, tx, p.DealID, p.MilestoneID)
	if err != nil {
		return ReleaseResult{}, "", fmt.Errorf("%w: %v", ErrDisputeActive, err)
	}

	var milestones []milestone.Milestone
	if p.MilestoneID != nil {
		if milestones, err = e.milestones.ListByDeal(ctx, tx, p.DealID); err != nil {
			return ReleaseResult{}, "", err
		}
	}

	now := e.now().UTC()
	elig := Evaluate(d, frozen, milestones, p.MilestoneID, now)
	if !elig.Eligible {
		if elig.Reason == ReasonFrozenByDispute {
			return ReleaseResult{}, "", fmt.Errorf("%w: dispute %s", ErrDisputeActive, frozen.DisputeID)
		}
		return ReleaseResult{}, "", fmt.Errorf("%w: %s", ErrNotEligible, elig.Reason)
	}
	if p.ActorRole == deal.RoleSystem {
		// Unattended releases re-verify the deadline against the locked rows.
		// The sweep's candidate scan can be stale: a revision or re-delivery
		// between scan and lock restarts the window.
		if unattended := EvaluateUnattended(d, milestones, p.MilestoneID, now); !unattended.Eligible {
			return ReleaseResult{}, "", fmt.Errorf("%w: %s", ErrNotEligible, unattended.Reason)
		}
	}

	gross, entryType, target, err := e.grossFor(ctx, tx, d, milestones, p.MilestoneID)
	if err != nil {
		return ReleaseResult{}, "", err
	}

	idemKey := p.IdempotencyKey
	if idemKey == "" {
		idemKey = e.idGenerator()
	}
	entry, replayed, err := e.ledger.Record(ctx, tx, ledger.RecordParams{
		DealID:         d.ID,
		MilestoneID:    p.MilestoneID,
		Type:           entryType,
		Amount:         gross,
		Currency:       d.Currency,
		IdempotencyKey: &idemKey,
	})
	if err != nil {
		return ReleaseResult{}, "", err
	}
	if replayed {
		// An earlier call already committed this release; nothing to redo.
		return ReleaseResult{Entry: entry, Replayed: true}, "", nil
	}

	result := ReleaseResult{Entry: entry}

	fee := feeFor(gross, d.FeeRateBps)
	if fee.IsPositive() {
		feeKey := idemKey + ":fee"
		feeEntry, _, err := e.ledger.Record(ctx, tx, ledger.RecordParams{
			DealID:         d.ID,
			MilestoneID:    p.MilestoneID,
			Type:           ledger.EntryFee,
			Amount:         fee,
			Currency:       d.Currency,
			IdempotencyKey: &feeKey,
		})
		if err != nil {
			return ReleaseResult{}, "", err
		}
		result.FeeEntry = &feeEntry
	}

	finalRelease := p.MilestoneID == nil
	if target != nil {
		const releaseMilestoneSQL = `
UPDATE milestones SET status = 'RELEASED', released_at = $2, updated_at = $2 WHERE id = $1
`
		if _, err := tx.Exec(ctx, releaseMilestoneSQL, target.ID, now); err != nil {
			return ReleaseResult{}, "", fmt.Errorf("release: mark milestone released: %w", err)
		}
		remaining := 0
		for _, m := range milestones {
			if m.ID != target.ID && !m.Released() {
				remaining++
			}
		}
		finalRelease = remaining == 0
	}

	if finalRelease {
		// The deal close is a consequence of the release, not a separate user
		// action, so it always runs on the system edge; the human actor stays
		// on the RELEASE_EXECUTED event below. A payer approving the last
		// milestone of a split deal would otherwise be refused the
		// FUNDED -> RELEASED edge, which the table grants to the system only.
		if err := e.dealService.ApplyTransitionTx(ctx, tx, &d, deal.TransitionParams{
			DealID:    d.ID,
			Target:    deal.StatusReleased,
			ActorID:   p.ActorID,
			ActorRole: deal.RoleSystem,
			Reason:    p.Reason,
		}); err != nil {
			return ReleaseResult{}, "", err
		}
	}

	net := gross.Sub(fee)
	payout, err := e.payouts.Insert(ctx, tx, Payout{
		ID:          e.idGenerator(),
		DealID:      d.ID,
		MilestoneID: p.MilestoneID,
		LedgerTxID:  entry.ID,
		PayeeID:     d.PayeeID,
		Gross:       gross,
		Fee:         fee,
		Net:         net,
		Currency:    d.Currency,
	})
	if err != nil {
		return ReleaseResult{}, "", fmt.Errorf("release: insert payout: %w", err)
	}
	result.Payout = &payout

	if err := e.events.Append(ctx, tx, event.Entry{
		DealID:    d.ID,
		ActorType: string(p.ActorRole),
		ActorID:   optional(p.ActorID),
		EventType: "RELEASE_EXECUTED",
		Payload: map[string]any{
			"ledger_tx_id": entry.ID,
			"payout_id":    payout.ID,
			"milestone_id": p.MilestoneID,
			"gross":        gross.String(),
			"fee":          fee.String(),
			"net":          net.String(),
			"reason":       p.Reason,
		},
	}); err != nil {
		return ReleaseResult{}, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return ReleaseResult{}, "", fmt.Errorf("release: commit: %w", err)
	}
	return result, payout.ID, nil
}

// grossFor resolves the amount, entry type, and target milestone for the
// release. Deal-level releases move the remaining custody (milestone splits
// may have preceded); milestone releases move the milestone amount.
func (e *Engine) grossFor(ctx context.Context, q db.Querier, d deal.Deal, milestones []milestone.Milestone, milestoneID *string) (decimal.Decimal, ledger.EntryType, *milestone.Milestone, error) {
	if milestoneID == nil {
		bal, err := e.ledger.BalanceOf(ctx, q, d.ID)
		if err != nil {
			return decimal.Zero, "", nil, err
		}
		if !bal.Custody.IsPositive() {
			return decimal.Zero, "", nil, fmt.Errorf("%w: %s", ErrNotEligible, ReasonAlreadyReleased)
		}
		return bal.Custody, ledger.EntryReleaseToPayee, nil, nil
	}
	for i := range milestones {
		if milestones[i].ID == *milestoneID {
			return milestones[i].Amount, ledger.EntrySplitRelease, &milestones[i], nil
		}
	}
	return decimal.Zero, "", nil, fmt.Errorf("%w: %s", ErrNotEligible, ReasonNotActiveMilestone)
}

// issuePayout hands the committed payout to the rail and records the
// outcome. Runs after commit on a detached context: the release stands
// whatever the rail does.
func (e *Engine) issuePayout(ctx context.Context, payoutID string, result ReleaseResult) {
	p := result.Payout
	railCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), railCallTimeout)
	defer cancel()

	ref, err := e.rail.CreatePayout(railCtx, PayoutOrder{
		PayoutID:             p.ID,
		DealID:               p.DealID,
		Amount:               p.Net,
		Gross:                p.Gross,
		Fee:                  p.Fee,
		Currency:             p.Currency,
		DestinationAccountID: p.PayeeID,
	})
	bg := context.WithoutCancel(ctx)
	if err != nil {
		class, retryable := railFailureClass(err)
		e.log.Warn().
			Str("payout_id", payoutID).
			Str("deal_id", p.DealID).
			Str("failure_class", class).
			Bool("retryable", retryable).
			Err(err).
			Msg("rail payout failed")
		if mErr := e.payouts.MarkFailed(bg, e.pool, payoutID, class, retryable); mErr != nil {
			e.log.Error().Str("payout_id", payoutID).Err(mErr).Msg("record payout failure")
		}
		return
	}
	if mErr := e.payouts.MarkProcessing(bg, e.pool, payoutID, ref); mErr != nil {
		e.log.Error().Str("payout_id", payoutID).Err(mErr).Msg("record payout hand-off")
	}
}

// ErrPayoutNotRetryable is returned when the payout is not in a retryable
// FAILED state.
var ErrPayoutNotRetryable = errors.New("release: payout not retryable")

// RetryPayout re-sends a retryable FAILED payout to the rail. The order
// carries the original payout id so the rail can dedupe a transfer that may
// already have gone out.
func (e *Engine) RetryPayout(ctx context.Context, payoutID string) error {
	p, err := e.payouts.GetByID(ctx, e.pool, payoutID)
	if err != nil {
		return err
	}
	if p.Status != PayoutFailed || !p.Retryable {
		return fmt.Errorf("%w: payout %s is %s", ErrPayoutNotRetryable, p.ID, p.Status)
	}
	e.issuePayout(ctx, p.ID, ReleaseResult{Payout: &p})
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
