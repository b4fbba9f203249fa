package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/deal"
	"escrowflow/event"
	"escrowflow/notify"
)

var (
	// ErrNotActiveMilestone signals an operation against a milestone other
	// than the lowest-indexed unreleased one. Ordering is enforced, not
	// merely convention.
	ErrNotActiveMilestone = errors.New("milestone: not the active milestone")
	// ErrNotDelivered signals a revision request against a milestone with no
	// delivery under review.
	ErrNotDelivered = errors.New("milestone: not delivered")
	// ErrReviewWindowExpired signals a revision request after the review
	// window closed, measured from the latest delivery.
	ErrReviewWindowExpired = errors.New("milestone: review window expired")
	// ErrRevisionLimitExceeded signals a revision request beyond the
	// configured limit.
	ErrRevisionLimitExceeded = errors.New("milestone: revision limit exceeded")
	// ErrDealClosed signals a delivery or revision on a deal in a terminal
	// or disputed state.
	ErrDealClosed = errors.New("milestone: deal does not accept milestone operations")
)

// Engine handles milestone delivery and revision. Releases route through the
// release engine, which owns the fund movement.
type Engine struct {
	pool        *pgxpool.Pool
	repo        *Repository
	deals       *deal.Repository
	events      *event.Logger
	notifier    notify.Notifier
	idGenerator func() string
	now         func() time.Time
}

func NewEngine(pool *pgxpool.Pool, notifier notify.Notifier) *Engine {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Engine{
		pool:        pool,
		repo:        NewRepository(),
		deals:       deal.NewRepository(),
		events:      event.NewLogger(),
		notifier:    notifier,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// WithClock replaces the engine's clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// DeliverParams describes one delivery submission.
type DeliverParams struct {
	DealID      string
	MilestoneID string
	SubmitterID string
	AssetIDs    []string
	Note        string
}

// Deliver records a delivery for the active milestone and marks it DELIVERED.
// Re-delivery after a revision replaces the delivery timestamp, restarting
// the review window.
func (e *Engine) Deliver(ctx context.Context, p DeliverParams) (Delivery, error) {
	if p.DealID == "" || p.MilestoneID == "" {
		return Delivery{}, fmt.Errorf("milestone: deal and milestone ids required")
	}
	if p.SubmitterID == "" {
		return Delivery{}, fmt.Errorf("milestone: submitter id required")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Delivery{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := e.lockActive(ctx, tx, p.DealID, p.MilestoneID)
	if err != nil {
		return Delivery{}, err
	}
	if m.Status != StatusPending {
		return Delivery{}, fmt.Errorf("%w: milestone %d is %s", ErrNotActiveMilestone, m.Index, m.Status)
	}

	now := e.now().UTC()
	var d Delivery
	const insertSQL = `
INSERT INTO milestone_deliveries (id, milestone_id, submitter_id, asset_ids, note, submitted_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, milestone_id, submitter_id, asset_ids, note, submitted_at
`
	if err := tx.QueryRow(ctx, insertSQL,
		e.idGenerator(), m.ID, p.SubmitterID, p.AssetIDs, p.Note, now,
	).Scan(&d.ID, &d.MilestoneID, &d.SubmitterID, &d.AssetIDs, &d.Note, &d.SubmittedAt); err != nil {
		return Delivery{}, fmt.Errorf("milestone: insert delivery: %w", err)
	}

	const updateSQL = `
UPDATE milestones
SET status = 'DELIVERED', delivered_at = $2, updated_at = $2
WHERE id = $1
`
	if _, err := tx.Exec(ctx, updateSQL, m.ID, now); err != nil {
		return Delivery{}, fmt.Errorf("milestone: mark delivered: %w", err)
	}

	if err := e.events.Append(ctx, tx, event.Entry{
		DealID:    p.DealID,
		ActorType: event.ActorPayee,
		ActorID:   &p.SubmitterID,
		EventType: "MILESTONE_DELIVERED",
		Payload: map[string]any{
			"milestone_id": m.ID,
			"index":        m.Index,
			"asset_count":  len(p.AssetIDs),
		},
	}); err != nil {
		return Delivery{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Delivery{}, fmt.Errorf("milestone: commit delivery: %w", err)
	}
	return d, nil
}

// RevisionParams describes one revision request from the payer.
type RevisionParams struct {
	DealID      string
	MilestoneID string
	RequesterID string
	Note        string
}

// RequestRevision logs a revision against the active milestone, resets it to
// PENDING, and clears the deal's auto-release timer so the elapsed window
// cannot fire against stale delivery state.
func (e *Engine) RequestRevision(ctx context.Context, p RevisionParams) (Revision, error) {
	if p.DealID == "" || p.MilestoneID == "" {
		return Revision{}, fmt.Errorf("milestone: deal and milestone ids required")
	}
	if p.RequesterID == "" {
		return Revision{}, fmt.Errorf("milestone: requester id required")
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Revision{}, fmt.Errorf("milestone: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := e.lockActive(ctx, tx, p.DealID, p.MilestoneID)
	if err != nil {
		return Revision{}, err
	}

	prior, err := e.repo.CountRevisions(ctx, tx, m.ID)
	if err != nil {
		return Revision{}, err
	}
	now := e.now().UTC()
	if err := m.CanRequestRevision(now, prior); err != nil {
		return Revision{}, err
	}

	var rev Revision
	const insertSQL = `
INSERT INTO milestone_revisions (id, milestone_id, requester_id, note, requested_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, milestone_id, requester_id, note, requested_at
`
	if err := tx.QueryRow(ctx, insertSQL,
		e.idGenerator(), m.ID, p.RequesterID, p.Note, now,
	).Scan(&rev.ID, &rev.MilestoneID, &rev.RequesterID, &rev.Note, &rev.RequestedAt); err != nil {
		return Revision{}, fmt.Errorf("milestone: insert revision: %w", err)
	}

	// Back to PENDING with the delivery timestamp cleared: the auto-release
	// window restarts from the next delivery.
	const resetSQL = `
UPDATE milestones
SET status = 'PENDING', delivered_at = NULL, updated_at = $2
WHERE id = $1
`
	if _, err := tx.Exec(ctx, resetSQL, m.ID, now); err != nil {
		return Revision{}, fmt.Errorf("milestone: reset after revision: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE deals SET auto_release_at = NULL, updated_at = $2 WHERE id = $1`, p.DealID, now); err != nil {
		return Revision{}, fmt.Errorf("milestone: clear auto release: %w", err)
	}

	if err := e.events.Append(ctx, tx, event.Entry{
		DealID:    p.DealID,
		ActorType: event.ActorPayer,
		ActorID:   &p.RequesterID,
		EventType: "MILESTONE_REVISION_REQUESTED",
		Payload: map[string]any{
			"milestone_id":  m.ID,
			"index":         m.Index,
			"revision_used": prior + 1,
		},
	}); err != nil {
		return Revision{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Revision{}, fmt.Errorf("milestone: commit revision: %w", err)
	}

	notify.Dispatch(func() {
		e.notifier.RevisionRequested(context.Background(), notify.RevisionNotice{
			DealID:      p.DealID,
			MilestoneID: m.ID,
			RequesterID: p.RequesterID,
			Note:        p.Note,
		})
	})
	return rev, nil
}

// lockActive takes the deal row lock, verifies the deal still accepts
// milestone operations, and checks that the target is the active milestone.
func (e *Engine) lockActive(ctx context.Context, tx pgx.Tx, dealID, milestoneID string) (Milestone, error) {
	d, err := e.deals.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Milestone{}, err
	}
	if deal.IsTerminal(d.Status) || d.Status == deal.StatusDisputed {
		return Milestone{}, fmt.Errorf("%w: deal is %s", ErrDealClosed, d.Status)
	}

	milestones, err := e.repo.ListByDeal(ctx, tx, dealID)
	if err != nil {
		return Milestone{}, err
	}
	activeIdx, ok := NextUnreleased(milestones)
	if !ok {
		return Milestone{}, fmt.Errorf("%w: all milestones released", ErrNotActiveMilestone)
	}
	for _, m := range milestones {
		if m.ID == milestoneID {
			if m.Index != activeIdx {
				return Milestone{}, fmt.Errorf("%w: milestone %d, active is %d", ErrNotActiveMilestone, m.Index, activeIdx)
			}
			if m.Status == StatusDisputed {
				return Milestone{}, fmt.Errorf("%w: milestone %d is disputed", ErrDealClosed, m.Index)
			}
			return m, nil
		}
	}
	return Milestone{}, ErrMilestoneNotFound
}
