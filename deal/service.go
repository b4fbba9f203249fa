package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrowflow/event"
	"escrowflow/ledger"
)

var (
	// ErrInvalidTransition signals an edge the transition table forbids.
	ErrInvalidTransition = errors.New("deal: invalid transition")
	// ErrConcurrentModification signals a lost optimistic race: the stored
	// status no longer matches the status the caller computed against.
	// Callers should re-read and retry.
	ErrConcurrentModification = errors.New("deal: concurrent modification")
)

// TransitionParams describes one requested status change.
type TransitionParams struct {
	DealID    string
	Target    Status
	ActorID   string
	ActorRole Role
	// ExpectedStatus, when non-empty, is the status the caller computed
	// eligibility against; a mismatch fails with ErrConcurrentModification.
	ExpectedStatus Status
	Reason         string
	IdempotencyKey *string
	RequestMeta    map[string]any
}

// Service validates and applies deal status transitions.
type Service struct {
	pool        *pgxpool.Pool
	ledger      *ledger.Repository
	events      *event.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool *pgxpool.Pool, ledgerRepo *ledger.Repository, events *event.Logger) *Service {
	if ledgerRepo == nil {
		ledgerRepo = ledger.NewRepository()
	}
	if events == nil {
		events = event.NewLogger()
	}
	return &Service{
		pool:        pool,
		ledger:      ledgerRepo,
		events:      events,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// ApplyTransition moves a deal to the target status inside one transaction:
// row lock, optimistic guard, table validation, side effect, status write,
// audit event. Rejections are audited too (outside the aborted transaction).
func (s *Service) ApplyTransition(ctx context.Context, p TransitionParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	repo := NewRepository()
	d, err := repo.GetForUpdate(ctx, tx, p.DealID)
	if err != nil {
		return err
	}

	if err := s.ApplyTransitionTx(ctx, tx, &d, p); err != nil {
		// The transaction aborts, so the rejection audit goes through the
		// pool directly.
		_ = tx.Rollback(ctx)
		s.auditRejection(ctx, d, p, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("deal: commit transition: %w", err)
	}
	return nil
}

// ApplyTransitionTx applies a transition to an already-locked deal inside the
// caller's transaction. The release engine uses this to couple the status
// write with its ledger and payout writes. The deal struct is updated in
// place on success.
func (s *Service) ApplyTransitionTx(ctx context.Context, tx pgx.Tx, d *Deal, p TransitionParams) error {
	if !ValidStatus(p.Target) {
		return fmt.Errorf("%w: unknown target %q", ErrInvalidTransition, p.Target)
	}
	if !validRole(p.ActorRole) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTransition, p.ActorRole)
	}
	if p.ExpectedStatus != "" && d.Status != p.ExpectedStatus {
		return fmt.Errorf("%w: expected %s, found %s", ErrConcurrentModification, p.ExpectedStatus, d.Status)
	}
	if !CanTransition(d.Status, p.Target, p.ActorRole) {
		return fmt.Errorf("%w: %s -> %s as %s", ErrInvalidTransition, d.Status, p.Target, p.ActorRole)
	}

	from := d.Status
	if effect := s.effects()[edge{from, p.Target}]; effect != nil {
		if err := effect(ctx, tx, d, p); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	const updateSQL = `
UPDATE deals
SET status = $1,
    version = version + 1,
    updated_at = $2,
    funded_at = CASE WHEN $1 = 'FUNDED' THEN COALESCE(funded_at, $2) ELSE funded_at END,
    released_at = CASE WHEN $1 = 'RELEASED' THEN COALESCE(released_at, $2) ELSE released_at END,
    auto_release_at = CASE
        WHEN $1 = 'DELIVERED_PENDING_RELEASE' THEN $2::timestamptz + make_interval(days => review_window_days)
        WHEN $1 IN ('DISPUTED','RELEASED','REFUNDED','CANCELED') THEN NULL
        ELSE auto_release_at
    END
WHERE id = $3 AND version = $4
`
	tag, err := tx.Exec(ctx, updateSQL, p.Target, now, d.ID, d.Version)
	if err != nil {
		return fmt.Errorf("deal: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: version moved under lock", ErrConcurrentModification)
	}

	if err := s.events.Append(ctx, tx, event.Entry{
		DealID:    d.ID,
		ActorType: string(p.ActorRole),
		ActorID:   optional(p.ActorID),
		EventType: "DEAL_STATUS_CHANGED",
		Payload: map[string]any{
			"previous_status": from,
			"next_status":     p.Target,
			"reason":          p.Reason,
		},
		RequestMeta: p.RequestMeta,
	}); err != nil {
		return err
	}

	d.Status = p.Target
	d.Version++
	d.UpdatedAt = now
	switch p.Target {
	case StatusFunded:
		if d.FundedAt == nil {
			d.FundedAt = &now
		}
	case StatusReleased:
		if d.ReleasedAt == nil {
			d.ReleasedAt = &now
		}
	}
	return nil
}

// GetByID loads a deal without locking. Convenience for read paths.
func (s *Service) GetByID(ctx context.Context, dealID string) (Deal, error) {
	return NewRepository().GetByID(ctx, s.pool, dealID)
}

// auditRejection records a refused transition attempt. Best effort: the
// rejection itself already carries the caller-facing error.
func (s *Service) auditRejection(ctx context.Context, d Deal, p TransitionParams, cause error) {
	_ = s.events.Append(ctx, s.pool, event.Entry{
		DealID:    d.ID,
		ActorType: string(p.ActorRole),
		ActorID:   optional(p.ActorID),
		EventType: "DEAL_TRANSITION_REJECTED",
		Payload: map[string]any{
			"current_status": d.Status,
			"target_status":  p.Target,
			"reason":         p.Reason,
			"error":          cause.Error(),
		},
		RequestMeta: p.RequestMeta,
	})
}

// MilestonePlan is one staged payout defined at deal creation.
type MilestonePlan struct {
	Title            string
	Amount           decimal.Decimal
	DueDate          time.Time
	ReviewWindowDays int
	RevisionLimit    int
	AutoApprove      bool
}

// CreateParams describes a new deal and its optional milestone plan.
type CreateParams struct {
	PayerID          string
	PayeeID          string
	TotalAmount      decimal.Decimal
	Currency         string
	Category         Category
	FeeRateBps       int
	ReviewWindowDays int
	DeliveryDue      *time.Time
	Milestones       []MilestonePlan
}

// ValidateMilestonePlan enforces the creation-time invariants: amounts sum to
// the deal total, due dates strictly increase, nothing falls after the deal
// delivery date, revision limits are non-negative. Release-time code relies
// on these holding and does not re-check them.
func ValidateMilestonePlan(total decimal.Decimal, deliveryDue *time.Time, plan []MilestonePlan) error {
	if len(plan) == 0 {
		return nil
	}
	sum := decimal.Zero
	var prevDue time.Time
	for i, m := range plan {
		if !m.Amount.IsPositive() {
			return fmt.Errorf("deal: milestone %d amount must be positive", i)
		}
		if m.RevisionLimit < 0 {
			return fmt.Errorf("deal: milestone %d revision limit must be >= 0", i)
		}
		if m.ReviewWindowDays < 0 {
			return fmt.Errorf("deal: milestone %d review window must be >= 0", i)
		}
		if i > 0 && !m.DueDate.After(prevDue) {
			return fmt.Errorf("deal: milestone %d due date must be after milestone %d", i, i-1)
		}
		if deliveryDue != nil && m.DueDate.After(*deliveryDue) {
			return fmt.Errorf("deal: milestone %d due after deal delivery date", i)
		}
		prevDue = m.DueDate
		sum = sum.Add(m.Amount)
	}
	if !sum.Equal(total) {
		return fmt.Errorf("deal: milestone amounts sum to %s, deal total is %s", sum, total)
	}
	return nil
}

// Create inserts a deal and its milestone plan in one transaction, starting
// at AWAITING_PAYMENT.
func (s *Service) Create(ctx context.Context, p CreateParams) (Deal, error) {
	if p.PayerID == "" || p.PayeeID == "" {
		return Deal{}, fmt.Errorf("deal: payer and payee ids required")
	}
	if p.PayerID == p.PayeeID {
		return Deal{}, fmt.Errorf("deal: payer and payee must differ")
	}
	if !p.TotalAmount.IsPositive() {
		return Deal{}, fmt.Errorf("deal: total amount must be positive")
	}
	if len(p.Currency) != 3 {
		return Deal{}, fmt.Errorf("deal: currency must be a 3-letter code")
	}
	if !validCategory(p.Category) {
		return Deal{}, fmt.Errorf("deal: invalid category %q", p.Category)
	}
	if p.FeeRateBps < 0 || p.FeeRateBps > 10000 {
		return Deal{}, fmt.Errorf("deal: fee rate out of range")
	}
	if p.ReviewWindowDays < 0 {
		return Deal{}, fmt.Errorf("deal: review window must be >= 0")
	}
	if err := ValidateMilestonePlan(p.TotalAmount, p.DeliveryDue, p.Milestones); err != nil {
		return Deal{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO deals (id, payer_id, payee_id, total_amount, currency, category, status,
                   allows_partial_release, fee_rate_bps, review_window_days, delivery_due)
VALUES ($1, $2, $3, $4, $5, $6, 'AWAITING_PAYMENT', $7, $8, $9, $10)
RETURNING ` + dealColumns
	d, err := scanDeal(tx.QueryRow(ctx, insertSQL,
		s.idGenerator(),
		p.PayerID,
		p.PayeeID,
		p.TotalAmount,
		p.Currency,
		p.Category,
		len(p.Milestones) > 0,
		p.FeeRateBps,
		p.ReviewWindowDays,
		p.DeliveryDue,
	))
	if err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", err)
	}

	const milestoneSQL = `
INSERT INTO milestones (id, deal_id, idx, title, amount, due_date, review_window_days, revision_limit, auto_approve, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'PENDING')
`
	for i, m := range p.Milestones {
		if _, err := tx.Exec(ctx, milestoneSQL,
			s.idGenerator(), d.ID, i, m.Title, m.Amount, m.DueDate,
			m.ReviewWindowDays, m.RevisionLimit, m.AutoApprove,
		); err != nil {
			return Deal{}, fmt.Errorf("deal: insert milestone %d: %w", i, err)
		}
	}

	if err := s.events.Append(ctx, tx, event.Entry{
		DealID:    d.ID,
		ActorType: event.ActorPayer,
		ActorID:   optional(p.PayerID),
		EventType: "DEAL_CREATED",
		Payload: map[string]any{
			"total_amount": p.TotalAmount.String(),
			"currency":     p.Currency,
			"category":     p.Category,
			"milestones":   len(p.Milestones),
		},
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit create: %w", err)
	}
	return d, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
