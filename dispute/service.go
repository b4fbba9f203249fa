package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/deal"
	"escrowflow/db"
	"escrowflow/event"
	"escrowflow/notify"
)

var (
	// ErrNotFound is returned when no dispute row exists.
	ErrNotFound = errors.New("dispute: not found")
	// ErrNotParty signals an opener who is neither payer nor payee.
	ErrNotParty = errors.New("dispute: opener is not a party to the deal")
	// ErrAlreadyResolved signals a resolution against a non-active dispute.
	ErrAlreadyResolved = errors.New("dispute: already resolved")
	// ErrBadResolution signals an unknown resolution status.
	ErrBadResolution = errors.New("dispute: invalid resolution status")
	// ErrMilestoneReleased signals a milestone-scoped claim against a
	// milestone that has already been paid out. Paid milestones are settled;
	// the claim has to target the deal or a later milestone.
	ErrMilestoneReleased = errors.New("dispute: milestone already released")
)

const disputeColumns = `
id, deal_id, milestone_id, status, opener_id, reason, resolution_note,
resolver_id, created_at, updated_at, resolved_at
`

// Service opens and resolves disputes. Opening one flips the freeze guard;
// the deal (or milestone) status change happens in the same transaction as
// the dispute insert so no release can slip between the two.
type Service struct {
	pool        *pgxpool.Pool
	deals       *deal.Repository
	events      *event.Logger
	notifier    notify.Notifier
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool *pgxpool.Pool, notifier notify.Notifier) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{
		pool:        pool,
		deals:       deal.NewRepository(),
		events:      event.NewLogger(),
		notifier:    notifier,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

// OpenParams describes a new claim.
type OpenParams struct {
	DealID      string
	MilestoneID *string
	OpenerID    string
	Reason      string
}

// Open files a dispute. Unscoped disputes move the deal to DISPUTED; a
// milestone-scoped dispute marks only that milestone and leaves the rest of
// the deal operable. Either way the auto-release timer is cleared.
func (s *Service) Open(ctx context.Context, p OpenParams) (Record, error) {
	if p.DealID == "" || p.OpenerID == "" {
		return Record{}, fmt.Errorf("dispute: deal and opener ids required")
	}
	if p.Reason == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.deals.GetForUpdate(ctx, tx, p.DealID)
	if err != nil {
		return Record{}, err
	}

	var openerRole deal.Role
	switch p.OpenerID {
	case d.PayerID:
		openerRole = deal.RolePayer
	case d.PayeeID:
		openerRole = deal.RolePayee
	default:
		return Record{}, ErrNotParty
	}

	if p.MilestoneID == nil {
		if !deal.CanTransition(d.Status, deal.StatusDisputed, openerRole) {
			return Record{}, fmt.Errorf("%w: cannot dispute deal in %s",
				deal.ErrInvalidTransition, d.Status)
		}
	} else if deal.IsTerminal(d.Status) {
		return Record{}, fmt.Errorf("%w: cannot dispute milestone of %s deal",
			deal.ErrInvalidTransition, d.Status)
	}

	const insertSQL = `
INSERT INTO disputes (id, deal_id, milestone_id, status, opener_id, reason)
VALUES ($1, $2, $3, 'OPEN', $4, $5)
RETURNING ` + disputeColumns
	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		s.idGenerator(), p.DealID, p.MilestoneID, p.OpenerID, p.Reason))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}

	now := s.now().UTC()
	if p.MilestoneID == nil {
		const freezeSQL = `
UPDATE deals
SET status = 'DISPUTED', version = version + 1, auto_release_at = NULL, updated_at = $2
WHERE id = $1
`
		if _, err := tx.Exec(ctx, freezeSQL, p.DealID, now); err != nil {
			return Record{}, fmt.Errorf("dispute: freeze deal: %w", err)
		}
	} else {
		// A paid milestone must never re-enter the dispute cycle: resolution
		// would hand it back to the review path and open a second release.
		var msStatus string
		var releasedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT status, released_at FROM milestones WHERE id = $1 AND deal_id = $2 FOR UPDATE`,
			*p.MilestoneID, p.DealID).Scan(&msStatus, &releasedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("dispute: milestone %s not on deal %s", *p.MilestoneID, p.DealID)
		}
		if err != nil {
			return Record{}, fmt.Errorf("dispute: lock milestone: %w", err)
		}
		if msStatus == "RELEASED" || releasedAt != nil {
			return Record{}, fmt.Errorf("%w: %s", ErrMilestoneReleased, *p.MilestoneID)
		}

		const markSQL = `
UPDATE milestones SET status = 'DISPUTED', updated_at = $2 WHERE id = $1
`
		if _, err := tx.Exec(ctx, markSQL, *p.MilestoneID, now); err != nil {
			return Record{}, fmt.Errorf("dispute: freeze milestone: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE deals SET auto_release_at = NULL, updated_at = $2 WHERE id = $1`, p.DealID, now); err != nil {
			return Record{}, fmt.Errorf("dispute: clear auto release: %w", err)
		}
	}

	if err := s.events.Append(ctx, tx, event.Entry{
		DealID:    p.DealID,
		ActorType: string(openerRole),
		ActorID:   &p.OpenerID,
		EventType: "DISPUTE_OPENED",
		Payload: map[string]any{
			"dispute_id":   rec.ID,
			"milestone_id": p.MilestoneID,
			"reason":       p.Reason,
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, nil
}

// Escalate moves an active dispute between its escalation states.
func (s *Service) Escalate(ctx context.Context, disputeID string, target Status) (Record, error) {
	if !IsActive(target) {
		return Record{}, fmt.Errorf("%w: %s is not an escalation state", ErrBadResolution, target)
	}
	const updateSQL = `
UPDATE disputes
SET status = $2, updated_at = now()
WHERE id = $1 AND status IN ` + activeStatusList + `
RETURNING ` + disputeColumns
	rec, err := scanRecord(s.pool.QueryRow(ctx, updateSQL, disputeID, target))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyResolved
		}
		return Record{}, fmt.Errorf("dispute: escalate: %w", err)
	}
	return rec, nil
}

// ResolveParams describes an admin resolution.
type ResolveParams struct {
	DisputeID  string
	ResolverID string
	Resolution Status
	Note       string
}

// Resolve closes a dispute. For unscoped disputes the deal moves
// DISPUTED -> RESOLVED; routing the funds (release or refund) is a separate
// admin action through the release engine or a refund transition. For
// milestone-scoped disputes the milestone returns to the review path:
// DELIVERED when the payee prevailed or the claim was rejected, PENDING
// (rework) when the payer prevailed.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (Record, error) {
	switch p.Resolution {
	case StatusResolvedPayer, StatusResolvedPayee, StatusRejected:
	default:
		return Record{}, fmt.Errorf("%w: %s", ErrBadResolution, p.Resolution)
	}
	if p.ResolverID == "" {
		return Record{}, fmt.Errorf("dispute: resolver id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order is deal first, then dispute, matching every other writer;
	// the unlocked pre-read only discovers which deal to lock.
	peek, err := s.getByID(ctx, tx, p.DisputeID)
	if err != nil {
		return Record{}, err
	}
	d, err := s.deals.GetForUpdate(ctx, tx, peek.DealID)
	if err != nil {
		return Record{}, err
	}
	cur, err := s.getForUpdate(ctx, tx, p.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if !IsActive(cur.Status) {
		return Record{}, ErrAlreadyResolved
	}

	now := s.now().UTC()
	const updateSQL = `
UPDATE disputes
SET status = $2, resolution_note = $3, resolver_id = $4, resolved_at = $5, updated_at = $5
WHERE id = $1
RETURNING ` + disputeColumns
	rec, err := scanRecord(tx.QueryRow(ctx, updateSQL,
		p.DisputeID, p.Resolution, p.Note, p.ResolverID, now))
	if err != nil {
		return Record{}, fmt.Errorf("dispute: update: %w", err)
	}

	if cur.MilestoneID == nil {
		if d.Status == deal.StatusDisputed {
			const unfreezeSQL = `
UPDATE deals SET status = 'RESOLVED', version = version + 1, updated_at = $2 WHERE id = $1
`
			if _, err := tx.Exec(ctx, unfreezeSQL, cur.DealID, now); err != nil {
				return Record{}, fmt.Errorf("dispute: unfreeze deal: %w", err)
			}
		}
	} else {
		next := "DELIVERED"
		clearDelivery := ""
		if p.Resolution == StatusResolvedPayer {
			next = "PENDING"
			clearDelivery = ", delivered_at = NULL"
		}
		unfreezeSQL := fmt.Sprintf(`
UPDATE milestones SET status = '%s'%s, updated_at = $2 WHERE id = $1 AND status = 'DISPUTED'
`, next, clearDelivery)
		if _, err := tx.Exec(ctx, unfreezeSQL, *cur.MilestoneID, now); err != nil {
			return Record{}, fmt.Errorf("dispute: unfreeze milestone: %w", err)
		}
	}

	if err := s.events.Append(ctx, tx, event.Entry{
		DealID:    cur.DealID,
		ActorType: event.ActorAdmin,
		ActorID:   &p.ResolverID,
		EventType: "DISPUTE_RESOLVED",
		Payload: map[string]any{
			"dispute_id": p.DisputeID,
			"resolution": p.Resolution,
			"note":       p.Note,
		},
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve: %w", err)
	}

	notify.Dispatch(func() {
		s.notifier.DisputeResolved(context.Background(), notify.DisputeNotice{
			DealID:     cur.DealID,
			DisputeID:  p.DisputeID,
			Resolution: string(p.Resolution),
		})
	})
	return rec, nil
}

// ListByDeal returns a deal's disputes, newest first.
func (s *Service) ListByDeal(ctx context.Context, dealID string) ([]Record, error) {
	return listByDeal(ctx, s.pool, dealID)
}

func listByDeal(ctx context.Context, q db.Querier, dealID string) ([]Record, error) {
	const listSQL = `SELECT ` + disputeColumns + ` FROM disputes WHERE deal_id = $1 ORDER BY created_at DESC`
	rows, err := q.Query(ctx, listSQL, dealID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func (s *Service) getByID(ctx context.Context, q db.Querier, disputeID string) (Record, error) {
	row := q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, disputeID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get %s: %w", disputeID, err)
	}
	return rec, nil
}

func (s *Service) getForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	row := tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: lock %s: %w", disputeID, err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.DealID,
		&rec.MilestoneID,
		&rec.Status,
		&rec.OpenerID,
		&rec.Reason,
		&rec.ResolutionNote,
		&rec.ResolverID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
	return rec, err
}
