package milestone

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
)

// ErrMilestoneNotFound is returned when no milestone row matches.
var ErrMilestoneNotFound = errors.New("milestone: not found")

const milestoneColumns = `
id, deal_id, idx, title, amount, due_date, review_window_days, revision_limit,
auto_approve, status, delivered_at, released_at, created_at, updated_at
`

// Repository is the data access layer for milestones and their append-only
// delivery/revision logs.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// ListByDeal returns a deal's milestones in index order. Callers that intend
// to mutate must hold the deal row lock first; the deal lock is the
// single-writer gate for its milestones.
func (r *Repository) ListByDeal(ctx context.Context, q db.Querier, dealID string) ([]Milestone, error) {
	const listSQL = `SELECT ` + milestoneColumns + ` FROM milestones WHERE deal_id = $1 ORDER BY idx`
	rows, err := q.Query(ctx, listSQL, dealID)
	if err != nil {
		return nil, fmt.Errorf("milestone: list for deal %s: %w", dealID, err)
	}
	defer rows.Close()

	out := make([]Milestone, 0, 4)
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("milestone: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("milestone: iterate: %w", err)
	}
	return out, nil
}

// GetByID loads one milestone.
func (r *Repository) GetByID(ctx context.Context, q db.Querier, milestoneID string) (Milestone, error) {
	row := q.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, milestoneID)
	m, err := scanMilestone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("milestone: get %s: %w", milestoneID, err)
	}
	return m, nil
}

// CountRevisions returns the number of revision requests logged for a
// milestone. Milestones release at most once, so this is the count since the
// last release by construction.
func (r *Repository) CountRevisions(ctx context.Context, q db.Querier, milestoneID string) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM milestone_revisions WHERE milestone_id = $1`, milestoneID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("milestone: count revisions: %w", err)
	}
	return n, nil
}

// HasRevisionAfter reports whether any revision was logged after the given
// instant. The sweep uses this to invalidate stale auto-release windows.
func (r *Repository) HasRevisionAfter(ctx context.Context, q db.Querier, milestoneID string, after time.Time) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM milestone_revisions WHERE milestone_id = $1 AND requested_at > $2)`,
		milestoneID, after).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("milestone: check revision after: %w", err)
	}
	return exists, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var m Milestone
	err := row.Scan(
		&m.ID,
		&m.DealID,
		&m.Index,
		&m.Title,
		&m.Amount,
		&m.DueDate,
		&m.ReviewWindowDays,
		&m.RevisionLimit,
		&m.AutoApprove,
		&m.Status,
		&m.DeliveredAt,
		&m.ReleasedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}
