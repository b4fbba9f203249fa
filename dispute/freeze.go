package dispute

import (
	"context"
	"fmt"

	"escrowflow/db"
)

// Freeze is the guard's verdict for one deal (or milestone) release path.
type Freeze struct {
	Frozen    bool
	DisputeID string
}

// Guard answers whether fund movement on a deal or milestone must be blocked
// by an unresolved dispute. It is the first gate in every release path.
type Guard struct {
	pool db.Querier
}

func NewGuard(pool db.Querier) *Guard {
	return &Guard{pool: pool}
}

// IsFrozen reports whether any active dispute blocks the release path. A
// dispute scoped to a milestone freezes only that milestone; an unscoped
// dispute freezes the whole deal.
//
// Fail closed: any lookup error reports frozen together with the error. A
// broken store must never read as "safe to move money".
func (g *Guard) IsFrozen(ctx context.Context, dealID string, milestoneID *string) (Freeze, error) {
	return g.IsFrozenQ(ctx, g.pool, dealID, milestoneID)
}

// IsFrozenQ is IsFrozen against a caller-supplied querier, so the release
// engine can re-check under its transaction's deal lock.
func (g *Guard) IsFrozenQ(ctx context.Context, q db.Querier, dealID string, milestoneID *string) (Freeze, error) {
	// A deal-level release (nil milestoneID) moves all remaining custody, so
	// any active dispute blocks it. A milestone-scoped release is blocked by
	// unscoped disputes and by disputes on that milestone.
	const checkSQL = `
SELECT id FROM disputes
WHERE deal_id = $1
  AND status IN ` + activeStatusList + `
  AND ($2::uuid IS NULL OR milestone_id IS NULL OR milestone_id = $2)
ORDER BY created_at
LIMIT 1
`
	rows, err := q.Query(ctx, checkSQL, dealID, milestoneID)
	if err != nil {
		return Freeze{Frozen: true}, fmt.Errorf("dispute: freeze lookup: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Freeze{Frozen: true}, fmt.Errorf("dispute: freeze scan: %w", err)
		}
		return Freeze{Frozen: true, DisputeID: id}, nil
	}
	if err := rows.Err(); err != nil {
		return Freeze{Frozen: true}, fmt.Errorf("dispute: freeze iterate: %w", err)
	}
	return Freeze{}, nil
}
