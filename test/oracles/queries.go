package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the ledger and protocol invariants checked during the stress
// run. Each query selects violations: any returned row is a failure.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_custody_non_negative",
			SQL: `SELECT deal_id,
                         SUM(amount) FILTER (WHERE type = 'FUND')
                       - COALESCE(SUM(amount) FILTER (WHERE type IN ('RELEASE_TO_PAYEE','REFUND_TO_PAYER','SPLIT_RELEASE')), 0) AS custody
                  FROM ledger_transactions
                  GROUP BY deal_id
                  HAVING SUM(amount) FILTER (WHERE type = 'FUND')
                       - COALESCE(SUM(amount) FILTER (WHERE type IN ('RELEASE_TO_PAYEE','REFUND_TO_PAYER','SPLIT_RELEASE')), 0) < 0`,
		},
		{
			Name: "O2_single_release_per_milestone",
			SQL: `SELECT milestone_id, COUNT(*) FROM ledger_transactions
                  WHERE type = 'SPLIT_RELEASE' AND milestone_id IS NOT NULL
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_released_deal_has_entry",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.status = 'RELEASED'
                    AND NOT EXISTS (
                        SELECT 1 FROM ledger_transactions l
                        WHERE l.deal_id = d.id
                          AND l.type IN ('RELEASE_TO_PAYEE','SPLIT_RELEASE'))`,
		},
		{
			Name: "O4_no_release_under_active_dispute",
			SQL: `SELECT l.id, d.id AS dispute_id FROM ledger_transactions l
                  JOIN disputes d ON d.deal_id = l.deal_id
                  WHERE l.type IN ('RELEASE_TO_PAYEE','SPLIT_RELEASE')
                    AND d.status IN ('OPEN','NEGOTIATION','ADMIN_REVIEW','NEEDS_INFO')
                    AND l.created_at > d.created_at
                    AND (d.milestone_id IS NULL OR l.milestone_id IS NULL OR d.milestone_id = l.milestone_id)`,
		},
		{
			Name: "O5_sequential_milestone_release",
			SQL: `SELECT later.id FROM milestones later
                  JOIN milestones earlier
                    ON earlier.deal_id = later.deal_id AND earlier.idx < later.idx
                  WHERE later.status = 'RELEASED' AND earlier.status <> 'RELEASED'`,
		},
		{
			Name: "O6_payout_amounts_consistent",
			SQL: `SELECT p.id FROM payouts p
                  JOIN ledger_transactions l ON l.id = p.ledger_tx_id
                  WHERE p.gross <> l.amount OR p.gross <> p.fee + p.net`,
		},
		{
			Name: "O7_released_custody_settled",
			SQL: `SELECT d.id FROM deals d
                  JOIN ledger_transactions l ON l.deal_id = d.id
                  WHERE d.status IN ('RELEASED','REFUNDED')
                  GROUP BY d.id
                  HAVING SUM(amount) FILTER (WHERE type = 'FUND')
                       - COALESCE(SUM(amount) FILTER (WHERE type IN ('RELEASE_TO_PAYEE','REFUND_TO_PAYER','SPLIT_RELEASE')), 0) <> 0`,
		},
		{
			Name: "O8_pending_non_negative",
			SQL:  `SELECT party_id, pending FROM party_balances WHERE pending < 0`,
		},
		{
			Name: "O9_ledger_append_only_guard",
			SQL: `SELECT 'updated_ledger_row' AS detail FROM ledger_transactions
                  WHERE status <> 'COMMITTED'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
