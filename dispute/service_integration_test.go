package dispute

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDispute_Integration connects to a real PostgreSQL via DATABASE_URL and
// exercises the open/resolve cycle against milestone rows, in particular the
// refusal to reopen a paid milestone.
func TestDispute_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var schemaOK bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'disputes')`).Scan(&schemaOK); err != nil || !schemaOK {
		t.Skip("database schema missing; apply migrations first")
	}

	suffix := time.Now().UnixNano()
	seedParty := func(role, name string) string {
		var id string
		if err := pool.QueryRow(ctx,
			`INSERT INTO parties (email, display_name, password_hash, role) VALUES ($1, $2, 'x', $3) RETURNING id`,
			fmt.Sprintf("%s+%d@example.com", role, suffix), name, role).Scan(&id); err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		return id
	}
	payerID := seedParty("payer", "Pat Payer")
	payeeID := seedParty("payee", "Sam Seller")
	adminID := seedParty("admin", "Ava Admin")

	var dealID string
	if err := pool.QueryRow(ctx, `
INSERT INTO deals (payer_id, payee_id, total_amount, currency, category, status, allows_partial_release, fee_rate_bps, funded_at, auto_release_at)
VALUES ($1, $2, 300.00, 'USD', 'service', 'FUNDED', true, 250, now(), now() + interval '3 days')
RETURNING id`, payerID, payeeID).Scan(&dealID); err != nil {
		t.Fatalf("seed deal: %v", err)
	}

	var paidMilestone, activeMilestone string
	if err := pool.QueryRow(ctx, `
INSERT INTO milestones (deal_id, idx, title, amount, due_date, status, delivered_at, released_at)
VALUES ($1, 0, 'draft', 150.00, now() + interval '7 days', 'RELEASED', now() - interval '2 days', now() - interval '1 day')
RETURNING id`, dealID).Scan(&paidMilestone); err != nil {
		t.Fatalf("seed paid milestone: %v", err)
	}
	if err := pool.QueryRow(ctx, `
INSERT INTO milestones (deal_id, idx, title, amount, due_date, status, delivered_at)
VALUES ($1, 1, 'final', 150.00, now() + interval '14 days', 'DELIVERED', now())
RETURNING id`, dealID).Scan(&activeMilestone); err != nil {
		t.Fatalf("seed active milestone: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM events WHERE deal_id = $1`, dealID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE deal_id = $1`, dealID)
		pool.Exec(ctx2, `DELETE FROM milestones WHERE deal_id = $1`, dealID)
		pool.Exec(ctx2, `DELETE FROM deals WHERE id = $1`, dealID)
		pool.Exec(ctx2, `DELETE FROM parties WHERE id IN ($1, $2, $3)`, payerID, payeeID, adminID)
	})

	svc := NewService(pool, nil)

	t.Run("paid milestone cannot be disputed", func(t *testing.T) {
		_, err := svc.Open(ctx, OpenParams{
			DealID:      dealID,
			MilestoneID: &paidMilestone,
			OpenerID:    payerID,
			Reason:      "second thoughts",
		})
		if !errors.Is(err, ErrMilestoneReleased) {
			t.Fatalf("got %v, want ErrMilestoneReleased", err)
		}

		var status string
		var releasedAt *time.Time
		if err := pool.QueryRow(ctx, `SELECT status, released_at FROM milestones WHERE id = $1`, paidMilestone).Scan(&status, &releasedAt); err != nil {
			t.Fatalf("reload milestone: %v", err)
		}
		if status != "RELEASED" || releasedAt == nil {
			t.Fatalf("paid milestone mutated: status=%s released_at=%v", status, releasedAt)
		}
	})

	t.Run("dispute and rejection return the milestone to review", func(t *testing.T) {
		rec, err := svc.Open(ctx, OpenParams{
			DealID:      dealID,
			MilestoneID: &activeMilestone,
			OpenerID:    payerID,
			Reason:      "not as described",
		})
		if err != nil {
			t.Fatalf("open: %v", err)
		}

		var status string
		if err := pool.QueryRow(ctx, `SELECT status FROM milestones WHERE id = $1`, activeMilestone).Scan(&status); err != nil {
			t.Fatalf("reload milestone: %v", err)
		}
		if status != "DISPUTED" {
			t.Fatalf("milestone status = %s, want DISPUTED", status)
		}
		var autoReleaseAt *time.Time
		if err := pool.QueryRow(ctx, `SELECT auto_release_at FROM deals WHERE id = $1`, dealID).Scan(&autoReleaseAt); err != nil {
			t.Fatalf("reload deal: %v", err)
		}
		if autoReleaseAt != nil {
			t.Fatalf("auto_release_at not cleared: %v", autoReleaseAt)
		}

		if _, err := svc.Resolve(ctx, ResolveParams{
			DisputeID:  rec.ID,
			ResolverID: adminID,
			Resolution: StatusRejected,
			Note:       "delivery matches the brief",
		}); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if err := pool.QueryRow(ctx, `SELECT status FROM milestones WHERE id = $1`, activeMilestone).Scan(&status); err != nil {
			t.Fatalf("reload milestone: %v", err)
		}
		if status != "DELIVERED" {
			t.Fatalf("milestone status after rejection = %s, want DELIVERED", status)
		}
	})
}
