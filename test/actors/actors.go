package actors

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/milestone"
	"escrowflow/release"
	"escrowflow/sweep"
)

// Actors hammer the services concurrently. They swallow domain rejections and
// connection drops: chaos can kill any in-flight call, and the oracles, not
// the actors, decide pass/fail.

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

// Releaser races the sweeper on deal-level releases, reusing one idempotency
// key so that at most one RELEASE entry can ever land.
func Releaser(ctx context.Context, eng *release.Engine, dealID, actorID string, role deal.Role, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = eng.Release(ctx, release.ReleaseParams{
			DealID:         dealID,
			ActorID:        actorID,
			ActorRole:      role,
			IdempotencyKey: "race-release:" + dealID,
			Reason:         "approved for release",
		})
		time.Sleep(jitter(10, 30))
	}
}

// MilestoneReleaser approves whatever milestone is currently delivered,
// keyed per milestone so retries replay instead of double-paying.
func MilestoneReleaser(ctx context.Context, eng *release.Engine, pool *pgxpool.Pool, dealID, payerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var milestoneID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM milestones WHERE deal_id = $1 AND status = 'DELIVERED' ORDER BY idx LIMIT 1`,
			dealID).Scan(&milestoneID)
		if err == nil {
			_, _ = eng.Release(ctx, release.ReleaseParams{
				DealID:         dealID,
				MilestoneID:    &milestoneID,
				ActorID:        payerID,
				ActorRole:      deal.RolePayer,
				IdempotencyKey: "race-approve:" + milestoneID,
				Reason:         "payer approved milestone",
			})
		}
		time.Sleep(jitter(15, 40))
	}
}

// Deliverer plays the payee: submit work for the active milestone whenever it
// is pending.
func Deliverer(ctx context.Context, eng *milestone.Engine, pool *pgxpool.Pool, dealID, payeeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var milestoneID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM milestones WHERE deal_id = $1 AND status = 'PENDING' ORDER BY idx LIMIT 1`,
			dealID).Scan(&milestoneID)
		if err == nil {
			_, _ = eng.Deliver(ctx, milestone.DeliverParams{
				DealID:      dealID,
				MilestoneID: milestoneID,
				SubmitterID: payeeID,
				AssetIDs:    []string{"asset-" + milestoneID},
				Note:        "work delivered",
			})
		}
		time.Sleep(jitter(20, 50))
	}
}

// Reviser plays a picky payer: request a revision against the delivered
// milestone. The engine enforces the window and the limit; rejections are
// expected.
func Reviser(ctx context.Context, eng *milestone.Engine, pool *pgxpool.Pool, dealID, payerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var milestoneID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM milestones WHERE deal_id = $1 AND status = 'DELIVERED' ORDER BY idx LIMIT 1`,
			dealID).Scan(&milestoneID)
		if err == nil {
			_, _ = eng.RequestRevision(ctx, milestone.RevisionParams{
				DealID:      dealID,
				MilestoneID: milestoneID,
				RequesterID: payerID,
				Note:        "needs another pass",
			})
		}
		time.Sleep(jitter(80, 120))
	}
}

// Disputer opens a dispute, lets it freeze releases for a while, then has the
// admin resolve it with a random outcome.
func Disputer(ctx context.Context, svc *dispute.Service, dealID, payerID, adminID string, stop <-chan struct{}) error {
	resolutions := []dispute.Status{
		dispute.StatusResolvedPayee,
		dispute.StatusRejected,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rec, err := svc.Open(ctx, dispute.OpenParams{
			DealID:   dealID,
			OpenerID: payerID,
			Reason:   "stress claim",
		})
		if err == nil {
			time.Sleep(jitter(100, 200))
			_, _ = svc.Resolve(ctx, dispute.ResolveParams{
				DisputeID:  rec.ID,
				ResolverID: adminID,
				Resolution: resolutions[rand.Intn(len(resolutions))],
				Note:       "stress resolution",
			})
		}
		time.Sleep(jitter(300, 300))
	}
}

// SweepRunner keeps the scheduler ticking against the same deals the user
// actors are racing on.
func SweepRunner(ctx context.Context, sw *sweep.Sweeper, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = sw.Run(ctx)
		time.Sleep(jitter(50, 100))
	}
}

// PayoutCallback simulates the rail confirming transfers: PROCESSING payouts
// flip to COMPLETED.
func PayoutCallback(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	repo := release.NewPayoutRepository()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `SELECT id FROM payouts WHERE status = 'PROCESSING' LIMIT 10`)
		if err == nil {
			ids := make([]string, 0, 10)
			for rows.Next() {
				var id string
				if rows.Scan(&id) == nil {
					ids = append(ids, id)
				}
			}
			rows.Close()
			for _, id := range ids {
				_ = repo.MarkCompleted(ctx, pool, id)
			}
		}
		time.Sleep(jitter(100, 100))
	}
}
