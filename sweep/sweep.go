package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"escrowflow/deal"
	"escrowflow/release"
)

// defaultBatchSize caps how many candidates one sweep run picks up per phase.
// Anything left over is caught by the next run.
const defaultBatchSize = 100

// defaultConcurrency bounds parallel release attempts within a phase. Each
// attempt takes its own per-deal row lock, so parallelism across deals is
// safe; the cap just keeps the pool from saturating.
const defaultConcurrency = 8

// MilestoneCandidate identifies a delivered milestone whose review window has
// elapsed.
type MilestoneCandidate struct {
	DealID      string
	MilestoneID string
}

// CandidateSource finds work for the sweep. The queries are prefilters only:
// every candidate is re-validated under the deal lock by the release engine,
// so a stale snapshot costs a skip, never a wrong payment.
type CandidateSource interface {
	DueAutoReleases(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueMilestoneApprovals(ctx context.Context, now time.Time, limit int) ([]MilestoneCandidate, error)
	RetryablePayouts(ctx context.Context, limit int) ([]string, error)
}

// Releaser is the slice of the release engine the sweep drives.
type Releaser interface {
	Release(ctx context.Context, p release.ReleaseParams) (release.ReleaseResult, error)
	RetryPayout(ctx context.Context, payoutID string) error
}

// PhaseSummary counts the outcomes of one sweep phase.
type PhaseSummary struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Summary is the result of one full sweep run, returned to the trigger
// endpoint as JSON.
type Summary struct {
	AutoRelease          PhaseSummary `json:"autoRelease"`
	MilestoneAutoApprove PhaseSummary `json:"milestoneAutoApprove"`
	PayoutRetry          PhaseSummary `json:"payoutRetry"`
}

// Sweeper runs the periodic pass: deal auto-releases whose review window
// elapsed, milestone auto-approvals, and retryable payout re-sends. Runs are
// idempotent; overlapping runs contend on row locks and idempotency keys,
// never double-pay.
type Sweeper struct {
	source      CandidateSource
	releaser    Releaser
	log         zerolog.Logger
	now         func() time.Time
	batchSize   int
	concurrency int
}

func NewSweeper(source CandidateSource, releaser Releaser, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		source:      source,
		releaser:    releaser,
		log:         log.With().Str("component", "sweeper").Logger(),
		now:         time.Now,
		batchSize:   defaultBatchSize,
		concurrency: defaultConcurrency,
	}
}

// WithClock replaces the sweeper's clock. Test hook.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run executes the three phases in order and reports per-phase counts. A
// failed candidate is counted and logged; it never aborts the run.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	now := s.now().UTC()
	var sum Summary
	var err error

	if sum.AutoRelease, err = s.runAutoRelease(ctx, now); err != nil {
		return sum, fmt.Errorf("sweep: auto-release phase: %w", err)
	}
	if sum.MilestoneAutoApprove, err = s.runMilestoneApprove(ctx, now); err != nil {
		return sum, fmt.Errorf("sweep: milestone auto-approve phase: %w", err)
	}
	if sum.PayoutRetry, err = s.runPayoutRetry(ctx); err != nil {
		return sum, fmt.Errorf("sweep: payout retry phase: %w", err)
	}

	s.log.Info().
		Int("auto_released", sum.AutoRelease.Succeeded).
		Int("milestones_approved", sum.MilestoneAutoApprove.Succeeded).
		Int("payouts_retried", sum.PayoutRetry.Succeeded).
		Msg("sweep run complete")
	return sum, nil
}

func (s *Sweeper) runAutoRelease(ctx context.Context, now time.Time) (PhaseSummary, error) {
	dealIDs, err := s.source.DueAutoReleases(ctx, now, s.batchSize)
	if err != nil {
		return PhaseSummary{}, err
	}
	var c phaseCounter
	c.sum.Scanned = len(dealIDs)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, dealID := range dealIDs {
		g.Go(func() error {
			_, err := s.releaser.Release(gCtx, release.ReleaseParams{
				DealID:         dealID,
				ActorRole:      deal.RoleSystem,
				IdempotencyKey: "auto-release:" + dealID,
				Reason:         "review window elapsed",
			})
			s.tally(&c, "auto-release", dealID, err)
			return nil
		})
	}
	err = g.Wait()
	return c.sum, err
}

func (s *Sweeper) runMilestoneApprove(ctx context.Context, now time.Time) (PhaseSummary, error) {
	candidates, err := s.source.DueMilestoneApprovals(ctx, now, s.batchSize)
	if err != nil {
		return PhaseSummary{}, err
	}
	var c phaseCounter
	c.sum.Scanned = len(candidates)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, cand := range candidates {
		g.Go(func() error {
			milestoneID := cand.MilestoneID
			_, err := s.releaser.Release(gCtx, release.ReleaseParams{
				DealID:         cand.DealID,
				MilestoneID:    &milestoneID,
				ActorRole:      deal.RoleSystem,
				IdempotencyKey: "auto-approve:" + milestoneID,
				Reason:         "milestone review window elapsed",
			})
			s.tally(&c, "milestone-approve", cand.DealID, err)
			return nil
		})
	}
	err = g.Wait()
	return c.sum, err
}

func (s *Sweeper) runPayoutRetry(ctx context.Context) (PhaseSummary, error) {
	payoutIDs, err := s.source.RetryablePayouts(ctx, s.batchSize)
	if err != nil {
		return PhaseSummary{}, err
	}
	var c phaseCounter
	c.sum.Scanned = len(payoutIDs)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, payoutID := range payoutIDs {
		g.Go(func() error {
			err := s.releaser.RetryPayout(gCtx, payoutID)
			switch {
			case err == nil:
				c.add(func(p *PhaseSummary) { p.Succeeded++ })
			case errors.Is(err, release.ErrPayoutNotRetryable):
				// Another run got here first, or the rail callback landed.
				c.add(func(p *PhaseSummary) { p.Skipped++ })
			default:
				c.add(func(p *PhaseSummary) { p.Failed++ })
				s.log.Warn().Str("payout_id", payoutID).Err(err).Msg("payout retry failed")
			}
			return nil
		})
	}
	err = g.Wait()
	return c.sum, err
}

// tally classifies a release attempt. Candidates that lost a race or whose
// state moved since the scan are skips, not failures.
func (s *Sweeper) tally(c *phaseCounter, phase, dealID string, err error) {
	switch {
	case err == nil:
		c.add(func(p *PhaseSummary) { p.Succeeded++ })
	case errors.Is(err, release.ErrDisputeActive),
		errors.Is(err, release.ErrNotEligible),
		errors.Is(err, deal.ErrInvalidTransition),
		errors.Is(err, deal.ErrConcurrentModification):
		c.add(func(p *PhaseSummary) { p.Skipped++ })
	default:
		c.add(func(p *PhaseSummary) { p.Failed++ })
		s.log.Warn().Str("phase", phase).Str("deal_id", dealID).Err(err).Msg("sweep candidate failed")
	}
}

type phaseCounter struct {
	mu  sync.Mutex
	sum PhaseSummary
}

func (c *phaseCounter) add(fn func(*PhaseSummary)) {
	c.mu.Lock()
	fn(&c.sum)
	c.mu.Unlock()
}

// PGCandidateSource runs the candidate prefilter queries against Postgres.
type PGCandidateSource struct {
	pool *pgxpool.Pool
}

func NewPGCandidateSource(pool *pgxpool.Pool) *PGCandidateSource {
	return &PGCandidateSource{pool: pool}
}

// DueAutoReleases finds deals sitting in DELIVERED_PENDING_RELEASE past their
// auto-release instant. auto_release_at is cleared by revisions and disputes,
// so its presence already encodes "no payer action since delivery".
func (s *PGCandidateSource) DueAutoReleases(ctx context.Context, now time.Time, limit int) ([]string, error) {
	const querySQL = `
SELECT id
FROM deals
WHERE status = 'DELIVERED_PENDING_RELEASE'
  AND auto_release_at IS NOT NULL
  AND auto_release_at <= $1
ORDER BY auto_release_at
LIMIT $2
`
	rows, err := s.pool.Query(ctx, querySQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("sweep: query due auto-releases: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sweep: scan deal id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DueMilestoneApprovals finds delivered, auto-approve milestones whose review
// window has elapsed with no revision requested after the delivery. Dispute
// and sequencing checks are left to the engine's locked re-validation.
func (s *PGCandidateSource) DueMilestoneApprovals(ctx context.Context, now time.Time, limit int) ([]MilestoneCandidate, error) {
	const querySQL = `
SELECT m.deal_id, m.id
FROM milestones m
JOIN deals d ON d.id = m.deal_id
WHERE m.status = 'DELIVERED'
  AND m.auto_approve
  AND m.delivered_at IS NOT NULL
  AND m.delivered_at + make_interval(days => m.review_window_days) <= $1
  AND d.allows_partial_release
  AND NOT EXISTS (
      SELECT 1 FROM milestone_revisions r
      WHERE r.milestone_id = m.id AND r.requested_at > m.delivered_at
  )
ORDER BY m.delivered_at
LIMIT $2
`
	rows, err := s.pool.Query(ctx, querySQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("sweep: query due milestone approvals: %w", err)
	}
	defer rows.Close()

	var out []MilestoneCandidate
	for rows.Next() {
		var c MilestoneCandidate
		if err := rows.Scan(&c.DealID, &c.MilestoneID); err != nil {
			return nil, fmt.Errorf("sweep: scan milestone candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RetryablePayouts lists FAILED payouts flagged retryable.
func (s *PGCandidateSource) RetryablePayouts(ctx context.Context, limit int) ([]string, error) {
	const querySQL = `
SELECT id FROM payouts WHERE status = 'FAILED' AND retryable ORDER BY updated_at LIMIT $1
`
	rows, err := s.pool.Query(ctx, querySQL, limit)
	if err != nil {
		return nil, fmt.Errorf("sweep: query retryable payouts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sweep: scan payout id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
