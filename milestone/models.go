package milestone

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the milestone lifecycle. RELEASED is soft-terminal: the row is
// kept forever, never deleted.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusDelivered Status = "DELIVERED"
	StatusReleased  Status = "RELEASED"
	StatusDisputed  Status = "DISPUTED"
)

// Milestone is one staged payout within a deal.
type Milestone struct {
	ID               string
	DealID           string
	Index            int
	Title            string
	Amount           decimal.Decimal
	DueDate          time.Time
	ReviewWindowDays int
	RevisionLimit    int
	AutoApprove      bool
	Status           Status
	DeliveredAt      *time.Time
	ReleasedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Delivery is one submission of deliverables. Append-only.
type Delivery struct {
	ID          string
	MilestoneID string
	SubmitterID string
	AssetIDs    []string
	Note        string
	SubmittedAt time.Time
}

// Revision is one revision request. Append-only; the count per milestone is
// compared against the configured limit.
type Revision struct {
	ID          string
	MilestoneID string
	RequesterID string
	Note        string
	RequestedAt time.Time
}

// Released reports whether the milestone has been paid out. ReleasedAt is
// checked alongside the status column: the ledger write set it, and a later
// status overwrite must never resurrect a paid milestone.
func (m Milestone) Released() bool {
	return m.Status == StatusReleased || m.ReleasedAt != nil
}

// NextUnreleased returns the index of the lowest-indexed milestone not yet
// released. All delivery, revision, and release operations target this index
// exclusively; within one deal, milestones are strictly sequential.
func NextUnreleased(milestones []Milestone) (int, bool) {
	for _, m := range milestones {
		if !m.Released() {
			return m.Index, true
		}
	}
	return 0, false
}

// ReviewDeadline is the instant the review window closes, measured from the
// latest delivery. A revision clears DeliveredAt, so re-delivery restarts the
// window from the new submission, never the original one.
func (m Milestone) ReviewDeadline() (time.Time, bool) {
	if m.DeliveredAt == nil {
		return time.Time{}, false
	}
	return m.DeliveredAt.Add(time.Duration(m.ReviewWindowDays) * 24 * time.Hour), true
}

// CanRequestRevision checks the revision protocol against the supplied clock
// value: the milestone must be delivered, the review window still open, and
// the prior revision count under the limit.
func (m Milestone) CanRequestRevision(now time.Time, priorRevisions int) error {
	if m.Status != StatusDelivered || m.DeliveredAt == nil {
		return fmt.Errorf("%w: milestone %d has no delivery under review", ErrNotDelivered, m.Index)
	}
	deadline, _ := m.ReviewDeadline()
	if now.After(deadline) {
		return fmt.Errorf("%w: window closed at %s", ErrReviewWindowExpired, deadline.UTC().Format(time.RFC3339))
	}
	if priorRevisions >= m.RevisionLimit {
		return fmt.Errorf("%w: %d of %d used", ErrRevisionLimitExceeded, priorRevisions, m.RevisionLimit)
	}
	return nil
}
