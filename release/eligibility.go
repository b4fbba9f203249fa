package release

import (
	"time"

	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/milestone"
)

// Stable eligibility reasons surfaced to callers and the sweep summary.
const (
	ReasonFrozenByDispute     = "frozen_by_dispute"
	ReasonInvalidState        = "invalid_state"
	ReasonPartialNotAllowed   = "partial_release_not_allowed"
	ReasonNotActiveMilestone  = "not_active_milestone"
	ReasonNoDelivery          = "no_delivery"
	ReasonAlreadyReleased     = "already_released"
	ReasonDeadlineNotElapsed  = "deadline_not_elapsed"
	ReasonAutoApproveDisabled = "auto_approve_disabled"
)

// Eligibility is the verdict of the gate chain.
type Eligibility struct {
	Eligible bool
	Reason   string
}

func ineligible(reason string) Eligibility {
	return Eligibility{Reason: reason}
}

// releasableDealStates are the deal states from which a milestone-scoped
// release may proceed. Milestone deals do their delivery bookkeeping on the
// milestone rows while the deal typically sits in FUNDED.
func releasableForMilestone(s deal.Status) bool {
	switch s {
	case deal.StatusFunded, deal.StatusInTransit, deal.StatusProofSubmitted,
		deal.StatusUnderReview, deal.StatusDeliveredPendingRelease, deal.StatusResolved:
		return true
	default:
		return false
	}
}

// Evaluate runs the eligibility gates in their mandated order: dispute
// freeze first, then the state machine, then the milestone protocol. It is a
// pure function over a snapshot; callers decide whether the snapshot was
// taken under the deal lock. The clock value is injected so time-dependent
// checks are reproducible.
func Evaluate(d deal.Deal, frozen dispute.Freeze, milestones []milestone.Milestone, milestoneID *string, now time.Time) Eligibility {
	if frozen.Frozen {
		return ineligible(ReasonFrozenByDispute)
	}

	if milestoneID == nil {
		// Full release: the deal itself must sit in a state the table allows
		// the system to release from.
		if d.Status == deal.StatusReleased {
			return ineligible(ReasonAlreadyReleased)
		}
		if !deal.CanTransition(d.Status, deal.StatusReleased, deal.RoleSystem) {
			return ineligible(ReasonInvalidState)
		}
		return Eligibility{Eligible: true}
	}

	if !d.AllowsPartialRelease {
		return ineligible(ReasonPartialNotAllowed)
	}
	if !releasableForMilestone(d.Status) {
		return ineligible(ReasonInvalidState)
	}

	active, ok := milestone.NextUnreleased(milestones)
	if !ok {
		return ineligible(ReasonAlreadyReleased)
	}
	for _, m := range milestones {
		if m.ID != *milestoneID {
			continue
		}
		// Released() rather than a status comparison: the ledger entry is the
		// source of truth, so a milestone with released_at set stays released
		// whatever its status column says.
		if m.Released() {
			return ineligible(ReasonAlreadyReleased)
		}
		if m.Index != active {
			return ineligible(ReasonNotActiveMilestone)
		}
		if m.Status != milestone.StatusDelivered || m.DeliveredAt == nil {
			return ineligible(ReasonNoDelivery)
		}
		return Eligibility{Eligible: true}
	}
	return ineligible(ReasonNotActiveMilestone)
}

// EvaluateUnattended is the extra gate for releases no human asked for. A
// scan result goes stale the moment a revision or re-delivery lands, so the
// deadline is re-verified against the locked rows, never the scan's own
// timestamps. Runs after Evaluate; it assumes the basic gates already passed.
func EvaluateUnattended(d deal.Deal, milestones []milestone.Milestone, milestoneID *string, now time.Time) Eligibility {
	if milestoneID == nil {
		if d.AutoReleaseAt == nil || now.Before(*d.AutoReleaseAt) {
			return ineligible(ReasonDeadlineNotElapsed)
		}
		return Eligibility{Eligible: true}
	}
	for _, m := range milestones {
		if m.ID != *milestoneID {
			continue
		}
		if !m.AutoApprove {
			return ineligible(ReasonAutoApproveDisabled)
		}
		deadline, ok := m.ReviewDeadline()
		if !ok || now.Before(deadline) {
			return ineligible(ReasonDeadlineNotElapsed)
		}
		return Eligibility{Eligible: true}
	}
	return ineligible(ReasonNotActiveMilestone)
}
