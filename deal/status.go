package deal

// Status enumerates the deal lifecycle states.
type Status string

const (
	StatusAwaitingPayment         Status = "AWAITING_PAYMENT"
	StatusFunded                  Status = "FUNDED"
	StatusAwaitingShipment        Status = "AWAITING_SHIPMENT"
	StatusInTransit               Status = "IN_TRANSIT"
	StatusProofSubmitted          Status = "PROOF_SUBMITTED"
	StatusUnderReview             Status = "UNDER_REVIEW"
	StatusDeliveredPendingRelease Status = "DELIVERED_PENDING_RELEASE"
	StatusDisputed                Status = "DISPUTED"
	StatusResolved                Status = "RESOLVED"
	StatusReleased                Status = "RELEASED"
	StatusRefunded                Status = "REFUNDED"
	StatusCanceled                Status = "CANCELED"
)

// Role identifies who is attempting a transition.
type Role string

const (
	RolePayer  Role = "payer"
	RolePayee  Role = "payee"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

type edge struct {
	from, to Status
}

// transitionTable is the single authority on which edges exist and who may
// drive them. Cancellation is deliberately absent everywhere except
// AWAITING_PAYMENT and AWAITING_SHIPMENT.
var transitionTable = map[edge][]Role{
	{StatusAwaitingPayment, StatusFunded}:   {RoleSystem, RolePayer},
	{StatusAwaitingPayment, StatusCanceled}: {RolePayer, RolePayee, RoleAdmin},

	{StatusFunded, StatusAwaitingShipment}: {RoleSystem, RolePayee},
	{StatusFunded, StatusProofSubmitted}:   {RolePayee},
	{StatusFunded, StatusDisputed}:         {RolePayer, RolePayee},
	{StatusFunded, StatusRefunded}:         {RoleAdmin},
	// Final milestone of a split deal: the release engine closes the deal
	// directly from FUNDED once every milestone has released.
	{StatusFunded, StatusReleased}: {RoleSystem},

	{StatusAwaitingShipment, StatusInTransit}: {RolePayee},
	{StatusAwaitingShipment, StatusCanceled}:  {RolePayer, RoleAdmin},

	{StatusInTransit, StatusProofSubmitted}: {RolePayee, RoleSystem},
	{StatusInTransit, StatusDisputed}:       {RolePayer, RolePayee},

	{StatusProofSubmitted, StatusUnderReview}:             {RolePayer},
	{StatusProofSubmitted, StatusDeliveredPendingRelease}: {RolePayer, RoleSystem},
	{StatusProofSubmitted, StatusDisputed}:                {RolePayer, RolePayee},

	{StatusUnderReview, StatusDeliveredPendingRelease}: {RolePayer, RoleSystem},
	{StatusUnderReview, StatusDisputed}:                {RolePayer, RolePayee},

	{StatusDeliveredPendingRelease, StatusReleased}: {RolePayer, RoleSystem, RoleAdmin},
	{StatusDeliveredPendingRelease, StatusDisputed}: {RolePayer, RolePayee},

	{StatusDisputed, StatusResolved}: {RoleAdmin, RoleSystem},

	{StatusResolved, StatusReleased}: {RoleAdmin, RoleSystem},
	{StatusResolved, StatusRefunded}: {RoleAdmin, RoleSystem},
}

// CanTransition reports whether the actor role may move a deal from current
// to target. Pure lookup; it never touches stored state.
func CanTransition(current, target Status, role Role) bool {
	roles, ok := transitionTable[edge{current, target}]
	if !ok {
		return false
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status permits no further transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCanceled:
		return true
	default:
		return false
	}
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusAwaitingPayment, StatusFunded, StatusAwaitingShipment, StatusInTransit,
		StatusProofSubmitted, StatusUnderReview, StatusDeliveredPendingRelease,
		StatusDisputed, StatusResolved, StatusReleased, StatusRefunded, StatusCanceled:
		return true
	default:
		return false
	}
}

func validRole(r Role) bool {
	switch r {
	case RolePayer, RolePayee, RoleAdmin, RoleSystem:
		return true
	default:
		return false
	}
}
