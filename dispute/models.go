package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusNegotiation Status = "NEGOTIATION"
	StatusAdminReview Status = "ADMIN_REVIEW"
	StatusNeedsInfo   Status = "NEEDS_INFO"

	StatusResolvedPayer Status = "RESOLVED_PAYER"
	StatusResolvedPayee Status = "RESOLVED_PAYEE"
	StatusRejected      Status = "REJECTED"
)

// IsActive reports whether a dispute in this status freezes fund movement.
func IsActive(s Status) bool {
	switch s {
	case StatusOpen, StatusNegotiation, StatusAdminReview, StatusNeedsInfo:
		return true
	default:
		return false
	}
}

// activeStatusList is the SQL-side mirror of IsActive.
const activeStatusList = `('OPEN','NEGOTIATION','ADMIN_REVIEW','NEEDS_INFO')`

// Record mirrors the disputes table. A nil MilestoneID scopes the dispute to
// the whole deal.
type Record struct {
	ID             string
	DealID         string
	MilestoneID    *string
	Status         Status
	OpenerID       string
	Reason         string
	ResolutionNote *string
	ResolverID     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
}
