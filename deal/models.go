package deal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category determines which lifecycle edges make sense for a deal. The
// transition table is a superset across categories; category-specific
// routing (e.g. shipment states) is up to the callers.
type Category string

const (
	CategoryPhysical Category = "physical"
	CategoryDigital  Category = "digital"
	CategoryService  Category = "service"
	CategoryTicket   Category = "ticket"
)

// Deal is an escrow transaction between a payer and a payee. Deals are never
// deleted; terminal states are immutable audit records.
type Deal struct {
	ID                   string
	PayerID              string
	PayeeID              string
	TotalAmount          decimal.Decimal
	Currency             string
	Category             Category
	Status               Status
	AllowsPartialRelease bool
	FeeRateBps           int
	ReviewWindowDays     int
	DeliveryDue          *time.Time
	AutoReleaseAt        *time.Time
	FundedAt             *time.Time
	ReleasedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	// Version increments on every status write and backs the
	// optimistic-concurrency guard.
	Version int
}

func validCategory(c Category) bool {
	switch c {
	case CategoryPhysical, CategoryDigital, CategoryService, CategoryTicket:
		return true
	default:
		return false
	}
}
