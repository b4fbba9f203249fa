package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger transaction.
type EntryType string

const (
	EntryFund           EntryType = "FUND"
	EntryReleaseToPayee EntryType = "RELEASE_TO_PAYEE"
	EntryRefundToPayer  EntryType = "REFUND_TO_PAYER"
	EntrySplitRelease   EntryType = "SPLIT_RELEASE"
	EntryFee            EntryType = "FEE"
)

// debitsCustody reports whether the entry type moves money out of custody.
func debitsCustody(t EntryType) bool {
	switch t {
	case EntryReleaseToPayee, EntryRefundToPayer, EntrySplitRelease:
		return true
	default:
		return false
	}
}

func validEntryType(t EntryType) bool {
	switch t {
	case EntryFund, EntryReleaseToPayee, EntryRefundToPayer, EntrySplitRelease, EntryFee:
		return true
	default:
		return false
	}
}

// Transaction is one immutable ledger row. Rows are never updated or deleted;
// the custody balance is always derived by summation.
type Transaction struct {
	ID             string
	DealID         string
	MilestoneID    *string
	Type           EntryType
	Amount         decimal.Decimal
	Currency       string
	Status         string
	IdempotencyKey *string
	CreatedAt      time.Time
}

// Balance is the derived position of a deal's funds.
type Balance struct {
	Funded   decimal.Decimal
	Released decimal.Decimal
	Custody  decimal.Decimal
}
