package release

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Payment rail failures, as reported by the external payout/refund provider.
// Only ErrRailTemporaryFailure is retryable; the other two need operator or
// payee action first.
var (
	ErrAccountNotConnected  = errors.New("release: payee account not connected to payment rail")
	ErrRailTemporaryFailure = errors.New("release: payment rail temporary failure")
	ErrRailRejected         = errors.New("release: payment rail rejected the transfer")
)

// PayoutOrder is the instruction handed to the payment rail. Amount is the
// payee net; Gross and Fee are carried for the rail's records.
type PayoutOrder struct {
	PayoutID             string
	DealID               string
	Amount               decimal.Decimal
	Gross                decimal.Decimal
	Fee                  decimal.Decimal
	Currency             string
	DestinationAccountID string
}

// PaymentRail is the external payout/refund collaborator. Calls have bounded
// timeouts via ctx; a slow rail must never hold up a committed release.
type PaymentRail interface {
	CreatePayout(ctx context.Context, order PayoutOrder) (payoutRef string, err error)
	RefundPayment(ctx context.Context, paymentRef string, amount decimal.Decimal) (refundRef string, err error)
}

// railFailureClass maps a rail error to the class stored on the payout row.
func railFailureClass(err error) (class string, retryable bool) {
	switch {
	case errors.Is(err, ErrAccountNotConnected):
		return "account_not_connected", false
	case errors.Is(err, ErrRailRejected):
		return "rail_rejected", false
	case errors.Is(err, ErrRailTemporaryFailure):
		return "rail_temporary_failure", true
	default:
		// Unknown failures (timeouts included) are treated as temporary: the
		// transfer may or may not have gone out, and the retry path carries
		// the payout id for the rail to dedupe on.
		return "rail_unknown_failure", true
	}
}
