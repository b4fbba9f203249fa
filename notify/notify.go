package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notices carry the minimum the delivery channel needs; templating and
// transport live behind the Notifier implementation.

type ReleaseNotice struct {
	DealID      string
	MilestoneID *string
	PayeeID     string
	NetAmount   decimal.Decimal
	Currency    string
}

type RevisionNotice struct {
	DealID      string
	MilestoneID string
	RequesterID string
	Note        string
}

type DisputeNotice struct {
	DealID     string
	DisputeID  string
	Resolution string
}

// Notifier delivers outbound email/SMS. Best effort: implementations must
// never block or fail the state transition that triggered them.
type Notifier interface {
	ReleaseCompleted(ctx context.Context, n ReleaseNotice)
	RevisionRequested(ctx context.Context, n RevisionNotice)
	DisputeResolved(ctx context.Context, n DisputeNotice)
}

// Dispatch runs a notification task after the authoritative transition has
// committed. Panics are swallowed; a lost notification never unwinds state.
func Dispatch(fn func()) {
	go func() {
		defer func() { _ = recover() }()
		fn()
	}()
}

// Noop discards all notifications.
type Noop struct{}

func (Noop) ReleaseCompleted(context.Context, ReleaseNotice)   {}
func (Noop) RevisionRequested(context.Context, RevisionNotice) {}
func (Noop) DisputeResolved(context.Context, DisputeNotice)    {}

// LogNotifier writes notifications to the log. Default wiring until a real
// delivery channel is configured.
type LogNotifier struct {
	Log zerolog.Logger
}

func (l LogNotifier) ReleaseCompleted(_ context.Context, n ReleaseNotice) {
	l.Log.Info().
		Str("deal_id", n.DealID).
		Str("payee_id", n.PayeeID).
		Str("net_amount", n.NetAmount.String()).
		Str("currency", n.Currency).
		Msg("release completed notification")
}

func (l LogNotifier) RevisionRequested(_ context.Context, n RevisionNotice) {
	l.Log.Info().
		Str("deal_id", n.DealID).
		Str("milestone_id", n.MilestoneID).
		Msg("revision requested notification")
}

func (l LogNotifier) DisputeResolved(_ context.Context, n DisputeNotice) {
	l.Log.Info().
		Str("deal_id", n.DealID).
		Str("dispute_id", n.DisputeID).
		Str("resolution", n.Resolution).
		Msg("dispute resolved notification")
}
