package deal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/db"
)

var (
	// ErrDealNotFound is returned when no deal row exists for the identifier.
	ErrDealNotFound = errors.New("deal: not found")
)

const dealColumns = `
id, payer_id, payee_id, total_amount, currency, category, status,
allows_partial_release, fee_rate_bps, review_window_days, delivery_due,
auto_release_at, funded_at, released_at, created_at, updated_at, version
`

// Repository is the data access layer for deals.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// GetByID loads a deal without locking.
func (r *Repository) GetByID(ctx context.Context, q db.Querier, dealID string) (Deal, error) {
	row := q.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, dealID)
	d, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrDealNotFound
		}
		return Deal{}, fmt.Errorf("deal: get %s: %w", dealID, err)
	}
	return d, nil
}

// GetForUpdate loads a deal under an exclusive row lock. Every fund-moving
// operation goes through this lock; it is the deal-scoped mutex the
// concurrency model requires.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, dealID string) (Deal, error) {
	row := tx.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, dealID)
	d, err := scanDeal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, ErrDealNotFound
		}
		return Deal{}, fmt.Errorf("deal: lock %s: %w", dealID, err)
	}
	return d, nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var d Deal
	err := row.Scan(
		&d.ID,
		&d.PayerID,
		&d.PayeeID,
		&d.TotalAmount,
		&d.Currency,
		&d.Category,
		&d.Status,
		&d.AllowsPartialRelease,
		&d.FeeRateBps,
		&d.ReviewWindowDays,
		&d.DeliveryDue,
		&d.AutoReleaseAt,
		&d.FundedAt,
		&d.ReleasedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.Version,
	)
	return d, err
}
