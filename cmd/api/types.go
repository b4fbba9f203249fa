package main

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/deal"
	"escrowflow/dispute"
)

type partyResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type loginResponse struct {
	Token string        `json:"token"`
	Party partyResponse `json:"party"`
}

type milestonePlanRequest struct {
	Title            string    `json:"title"`
	Amount           string    `json:"amount"`
	DueDate          time.Time `json:"due_date"`
	ReviewWindowDays int       `json:"review_window_days"`
	RevisionLimit    int       `json:"revision_limit"`
	AutoApprove      bool      `json:"auto_approve"`
}

type createDealRequest struct {
	PayeeID          string                 `json:"payee_id"`
	TotalAmount      string                 `json:"total_amount"`
	Currency         string                 `json:"currency"`
	Category         string                 `json:"category"`
	FeeRateBps       int                    `json:"fee_rate_bps"`
	ReviewWindowDays int                    `json:"review_window_days"`
	DeliveryDue      *time.Time             `json:"delivery_due"`
	Milestones       []milestonePlanRequest `json:"milestones"`
}

func (r createDealRequest) toParams(payerID string) (deal.CreateParams, error) {
	total, err := decimal.NewFromString(r.TotalAmount)
	if err != nil {
		return deal.CreateParams{}, fmt.Errorf("invalid total_amount: %v", err)
	}
	plan := make([]deal.MilestonePlan, 0, len(r.Milestones))
	for i, m := range r.Milestones {
		amount, err := decimal.NewFromString(m.Amount)
		if err != nil {
			return deal.CreateParams{}, fmt.Errorf("invalid amount on milestone %d: %v", i, err)
		}
		plan = append(plan, deal.MilestonePlan{
			Title:            m.Title,
			Amount:           amount,
			DueDate:          m.DueDate,
			ReviewWindowDays: m.ReviewWindowDays,
			RevisionLimit:    m.RevisionLimit,
			AutoApprove:      m.AutoApprove,
		})
	}
	return deal.CreateParams{
		PayerID:          payerID,
		PayeeID:          r.PayeeID,
		TotalAmount:      total,
		Currency:         r.Currency,
		Category:         deal.Category(r.Category),
		FeeRateBps:       r.FeeRateBps,
		ReviewWindowDays: r.ReviewWindowDays,
		DeliveryDue:      r.DeliveryDue,
		Milestones:       plan,
	}, nil
}

type balanceResponse struct {
	Funded   string `json:"funded"`
	Released string `json:"released"`
	Custody  string `json:"custody"`
}

type dealResponse struct {
	ID                   string           `json:"id"`
	PayerID              string           `json:"payer_id"`
	PayeeID              string           `json:"payee_id"`
	TotalAmount          string           `json:"total_amount"`
	Currency             string           `json:"currency"`
	Category             string           `json:"category"`
	Status               string           `json:"status"`
	AllowsPartialRelease bool             `json:"allows_partial_release"`
	FeeRateBps           int              `json:"fee_rate_bps"`
	AutoReleaseAt        *string          `json:"auto_release_at,omitempty"`
	CreatedAt            string           `json:"created_at"`
	Balance              *balanceResponse `json:"balance,omitempty"`
}

func toDealResponse(d deal.Deal) dealResponse {
	resp := dealResponse{
		ID:                   d.ID,
		PayerID:              d.PayerID,
		PayeeID:              d.PayeeID,
		TotalAmount:          d.TotalAmount.String(),
		Currency:             d.Currency,
		Category:             string(d.Category),
		Status:               string(d.Status),
		AllowsPartialRelease: d.AllowsPartialRelease,
		FeeRateBps:           d.FeeRateBps,
		CreatedAt:            d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.AutoReleaseAt != nil {
		v := d.AutoReleaseAt.UTC().Format(time.RFC3339)
		resp.AutoReleaseAt = &v
	}
	return resp
}

type transitionRequest struct {
	Target         string `json:"target"`
	ExpectedStatus string `json:"expected_status"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type releaseRequest struct {
	MilestoneID    *string `json:"milestone_id"`
	IdempotencyKey string  `json:"idempotency_key"`
	Reason         string  `json:"reason"`
}

type releaseResponse struct {
	LedgerTxID string `json:"ledger_tx_id"`
	PayoutID   string `json:"payout_id,omitempty"`
	Gross      string `json:"gross"`
	Fee        string `json:"fee,omitempty"`
	Net        string `json:"net,omitempty"`
	Replayed   bool   `json:"replayed"`
}

type eligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

type ledgerEntryResponse struct {
	ID          string  `json:"id"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	Type        string  `json:"type"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
	CreatedAt   string  `json:"created_at"`
}

type openDisputeRequest struct {
	MilestoneID *string `json:"milestone_id"`
	Reason      string  `json:"reason"`
}

type escalateRequest struct {
	Target string `json:"target"`
}

type resolveDisputeRequest struct {
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

type disputeResponse struct {
	ID          string  `json:"id"`
	DealID      string  `json:"deal_id"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason"`
	ResolvedAt  *string `json:"resolved_at,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:          rec.ID,
		DealID:      rec.DealID,
		MilestoneID: rec.MilestoneID,
		Status:      string(rec.Status),
		Reason:      rec.Reason,
	}
	if rec.ResolvedAt != nil {
		v := rec.ResolvedAt.UTC().Format(time.RFC3339)
		resp.ResolvedAt = &v
	}
	return resp
}

type deliverRequest struct {
	DealID   string   `json:"deal_id"`
	AssetIDs []string `json:"asset_ids"`
	Note     string   `json:"note"`
}

type deliveryResponse struct {
	ID          string `json:"id"`
	MilestoneID string `json:"milestone_id"`
	SubmittedAt string `json:"submitted_at"`
}

type revisionRequest struct {
	DealID string `json:"deal_id"`
	Note   string `json:"note"`
}

type revisionResponse struct {
	ID          string `json:"id"`
	MilestoneID string `json:"milestone_id"`
	RequestedAt string `json:"requested_at"`
}
