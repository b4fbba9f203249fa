package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"escrowflow/auth"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/milestone"
	"escrowflow/release"
)

type ctxKey int

const (
	ctxKeyPartyID ctxKey = iota
	ctxKeyRole
)

// Service dependencies are narrowed to what the handlers call so tests can
// stub them without a database.

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.Party, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type dealService interface {
	Create(ctx context.Context, p deal.CreateParams) (deal.Deal, error)
	GetByID(ctx context.Context, dealID string) (deal.Deal, error)
	ApplyTransition(ctx context.Context, p deal.TransitionParams) error
}

type milestoneService interface {
	Deliver(ctx context.Context, p milestone.DeliverParams) (milestone.Delivery, error)
	RequestRevision(ctx context.Context, p milestone.RevisionParams) (milestone.Revision, error)
}

type disputeService interface {
	Open(ctx context.Context, p dispute.OpenParams) (dispute.Record, error)
	Escalate(ctx context.Context, disputeID string, target dispute.Status) (dispute.Record, error)
	Resolve(ctx context.Context, p dispute.ResolveParams) (dispute.Record, error)
	ListByDeal(ctx context.Context, dealID string) ([]dispute.Record, error)
}

type releaseService interface {
	Release(ctx context.Context, p release.ReleaseParams) (release.ReleaseResult, error)
	ComputeEligibility(ctx context.Context, dealID string, milestoneID *string, now time.Time) (release.Eligibility, error)
}

type ledgerReader interface {
	BalanceOf(ctx context.Context, dealID string) (ledger.Balance, error)
	History(ctx context.Context, dealID string) ([]ledger.Transaction, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService      authService
	dealService      dealService
	milestoneService milestoneService
	disputeService   disputeService
	releaseService   releaseService
	ledger           ledgerReader
	idem             idemStore
	sweepHandler     http.Handler
	log              zerolog.Logger
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/deals", s.requireAuth(http.HandlerFunc(s.handleDeals)))
	mux.Handle("/api/deals/", s.requireAuth(http.HandlerFunc(s.handleDeal)))
	mux.Handle("/api/milestones/", s.requireAuth(http.HandlerFunc(s.handleMilestone)))
	mux.Handle("/api/disputes/", s.requireAuth(http.HandlerFunc(s.handleDispute)))
	if s.sweepHandler != nil {
		mux.Handle("/api/internal/sweep", s.sweepHandler)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAuth verifies the bearer token and stores the party identity on the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		partyID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyPartyID, partyID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identity(ctx context.Context) (string, auth.Role) {
	partyID, _ := ctx.Value(ctxKeyPartyID).(string)
	role, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return partyID, role
}

// dealRole maps the authenticated account onto its role in this deal.
func dealRole(ctx context.Context, d deal.Deal) (string, deal.Role, error) {
	partyID, acctRole := identity(ctx)
	switch {
	case acctRole == auth.RoleAdmin:
		return partyID, deal.RoleAdmin, nil
	case partyID == d.PayerID:
		return partyID, deal.RolePayer, nil
	case partyID == d.PayeeID:
		return partyID, deal.RolePayee, nil
	default:
		return "", "", errors.New("not a participant of this deal")
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	party, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, partyResponse{
		ID:          party.ID,
		Email:       party.Email,
		DisplayName: party.DisplayName,
		Role:        string(party.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.log.Error().Err(err).Msg("login failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: res.Token,
		Party: partyResponse{
			ID:          res.Party.ID,
			Email:       res.Party.Email,
			DisplayName: res.Party.DisplayName,
			Role:        string(res.Party.Role),
		},
	})
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	partyID, _ := identity(r.Context())

	var req createDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	params, err := req.toParams(partyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := s.dealService.Create(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, toDealResponse(d))
}

func (s *Server) handleDeal(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/deals/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "deal id required")
		return
	}
	dealID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleDealGet(w, r, dealID)
		return
	}

	switch parts[1] {
	case "transitions":
		s.handleTransition(w, r, dealID)
	case "release":
		s.handleRelease(w, r, dealID)
	case "eligibility":
		s.handleEligibility(w, r, dealID)
	case "ledger":
		s.handleLedger(w, r, dealID)
	case "disputes":
		s.handleDealDisputes(w, r, dealID)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleDealGet(w http.ResponseWriter, r *http.Request, dealID string) {
	d, err := s.dealService.GetByID(r.Context(), dealID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if _, _, err := dealRole(r.Context(), d); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	resp := toDealResponse(d)
	if s.ledger != nil {
		bal, err := s.ledger.BalanceOf(r.Context(), dealID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		resp.Balance = &balanceResponse{
			Funded:   bal.Funded.String(),
			Released: bal.Released.String(),
			Custody:  bal.Custody.String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.dealService.GetByID(r.Context(), dealID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	partyID, role, err := dealRole(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	params := deal.TransitionParams{
		DealID:         dealID,
		Target:         deal.Status(req.Target),
		ActorID:        partyID,
		ActorRole:      role,
		ExpectedStatus: deal.Status(req.ExpectedStatus),
		Reason:         req.Reason,
		RequestMeta:    map[string]any{"remote_addr": r.RemoteAddr},
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = &req.IdempotencyKey
	}
	if err := s.dealService.ApplyTransition(r.Context(), params); err != nil {
		s.writeDomainError(w, err)
		return
	}
	d, err = s.dealService.GetByID(r.Context(), dealID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDealResponse(d))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := s.dealService.GetByID(r.Context(), dealID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	partyID, role, err := dealRole(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	// Releases are payer (or admin) actions.
	if role == deal.RolePayee {
		writeError(w, http.StatusForbidden, "payee cannot release funds")
		return
	}

	var reqHash string
	if req.IdempotencyKey != "" && s.idem != nil {
		var ms string
		if req.MilestoneID != nil {
			ms = *req.MilestoneID
		}
		reqHash = hashRequest(dealID, ms, req.Reason)
		stored, found, err := s.idem.Lookup(r.Context(), req.IdempotencyKey, reqHash)
		if err != nil {
			if errors.Is(err, ErrIdemKeyReuse) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			s.writeDomainError(w, err)
			return
		}
		if found {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(stored)
			return
		}
	}

	result, err := s.releaseService.Release(r.Context(), release.ReleaseParams{
		DealID:         dealID,
		MilestoneID:    req.MilestoneID,
		ActorID:        partyID,
		ActorRole:      role,
		IdempotencyKey: req.IdempotencyKey,
		Reason:         req.Reason,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := releaseResponse{
		LedgerTxID: result.Entry.ID,
		Gross:      result.Entry.Amount.String(),
		Replayed:   result.Replayed,
	}
	if result.FeeEntry != nil {
		resp.Fee = result.FeeEntry.Amount.String()
	}
	if result.Payout != nil {
		resp.PayoutID = result.Payout.ID
		resp.Net = result.Payout.Net.String()
	}
	if req.IdempotencyKey != "" && s.idem != nil {
		if body, err := json.Marshal(resp); err == nil {
			if err := s.idem.Save(r.Context(), req.IdempotencyKey, reqHash, body); err != nil {
				s.log.Warn().Err(err).Msg("store idempotent response")
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var milestoneID *string
	if v := r.URL.Query().Get("milestone_id"); v != "" {
		milestoneID = &v
	}
	elig, err := s.releaseService.ComputeEligibility(r.Context(), dealID, milestoneID, time.Now().UTC())
	if err != nil && elig.Reason == "" {
		// Fail-closed freeze verdicts carry a reason and are reportable even
		// when the underlying lookup errored.
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eligibilityResponse{
		Eligible: elig.Eligible,
		Reason:   elig.Reason,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	d, err := s.dealService.GetByID(r.Context(), dealID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if _, _, err := dealRole(r.Context(), d); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	entries, err := s.ledger.History(r.Context(), dealID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryResponse{
			ID:          e.ID,
			MilestoneID: e.MilestoneID,
			Type:        string(e.Type),
			Amount:      e.Amount.String(),
			Currency:    e.Currency,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDealDisputes(w http.ResponseWriter, r *http.Request, dealID string) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.disputeService.ListByDeal(r.Context(), dealID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		out := make([]disputeResponse, 0, len(records))
		for _, rec := range records {
			out = append(out, toDisputeResponse(rec))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req openDisputeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		partyID, _ := identity(r.Context())
		rec, err := s.disputeService.Open(r.Context(), dispute.OpenParams{
			DealID:      dealID,
			MilestoneID: req.MilestoneID,
			OpenerID:    partyID,
			Reason:      req.Reason,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/disputes/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "dispute id and action required")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	disputeID := parts[0]

	switch parts[1] {
	case "escalate":
		var req escalateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err := s.disputeService.Escalate(r.Context(), disputeID, dispute.Status(req.Target))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	case "resolve":
		partyID, role := identity(r.Context())
		if role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "resolution is an admin action")
			return
		}
		var req resolveDisputeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
			DisputeID:  disputeID,
			ResolverID: partyID,
			Resolution: dispute.Status(req.Resolution),
			Note:       req.Note,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

func (s *Server) handleMilestone(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/milestones/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "milestone id and action required")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	milestoneID := parts[0]
	partyID, _ := identity(r.Context())

	switch parts[1] {
	case "deliver":
		var req deliverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		delivery, err := s.milestoneService.Deliver(r.Context(), milestone.DeliverParams{
			DealID:      req.DealID,
			MilestoneID: milestoneID,
			SubmitterID: partyID,
			AssetIDs:    req.AssetIDs,
			Note:        req.Note,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, deliveryResponse{
			ID:          delivery.ID,
			MilestoneID: delivery.MilestoneID,
			SubmittedAt: delivery.SubmittedAt.UTC().Format(time.RFC3339),
		})
	case "revision":
		var req revisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		revision, err := s.milestoneService.RequestRevision(r.Context(), milestone.RevisionParams{
			DealID:      req.DealID,
			MilestoneID: milestoneID,
			RequesterID: partyID,
			Note:        req.Note,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, revisionResponse{
			ID:          revision.ID,
			MilestoneID: revision.MilestoneID,
			RequestedAt: revision.RequestedAt.UTC().Format(time.RFC3339),
		})
	default:
		writeError(w, http.StatusNotFound, "unknown action")
	}
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deal.ErrDealNotFound),
		errors.Is(err, milestone.ErrMilestoneNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, release.ErrPayoutNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispute.ErrNotParty):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, deal.ErrInvalidTransition),
		errors.Is(err, deal.ErrConcurrentModification),
		errors.Is(err, release.ErrDisputeActive),
		errors.Is(err, release.ErrNotEligible),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, dispute.ErrMilestoneReleased),
		errors.Is(err, milestone.ErrDealClosed),
		errors.Is(err, milestone.ErrNotActiveMilestone):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, milestone.ErrNotDelivered),
		errors.Is(err, milestone.ErrReviewWindowExpired),
		errors.Is(err, milestone.ErrRevisionLimitExceeded),
		errors.Is(err, dispute.ErrBadResolution):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
