package main

import (
	"context"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/db"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/milestone"
	"escrowflow/notify"
	"escrowflow/release"
	"escrowflow/sweep"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	ctx := context.Background()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		logger.Fatal().Msg("JWT_SECRET is required")
	}

	pool, err := db.NewPool(ctx, dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("bootstrap database pool")
	}
	defer pool.Close()

	notifier := notify.LogNotifier{Log: logger}
	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)
	dealSvc := deal.NewService(pool, nil, nil)
	milestoneEng := milestone.NewEngine(pool, notifier)
	disputeSvc := dispute.NewService(pool, notifier)

	// Stand-in rail until a payment provider is configured.
	rail := devRail{log: logger}
	releaseEng := release.NewEngine(pool, dealSvc, rail, notifier, logger)

	sweeper := sweep.NewSweeper(sweep.NewPGCandidateSource(pool), releaseEng, logger)
	sweepHandler := sweep.NewHandler(sweeper, os.Getenv("SWEEP_SECRET"), os.Getenv("APP_ENV"), logger).
		WithAdminTokens(func(token string) bool {
			_, role, err := authSvc.VerifyToken(token)
			return err == nil && role == auth.RoleAdmin
		})

	server := &Server{
		authService:      authSvc,
		dealService:      dealSvc,
		milestoneService: milestoneEng,
		disputeService:   disputeSvc,
		releaseService:   releaseEng,
		ledger:           &pgLedger{pool: pool, repo: ledger.NewRepository()},
		idem:             &pgIdemStore{pool: pool},
		sweepHandler:     sweepHandler,
		log:              logger,
	}

	addr := ":" + envOr("PORT", "8080")
	logger.Info().Str("addr", addr).Msg("api listening")
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		logger.Fatal().Err(err).Msg("http server stopped")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// pgLedger adapts the ledger repository to the read-only handler interface.
type pgLedger struct {
	pool *pgxpool.Pool
	repo *ledger.Repository
}

func (l *pgLedger) BalanceOf(ctx context.Context, dealID string) (ledger.Balance, error) {
	return l.repo.BalanceOf(ctx, l.pool, dealID)
}

func (l *pgLedger) History(ctx context.Context, dealID string) ([]ledger.Transaction, error) {
	return l.repo.History(ctx, l.pool, dealID)
}

// devRail acknowledges payout orders without moving real money. Local and
// test environments only.
type devRail struct {
	log zerolog.Logger
}

func (r devRail) CreatePayout(_ context.Context, order release.PayoutOrder) (string, error) {
	r.log.Info().
		Str("payout_id", order.PayoutID).
		Str("amount", order.Amount.String()).
		Str("currency", order.Currency).
		Msg("dev rail payout")
	return "dev-" + order.PayoutID, nil
}

func (r devRail) RefundPayment(_ context.Context, paymentRef string, amount decimal.Decimal) (string, error) {
	r.log.Info().
		Str("payment_ref", paymentRef).
		Str("amount", amount.String()).
		Msg("dev rail refund")
	return "dev-refund-" + paymentRef, nil
}
