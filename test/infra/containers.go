package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// reuseDSNEnv points stress runs at an already-running PostgreSQL instead of
// launching a container per run.
const reuseDSNEnv = "STRESS_TEST_PG_DSN"

// PGContainer owns the throwaway PostgreSQL backing one stress run. Runs that
// reuse an external server carry no container, so Terminate is a no-op for
// them.
type PGContainer struct {
	container *postgres.PostgresContainer
}

// StartPostgres16 provisions the stress database. An explicit DSN, or one in
// STRESS_TEST_PG_DSN, short-circuits the container start and reuses that
// server as-is; otherwise a disposable Postgres 16 container is launched with
// throwaway escrow credentials.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if overrideDSN != "" {
		return &PGContainer{}, overrideDSN, nil
	}
	if dsn := os.Getenv(reuseDSNEnv); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	c, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("escrowflow_test"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrow"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, "", fmt.Errorf("container connection string: %w", err)
	}
	return &PGContainer{container: c}, dsn, nil
}

// Terminate stops the container, if this run owned one.
func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}
