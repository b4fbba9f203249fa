package infra

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration sources, resolved relative to this file so the harness works from
// any package directory: the repo schema first, then test-only fixtures if a
// test/migrations directory ever appears.
var migrationDirs []string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	base := filepath.Dir(file)
	migrationDirs = []string{
		filepath.Join(base, "..", "..", "migrations"),
		filepath.Join(base, "..", "migrations"),
	}
}

// ApplyMigrations connects to dsn and applies every .sql migration in
// filename order. With isolate set, the whole run lives in a freshly created
// schema and the returned teardown drops it; runs against a shared server
// must isolate so concurrent runs cannot trample each other's rows.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}

	teardown := func(context.Context) error { return nil }
	if isolate {
		schema := fmt.Sprintf("escrow_run_%d", time.Now().UnixNano())
		if teardown, err = createRunSchema(ctx, dsn, cfg, schema); err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	for _, dir := range migrationDirs {
		if err := applyDir(ctx, pool, dir); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return pool, teardown, nil
}

// createRunSchema makes a per-run schema, points every new pool connection at
// it, and returns the teardown that drops it.
func createRunSchema(ctx context.Context, dsn string, cfg *pgxpool.Config, schema string) (func(context.Context) error, error) {
	ident := pgx.Identifier{schema}.Sanitize()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect for run schema: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("create schema %s: %w", schema, err)
	}

	cfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		_, err := c.Exec(ctx, "SET search_path TO "+ident)
		return err
	}

	return func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		return err
	}, nil
}

func applyDir(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	names, err := sqlFilesIn(dir)
	if err != nil {
		return err
	}
	for _, name := range names {
		script, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func sqlFilesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
