package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIdemKeyReuse signals an idempotency key replayed with a different
// request body.
var ErrIdemKeyReuse = errors.New("idempotency key reused with different request")

// idemStore replays full HTTP responses for repeated request keys. This sits
// above the ledger-level keys: the ledger guarantees money moves once, this
// table lets the handler return the exact original response.
type idemStore interface {
	Lookup(ctx context.Context, key, requestHash string) (json.RawMessage, bool, error)
	Save(ctx context.Context, key, requestHash string, response []byte) error
}

type pgIdemStore struct {
	pool *pgxpool.Pool
}

func (s *pgIdemStore) Lookup(ctx context.Context, key, requestHash string) (json.RawMessage, bool, error) {
	var storedHash string
	var response json.RawMessage
	err := s.pool.QueryRow(ctx,
		`SELECT request_hash, response FROM idempotency WHERE key = $1`, key,
	).Scan(&storedHash, &response)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if storedHash != requestHash {
		return nil, false, ErrIdemKeyReuse
	}
	if response == nil {
		// Key reserved but no response stored; treat as new to let the
		// downstream ledger key settle the race.
		return nil, false, nil
	}
	return response, true, nil
}

func (s *pgIdemStore) Save(ctx context.Context, key, requestHash string, response []byte) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO idempotency (key, request_hash, response)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO NOTHING
`, key, requestHash, response)
	if err != nil {
		return fmt.Errorf("idempotency save: %w", err)
	}
	return nil
}

func hashRequest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
