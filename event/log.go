package event

import (
	"context"
	"encoding/json"
	"fmt"

	"escrowflow/db"
)

// Actor types recorded on audit events.
const (
	ActorPayer  = "payer"
	ActorPayee  = "payee"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// Entry is one append-only audit record for a deal. Audit completeness is a
// hard requirement: entries for accepted mutations are written in the same
// transaction as the mutation itself.
type Entry struct {
	DealID      string
	ActorType   string
	ActorID     *string
	EventType   string
	Payload     map[string]any
	RequestMeta map[string]any
}

// Logger appends audit events. It carries no state; the caller supplies the
// querier so writes land inside the caller's transaction.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

// Append inserts one audit event. Rejected operations are logged too, with
// the rejection reason in the payload, so the full decision history can be
// replayed.
func (l *Logger) Append(ctx context.Context, q db.Querier, e Entry) error {
	if e.DealID == "" {
		return fmt.Errorf("event: missing deal id")
	}
	if e.EventType == "" {
		return fmt.Errorf("event: missing event type")
	}
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}

	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return fmt.Errorf("event: marshal payload: %w", err)
	}
	meta, err := marshalJSON(e.RequestMeta)
	if err != nil {
		return fmt.Errorf("event: marshal request meta: %w", err)
	}

	var actor any
	if e.ActorID != nil && *e.ActorID != "" {
		actor = *e.ActorID
	}

	const insertSQL = `
INSERT INTO events (deal_id, actor_type, actor_id, event_type, payload, request_meta)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)
`
	if _, err := q.Exec(ctx, insertSQL, e.DealID, e.ActorType, actor, e.EventType, payload, meta); err != nil {
		return fmt.Errorf("event: insert: %w", err)
	}
	return nil
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}
