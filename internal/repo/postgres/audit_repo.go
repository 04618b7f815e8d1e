package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditRepo is an append-only log of every inbound store notification,
// accepted or not. Rows are never updated.
type AuditRepo struct {
	pool *pgxpool.Pool
}

type AuditEntry struct {
	ID                    uuid.UUID
	NotificationType      string
	Subtype               string
	TransactionID         string
	OriginalTransactionID string
	Environment           string
	Payload               map[string]any
	ReceivedAt            time.Time
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Insert(ctx context.Context, entry AuditEntry) (uuid.UUID, error) {
	if r.pool == nil {
		return uuid.Nil, fmt.Errorf("postgres pool is nil")
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}

	payloadJSON, err := marshalAuditPayload(entry.Payload)
	if err != nil {
		return uuid.Nil, err
	}

	if _, err := r.pool.Exec(ctx, `
INSERT INTO notification_audit (
	id,
	notification_type,
	subtype,
	transaction_id,
	original_transaction_id,
	environment,
	payload,
	received_at
) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
`,
		entry.ID,
		entry.NotificationType,
		entry.Subtype,
		entry.TransactionID,
		entry.OriginalTransactionID,
		entry.Environment,
		payloadJSON,
		entry.ReceivedAt,
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert notification audit: %w", err)
	}

	return entry.ID, nil
}

func marshalAuditPayload(payload map[string]any) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal audit payload: %w", err)
	}
	return string(raw), nil
}
