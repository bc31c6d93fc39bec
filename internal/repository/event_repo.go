package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BillingEventRepository is the dedup ledger for inbound billing events. The
// ledger insert itself is the uniqueness check, so concurrent deliveries of
// one event resolve to a single winner. Persisting the ledger (rather than
// keeping an in-memory map) is what lets idempotency survive restarts and
// horizontal scaling.
type BillingEventRepository interface {
	// Claim inserts the ledger row if absent and reports whether this caller
	// won it. A false return means another delivery already holds the event.
	Claim(ctx context.Context, eventID, eventType string) (bool, error)
	// Release drops a claimed row after a failed processing attempt so the
	// provider's redelivery gets another try.
	Release(ctx context.Context, eventID string) error
}

type billingEventRepo struct {
	pool *pgxpool.Pool
}

// NewBillingEventRepo creates a new BillingEventRepository.
func NewBillingEventRepo(pool *pgxpool.Pool) BillingEventRepository {
	return &billingEventRepo{pool: pool}
}

func (r *billingEventRepo) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	const q = `
        INSERT INTO processed_billing_events (event_id, event_type, processed_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (event_id) DO NOTHING
    `
	tag, err := r.pool.Exec(ctx, q, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("claiming billing event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *billingEventRepo) Release(ctx context.Context, eventID string) error {
	const q = `DELETE FROM processed_billing_events WHERE event_id = $1`
	if _, err := r.pool.Exec(ctx, q, eventID); err != nil {
		return fmt.Errorf("releasing billing event %s: %w", eventID, err)
	}
	return nil
}
