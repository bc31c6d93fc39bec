package repository

import (
	"context"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageRepository stores the append-only log of location usage observations
// that feeds the multi-location abuse detector.
type UsageRepository interface {
	RecordEvent(ctx context.Context, ev *model.LocationUsageEvent) error
	// DistinctFingerprints counts distinct device fingerprints seen for the
	// subscription since the given time.
	DistinctFingerprints(ctx context.Context, subscriptionID string, since time.Time) (int, error)
	// PruneBefore removes events older than the retention cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// PruneSubscriptionBefore removes a single subscription's events older
	// than the cutoff; used to reset period-scoped usage on a new billing
	// cycle.
	PruneSubscriptionBefore(ctx context.Context, subscriptionID string, cutoff time.Time) (int64, error)
	// PruneFingerprint removes all of one fingerprint's events under the
	// subscription. Run when a binding is revoked so the removed location
	// stops counting against the trailing window immediately.
	PruneFingerprint(ctx context.Context, subscriptionID, fp string) (int64, error)
}

type usageRepo struct {
	pool *pgxpool.Pool
}

// NewUsageRepo creates a new UsageRepository.
func NewUsageRepo(pool *pgxpool.Pool) UsageRepository {
	return &usageRepo{pool: pool}
}

func (r *usageRepo) RecordEvent(ctx context.Context, ev *model.LocationUsageEvent) error {
	const q = `
        INSERT INTO location_usage_events (subscription_id, fingerprint, source, ip_prefix, user_agent)
        VALUES ($1, $2, $3, $4, $5)
    `
	_, err := r.pool.Exec(ctx, q, ev.SubscriptionID, ev.Fingerprint, ev.Source, ev.IPPrefix, ev.UserAgent)
	if err != nil {
		return fmt.Errorf("recording usage event for subscription %s: %w", ev.SubscriptionID, err)
	}
	return nil
}

func (r *usageRepo) DistinctFingerprints(ctx context.Context, subscriptionID string, since time.Time) (int, error) {
	var count int
	const q = `
        SELECT COUNT(DISTINCT fingerprint)
        FROM location_usage_events
        WHERE subscription_id = $1
          AND created_at >= $2
    `
	if err := r.pool.QueryRow(ctx, q, subscriptionID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting distinct fingerprints for subscription %s: %w", subscriptionID, err)
	}
	return count, nil
}

func (r *usageRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM location_usage_events WHERE created_at < $1`
	tag, err := r.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning usage events before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

func (r *usageRepo) PruneSubscriptionBefore(ctx context.Context, subscriptionID string, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM location_usage_events WHERE subscription_id = $1 AND created_at < $2`
	tag, err := r.pool.Exec(ctx, q, subscriptionID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning usage events for subscription %s: %w", subscriptionID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *usageRepo) PruneFingerprint(ctx context.Context, subscriptionID, fp string) (int64, error) {
	const q = `DELETE FROM location_usage_events WHERE subscription_id = $1 AND fingerprint = $2`
	tag, err := r.pool.Exec(ctx, q, subscriptionID, fp)
	if err != nil {
		return 0, fmt.Errorf("pruning usage events for fingerprint under subscription %s: %w", subscriptionID, err)
	}
	return tag.RowsAffected(), nil
}
