package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GraceRepository tracks open multi-location violations. A partial unique
// index guarantees at most one unresolved record per subscription.
type GraceRepository interface {
	// GetOpen returns the unresolved grace period for the subscription, or
	// nil when compliant.
	GetOpen(ctx context.Context, subscriptionID string) (*model.GracePeriod, error)
	// Open creates an unresolved record if none exists, otherwise refreshes
	// its location count. The deadline is fixed at first detection.
	Open(ctx context.Context, subscriptionID string, locationCount int, deadline time.Time) (*model.GracePeriod, error)
	Resolve(ctx context.Context, subscriptionID string) error
	// ListExpiredOpen returns unresolved records whose deadline has passed.
	ListExpiredOpen(ctx context.Context, now time.Time) ([]model.GracePeriod, error)
}

type graceRepo struct {
	pool *pgxpool.Pool
}

// NewGraceRepo creates a new GraceRepository.
func NewGraceRepo(pool *pgxpool.Pool) GraceRepository {
	return &graceRepo{pool: pool}
}

const graceColumns = `id, subscription_id, first_detected_at, location_count, deadline,
       resolved, resolved_at, created_at, updated_at`

func scanGrace(row pgx.Row) (*model.GracePeriod, error) {
	var g model.GracePeriod
	err := row.Scan(
		&g.ID,
		&g.SubscriptionID,
		&g.FirstDetectedAt,
		&g.LocationCount,
		&g.Deadline,
		&g.Resolved,
		&g.ResolvedAt,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *graceRepo) GetOpen(ctx context.Context, subscriptionID string) (*model.GracePeriod, error) {
	q := `SELECT ` + graceColumns + ` FROM grace_periods WHERE subscription_id = $1 AND resolved = FALSE`
	g, err := scanGrace(r.pool.QueryRow(ctx, q, subscriptionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch open grace period for subscription %s: %w", subscriptionID, err)
	}
	return g, nil
}

func (r *graceRepo) Open(ctx context.Context, subscriptionID string, locationCount int, deadline time.Time) (*model.GracePeriod, error) {
	q := `
        INSERT INTO grace_periods (subscription_id, first_detected_at, location_count, deadline)
        VALUES ($1, NOW(), $2, $3)
        ON CONFLICT (subscription_id) WHERE resolved = FALSE DO UPDATE
        SET location_count = EXCLUDED.location_count,
            updated_at = NOW()
        RETURNING ` + graceColumns
	g, err := scanGrace(r.pool.QueryRow(ctx, q, subscriptionID, locationCount, deadline))
	if err != nil {
		return nil, fmt.Errorf("open grace period for subscription %s: %w", subscriptionID, err)
	}
	return g, nil
}

func (r *graceRepo) Resolve(ctx context.Context, subscriptionID string) error {
	const q = `
        UPDATE grace_periods
        SET resolved = TRUE,
            resolved_at = NOW(),
            updated_at = NOW()
        WHERE subscription_id = $1
          AND resolved = FALSE
    `
	if _, err := r.pool.Exec(ctx, q, subscriptionID); err != nil {
		return fmt.Errorf("resolve grace period for subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (r *graceRepo) ListExpiredOpen(ctx context.Context, now time.Time) ([]model.GracePeriod, error) {
	q := `SELECT ` + graceColumns + ` FROM grace_periods WHERE resolved = FALSE AND deadline <= $1`
	rows, err := r.pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("list expired grace periods: %w", err)
	}
	defer rows.Close()

	var out []model.GracePeriod
	for rows.Next() {
		g, err := scanGrace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grace period row: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}
