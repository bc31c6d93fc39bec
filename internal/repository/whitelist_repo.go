package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WhitelistRepository stores accounts exempt from the multi-location abuse
// detector, e.g. multi-location buyers who coordinate several sites.
type WhitelistRepository interface {
	IsWhitelisted(ctx context.Context, accountID string) (bool, error)
	Add(ctx context.Context, accountID, reason string) error
	Remove(ctx context.Context, accountID string) error
}

type whitelistRepo struct {
	pool *pgxpool.Pool
}

// NewWhitelistRepo creates a new WhitelistRepository.
func NewWhitelistRepo(pool *pgxpool.Pool) WhitelistRepository {
	return &whitelistRepo{pool: pool}
}

func (r *whitelistRepo) IsWhitelisted(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM location_whitelist WHERE account_id = $1)`
	if err := r.pool.QueryRow(ctx, q, accountID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking whitelist for account %s: %w", accountID, err)
	}
	return exists, nil
}

func (r *whitelistRepo) Add(ctx context.Context, accountID, reason string) error {
	const q = `
        INSERT INTO location_whitelist (account_id, reason, whitelisted_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (account_id) DO UPDATE
        SET reason = EXCLUDED.reason,
            whitelisted_at = NOW()
    `
	if _, err := r.pool.Exec(ctx, q, accountID, reason); err != nil {
		return fmt.Errorf("whitelisting account %s: %w", accountID, err)
	}
	return nil
}

func (r *whitelistRepo) Remove(ctx context.Context, accountID string) error {
	const q = `DELETE FROM location_whitelist WHERE account_id = $1`
	if _, err := r.pool.Exec(ctx, q, accountID); err != nil {
		return fmt.Errorf("removing account %s from whitelist: %w", accountID, err)
	}
	return nil
}
