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

// ProviderState is the provider-owned slice of a subscription row, applied by
// the billing event reconciler.
type ProviderState struct {
	PriceID            string
	Plan               string
	Status             string
	SeatQuantity       int
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
}

// SubscriptionRepository defines methods for accessing subscription data.
type SubscriptionRepository interface {
	GetByID(ctx context.Context, id string) (*model.Subscription, error)
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*model.Subscription, error)
	GetByAccountID(ctx context.Context, accountID string) (*model.Subscription, error)
	Upsert(ctx context.Context, sub *model.Subscription) error
	// ApplyProviderState updates provider-owned fields only where they
	// actually differ and reports whether any row changed, so replayed or
	// self-confirming events converge to a no-op.
	ApplyProviderState(ctx context.Context, stripeSubscriptionID string, state ProviderState) (bool, error)
	SetStatus(ctx context.Context, stripeSubscriptionID, status string) error
	SetPaymentHealth(ctx context.Context, stripeSubscriptionID, health string) error
	SetBlocked(ctx context.Context, subscriptionID string, blocked bool) error
}

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

// NewSubscriptionRepo creates a new SubscriptionRepository.
func NewSubscriptionRepo(pool *pgxpool.Pool) SubscriptionRepository {
	return &subscriptionRepo{pool: pool}
}

const subscriptionColumns = `id, account_id, stripe_subscription_id, stripe_customer_id, plan, price_id,
       status, seat_quantity, current_period_start, current_period_end, cancel_at_period_end,
       trial_end, payment_health, blocked, blocked_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var s model.Subscription
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.StripeSubscriptionID,
		&s.StripeCustomerID,
		&s.Plan,
		&s.PriceID,
		&s.Status,
		&s.SeatQuantity,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.TrialEnd,
		&s.PaymentHealth,
		&s.Blocked,
		&s.BlockedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *subscriptionRepo) getBy(ctx context.Context, column, value string) (*model.Subscription, error) {
	q := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + column + ` = $1`
	sub, err := scanSubscription(r.pool.QueryRow(ctx, q, value))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("fetch subscription by %s: %w", column, err)
	}
	return sub, nil
}

func (r *subscriptionRepo) GetByID(ctx context.Context, id string) (*model.Subscription, error) {
	return r.getBy(ctx, "id", id)
}

func (r *subscriptionRepo) GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*model.Subscription, error) {
	return r.getBy(ctx, "stripe_subscription_id", stripeSubscriptionID)
}

func (r *subscriptionRepo) GetByAccountID(ctx context.Context, accountID string) (*model.Subscription, error) {
	return r.getBy(ctx, "account_id", accountID)
}

func (r *subscriptionRepo) Upsert(ctx context.Context, sub *model.Subscription) error {
	const q = `
        INSERT INTO subscriptions (account_id, stripe_subscription_id, stripe_customer_id, plan, price_id,
                                   status, seat_quantity, current_period_start, current_period_end,
                                   cancel_at_period_end, trial_end, payment_health, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'ok', NOW(), NOW())
        ON CONFLICT (stripe_subscription_id) DO UPDATE
        SET plan = EXCLUDED.plan,
            price_id = EXCLUDED.price_id,
            status = EXCLUDED.status,
            seat_quantity = EXCLUDED.seat_quantity,
            current_period_start = EXCLUDED.current_period_start,
            current_period_end = EXCLUDED.current_period_end,
            cancel_at_period_end = EXCLUDED.cancel_at_period_end,
            trial_end = EXCLUDED.trial_end,
            updated_at = NOW()
        RETURNING id, payment_health, blocked, created_at, updated_at
    `
	err := r.pool.QueryRow(ctx, q,
		sub.AccountID,
		sub.StripeSubscriptionID,
		sub.StripeCustomerID,
		sub.Plan,
		sub.PriceID,
		sub.Status,
		sub.SeatQuantity,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.TrialEnd,
	).Scan(&sub.ID, &sub.PaymentHealth, &sub.Blocked, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription %s: %w", sub.StripeSubscriptionID, err)
	}
	return nil
}

func (r *subscriptionRepo) ApplyProviderState(ctx context.Context, stripeSubscriptionID string, state ProviderState) (bool, error) {
	const q = `
        UPDATE subscriptions
        SET price_id = $2,
            plan = $3,
            status = $4,
            seat_quantity = $5,
            current_period_start = $6,
            current_period_end = $7,
            cancel_at_period_end = $8,
            trial_end = $9,
            updated_at = NOW()
        WHERE stripe_subscription_id = $1
          AND (price_id IS DISTINCT FROM $2
            OR plan IS DISTINCT FROM $3
            OR status IS DISTINCT FROM $4
            OR seat_quantity IS DISTINCT FROM $5
            OR current_period_start IS DISTINCT FROM $6
            OR current_period_end IS DISTINCT FROM $7
            OR cancel_at_period_end IS DISTINCT FROM $8
            OR trial_end IS DISTINCT FROM $9)
    `
	tag, err := r.pool.Exec(ctx, q,
		stripeSubscriptionID,
		state.PriceID,
		state.Plan,
		state.Status,
		state.SeatQuantity,
		state.CurrentPeriodStart,
		state.CurrentPeriodEnd,
		state.CancelAtPeriodEnd,
		state.TrialEnd,
	)
	if err != nil {
		return false, fmt.Errorf("apply provider state for subscription %s: %w", stripeSubscriptionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *subscriptionRepo) SetStatus(ctx context.Context, stripeSubscriptionID, status string) error {
	const q = `UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE stripe_subscription_id = $1`
	tag, err := r.pool.Exec(ctx, q, stripeSubscriptionID, status)
	if err != nil {
		return fmt.Errorf("set status for subscription %s: %w", stripeSubscriptionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *subscriptionRepo) SetPaymentHealth(ctx context.Context, stripeSubscriptionID, health string) error {
	const q = `UPDATE subscriptions SET payment_health = $2, updated_at = NOW() WHERE stripe_subscription_id = $1`
	tag, err := r.pool.Exec(ctx, q, stripeSubscriptionID, health)
	if err != nil {
		return fmt.Errorf("set payment health for subscription %s: %w", stripeSubscriptionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (r *subscriptionRepo) SetBlocked(ctx context.Context, subscriptionID string, blocked bool) error {
	const q = `
        UPDATE subscriptions
        SET blocked = $2,
            blocked_at = CASE WHEN $2 THEN NOW() ELSE NULL END,
            updated_at = NOW()
        WHERE id = $1
    `
	tag, err := r.pool.Exec(ctx, q, subscriptionID, blocked)
	if err != nil {
		return fmt.Errorf("set blocked=%t for subscription %s: %w", blocked, subscriptionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
