package model

import "time"

// Subscription statuses mirror the billing provider's lifecycle.
const (
	SubscriptionStatusTrialing = "trialing"
	SubscriptionStatusActive   = "active"
	SubscriptionStatusPastDue  = "past_due"
	SubscriptionStatusCanceled = "canceled"
)

// Plans in the price catalog.
const (
	PlanSingle        = "single"
	PlanMultiLocation = "multi_location"
)

// Payment health is tracked separately from subscription status so access can
// be gated on failed invoices without touching the seat/location logic.
const (
	PaymentHealthOK      = "ok"
	PaymentHealthPastDue = "past_due"
)

// Subscription is the local record of a billing-provider subscription. It is
// mutated only by the billing event reconciler; SeatQuantity is the purchased
// seat count as the provider knows it.
type Subscription struct {
	ID                   string     `db:"id" json:"id"`
	AccountID            string     `db:"account_id" json:"account_id"`
	StripeSubscriptionID string     `db:"stripe_subscription_id" json:"stripe_subscription_id"`
	StripeCustomerID     string     `db:"stripe_customer_id" json:"stripe_customer_id"`
	Plan                 string     `db:"plan" json:"plan"`
	PriceID              string     `db:"price_id" json:"price_id"`
	Status               string     `db:"status" json:"status"`
	SeatQuantity         int        `db:"seat_quantity" json:"seat_quantity"`
	CurrentPeriodStart   time.Time  `db:"current_period_start" json:"current_period_start"`
	CurrentPeriodEnd     time.Time  `db:"current_period_end" json:"current_period_end"`
	CancelAtPeriodEnd    bool       `db:"cancel_at_period_end" json:"cancel_at_period_end"`
	TrialEnd             *time.Time `db:"trial_end" json:"trial_end,omitempty"`
	PaymentHealth        string     `db:"payment_health" json:"payment_health"`
	Blocked              bool       `db:"blocked" json:"blocked"`
	BlockedAt            *time.Time `db:"blocked_at" json:"blocked_at,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at" json:"updated_at"`
}

// ProviderSubscription is the subset of the billing provider's subscription
// object the reconciler needs.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Quantity           int
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time
}
