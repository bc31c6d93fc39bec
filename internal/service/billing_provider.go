package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"app/internal/config"
	"app/internal/model"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	subscriptionpkg "github.com/stripe/stripe-go/v82/subscription"
)

// BillingProvider is the outbound billing API surface the reconciler and the
// quantity syncer depend on. Stripe implements it in production; tests swap
// in a fake.
type BillingProvider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*model.ProviderSubscription, error)
	SetQuantity(ctx context.Context, subscriptionID string, quantity int) error
}

type stripeBillingProvider struct {
	logger zerolog.Logger
}

// NewStripeBillingProvider initializes the Stripe client key and returns the
// provider with a scoped logger.
func NewStripeBillingProvider(cfg *config.Config, logger zerolog.Logger) BillingProvider {
	stripe.Key = cfg.StripeSecretKey
	lg := logger.With().Str("service", "StripeBillingProvider").Logger()
	return &stripeBillingProvider{logger: lg}
}

func (p *stripeBillingProvider) GetSubscription(ctx context.Context, subscriptionID string) (*model.ProviderSubscription, error) {
	subObj, err := subscriptionpkg.Get(subscriptionID, nil)
	if err != nil {
		p.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to fetch subscription details")
		return nil, fmt.Errorf("fetch stripe subscription: %w", err)
	}
	return providerSubscriptionFromStripe(subObj)
}

func (p *stripeBillingProvider) SetQuantity(ctx context.Context, subscriptionID string, quantity int) error {
	subObj, err := subscriptionpkg.Get(subscriptionID, nil)
	if err != nil {
		p.logger.Error().Err(err).Str("subscription_id", subscriptionID).Msg("Failed to fetch subscription before quantity update")
		return fmt.Errorf("fetch stripe subscription: %w", err)
	}
	if len(subObj.Items.Data) == 0 {
		return errors.New("subscription has no items")
	}
	item := subObj.Items.Data[0]
	if int(item.Quantity) == quantity {
		return nil
	}
	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{{
			ID:       stripe.String(item.ID),
			Quantity: stripe.Int64(int64(quantity)),
		}},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	if _, err := subscriptionpkg.Update(subscriptionID, params); err != nil {
		p.logger.Error().Err(err).Str("subscription_id", subscriptionID).Int("quantity", quantity).Msg("Failed to update subscription quantity")
		return fmt.Errorf("update stripe subscription quantity: %w", err)
	}
	return nil
}

// providerSubscriptionFromStripe maps the Stripe subscription object onto the
// reconciler's provider-state view. Period timestamps live on the first
// subscription item.
func providerSubscriptionFromStripe(ss *stripe.Subscription) (*model.ProviderSubscription, error) {
	if len(ss.Items.Data) == 0 {
		return nil, fmt.Errorf("subscription %s has no items", ss.ID)
	}
	item := ss.Items.Data[0]
	if item.Price == nil || item.Price.ID == "" {
		return nil, fmt.Errorf("could not determine price ID for subscription %s", ss.ID)
	}
	quantity := int(item.Quantity)
	if quantity < 1 {
		quantity = 1
	}
	ps := &model.ProviderSubscription{
		ID:                 ss.ID,
		PriceID:            item.Price.ID,
		Quantity:           quantity,
		Status:             mapProviderStatus(ss.Status),
		CurrentPeriodStart: time.Unix(item.CurrentPeriodStart, 0),
		CurrentPeriodEnd:   time.Unix(item.CurrentPeriodEnd, 0),
		CancelAtPeriodEnd:  ss.CancelAtPeriodEnd,
	}
	if ss.Customer != nil {
		ps.CustomerID = ss.Customer.ID
	}
	if ss.TrialEnd > 0 {
		t := time.Unix(ss.TrialEnd, 0)
		ps.TrialEnd = &t
	}
	return ps, nil
}

func mapProviderStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusTrialing:
		return model.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusActive:
		return model.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return model.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return model.SubscriptionStatusCanceled
	default:
		return string(status)
	}
}
