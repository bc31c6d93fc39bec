package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"app/internal/config"
	"app/internal/model"
	"app/internal/notify"
	"app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	// ErrUnknownPrice is returned when an event references a price ID outside
	// the configured catalog. Treated as a hard processing error so the event
	// is retried after a config fix instead of being silently dropped.
	ErrUnknownPrice = errors.New("unknown_price")
	// ErrStaleEvent is returned for webhook deliveries older than the
	// configured acceptance window.
	ErrStaleEvent = errors.New("stale_event")
)

// Invoice payment failures below this attempt count are transient; only at
// the threshold does payment health flip to past due.
const paymentFailureThreshold = 3

// StripeService reconciles inbound billing events into local subscription
// and seat state, and pushes seat quantity changes back out. Every event is
// checked against the processed-event ledger first, so redeliveries and
// replays are no-ops.
type StripeService struct {
	cfg           *config.Config
	subRepo       repository.SubscriptionRepository
	seatRepo      repository.SeatRepository
	eventRepo     repository.BillingEventRepository
	usageRepo     repository.UsageRepository
	whitelistRepo repository.WhitelistRepository
	seatSvc       *SeatService
	provider      BillingProvider
	notifier      *notify.Notifier
	logger        zerolog.Logger
}

// NewStripeService returns the reconciler with a scoped logger.
func NewStripeService(cfg *config.Config, subRepo repository.SubscriptionRepository, seatRepo repository.SeatRepository, eventRepo repository.BillingEventRepository, usageRepo repository.UsageRepository, whitelistRepo repository.WhitelistRepository, seatSvc *SeatService, provider BillingProvider, notifier *notify.Notifier, logger zerolog.Logger) *StripeService {
	lg := logger.With().Str("service", "StripeService").Logger()
	return &StripeService{
		cfg:           cfg,
		subRepo:       subRepo,
		seatRepo:      seatRepo,
		eventRepo:     eventRepo,
		usageRepo:     usageRepo,
		whitelistRepo: whitelistRepo,
		seatSvc:       seatSvc,
		provider:      provider,
		notifier:      notifier,
		logger:        lg,
	}
}

// HandleWebhook verifies, deduplicates and applies a Stripe webhook delivery.
func (s *StripeService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read Stripe webhook payload")
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEvent(payload, sig, s.cfg.StripeWebhookSecret)
	if err != nil {
		s.logger.Error().Err(err).Msg("Signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}
	s.logger.Info().Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("Stripe webhook received")

	ctx := r.Context()
	switch err := s.ApplyEvent(ctx, event); {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrStaleEvent):
		http.Error(w, "event too old", http.StatusBadRequest)
	default:
		s.logger.Error().Err(err).Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("Failed to process Stripe webhook event")
		http.Error(w, "failed to process event", http.StatusInternalServerError)
	}
}

// ApplyEvent runs the idempotency envelope around ProcessEvent: stale events
// are rejected, then the event id is claimed in the ledger before any
// mutation. The ledger insert is the uniqueness check, so concurrent
// deliveries of one event resolve to a single processor. A failed processing
// attempt releases the claim so the provider's redelivery retries it; the
// handlers themselves converge, so a replay after a partial failure is safe.
func (s *StripeService) ApplyEvent(ctx context.Context, event stripe.Event) error {
	maxAge := time.Duration(s.cfg.WebhookMaxAgeSec) * time.Second
	if age := time.Since(time.Unix(event.Created, 0)); age > maxAge {
		s.logger.Warn().Str("event_id", event.ID).Dur("age", age).Msg("Rejecting stale webhook event")
		return ErrStaleEvent
	}

	claimed, err := s.eventRepo.Claim(ctx, event.ID, string(event.Type))
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Info().Str("event_id", event.ID).Msg("Skipping already processed event")
		return nil
	}

	if err := s.ProcessEvent(ctx, event); err != nil {
		if rerr := s.eventRepo.Release(ctx, event.ID); rerr != nil {
			s.logger.Error().Err(rerr).Str("event_id", event.ID).Msg("Failed to release billing event claim after processing error")
		}
		return err
	}
	return nil
}

// ProcessEvent applies one billing event to local state. Handlers are written
// to converge: replaying any of them against already-applied state changes
// nothing.
func (s *StripeService) ProcessEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event)
	case "invoice.payment_succeeded":
		return s.handlePaymentSucceeded(ctx, event)
	default:
		s.logger.Debug().Str("event_type", string(event.Type)).Msg("Ignoring unhandled Stripe event type")
		return nil
	}
}

func (s *StripeService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return fmt.Errorf("invalid checkout.session data: %w", err)
	}
	if cs.Subscription == nil || cs.Subscription.ID == "" {
		s.logger.Info().Str("session_id", cs.ID).Msg("Checkout session has no subscription, skipping")
		return nil
	}
	accountID := cs.Metadata["account_id"]
	if accountID == "" {
		accountID = cs.ClientReferenceID
	}
	if accountID == "" {
		return fmt.Errorf("missing account_id in checkout session %s metadata", cs.ID)
	}

	// The session payload carries no item details; fetch the authoritative
	// subscription object from the provider.
	ps, err := s.provider.GetSubscription(ctx, cs.Subscription.ID)
	if err != nil {
		return err
	}
	plan, err := s.planFromPrice(ps.PriceID)
	if err != nil {
		return err
	}

	sub := &model.Subscription{
		AccountID:            accountID,
		StripeSubscriptionID: ps.ID,
		StripeCustomerID:     ps.CustomerID,
		Plan:                 plan,
		PriceID:              ps.PriceID,
		Status:               ps.Status,
		SeatQuantity:         ps.Quantity,
		CurrentPeriodStart:   ps.CurrentPeriodStart,
		CurrentPeriodEnd:     ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:    ps.CancelAtPeriodEnd,
		TrialEnd:             ps.TrialEnd,
	}
	if err := s.subRepo.Upsert(ctx, sub); err != nil {
		return err
	}

	invites, err := s.seatSvc.EnsureSeats(ctx, sub)
	if err != nil {
		return err
	}
	if ps.Quantity > 1 {
		// Multi-location purchases are legitimate multi-site usage; exempt
		// them from the abuse detector.
		if err := s.whitelistRepo.Add(ctx, accountID, "multi_location_purchase"); err != nil {
			return err
		}
	}

	s.logger.Info().
		Str("subscription_id", sub.ID).
		Str("account_id", accountID).
		Str("plan", plan).
		Int("quantity", ps.Quantity).
		Int("invites_minted", len(invites)).
		Msg("Checkout completed, subscription provisioned")
	return nil
}

func (s *StripeService) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var ss stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
		return fmt.Errorf("invalid customer.subscription.updated payload: %w", err)
	}
	ps, err := providerSubscriptionFromStripe(&ss)
	if err != nil {
		return err
	}
	plan, err := s.planFromPrice(ps.PriceID)
	if err != nil {
		return err
	}

	changed, err := s.subRepo.ApplyProviderState(ctx, ps.ID, repository.ProviderState{
		PriceID:            ps.PriceID,
		Plan:               plan,
		Status:             ps.Status,
		SeatQuantity:       ps.Quantity,
		CurrentPeriodStart: ps.CurrentPeriodStart,
		CurrentPeriodEnd:   ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:  ps.CancelAtPeriodEnd,
		TrialEnd:           ps.TrialEnd,
	})
	if err != nil {
		return err
	}
	if !changed {
		// Self-confirming update: the provider echoing back a change we made
		// ourselves, or a redelivery. Already converged.
		s.logger.Debug().Str("subscription_id", ps.ID).Msg("Subscription update already converged")
		return nil
	}

	sub, err := s.subRepo.GetByStripeID(ctx, ps.ID)
	if err != nil {
		return err
	}
	// Quantity may have grown; top seats up. EnsureSeats is a no-op otherwise.
	if _, err := s.seatSvc.EnsureSeats(ctx, sub); err != nil {
		return err
	}
	s.logger.Info().Str("subscription_id", sub.ID).Str("status", sub.Status).Int("quantity", sub.SeatQuantity).Msg("Subscription state reconciled")
	return nil
}

func (s *StripeService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var ss stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &ss); err != nil {
		return fmt.Errorf("invalid customer.subscription.deleted payload: %w", err)
	}
	err := s.subRepo.SetStatus(ctx, ss.ID, model.SubscriptionStatusCanceled)
	if errors.Is(err, repository.ErrSubscriptionNotFound) {
		s.logger.Warn().Str("subscription_id", ss.ID).Msg("Deletion event for unknown subscription, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info().Str("subscription_id", ss.ID).Msg("Subscription canceled")
	return nil
}

func (s *StripeService) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("invalid invoice.payment_failed payload: %w", err)
	}
	subID := subscriptionIDFromInvoice(&invoice)
	if subID == "" {
		s.logger.Info().Str("invoice_id", invoice.ID).Msg("Invoice has no subscription, skipping")
		return nil
	}
	if invoice.AttemptCount < paymentFailureThreshold {
		s.logger.Warn().Str("subscription_id", subID).Int64("attempt", invoice.AttemptCount).Msg("Invoice payment failed, below past-due threshold")
		return nil
	}
	if err := s.subRepo.SetPaymentHealth(ctx, subID, model.PaymentHealthPastDue); err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			s.logger.Warn().Str("subscription_id", subID).Msg("Payment failure for unknown subscription, skipping")
			return nil
		}
		return err
	}
	sub, err := s.subRepo.GetByStripeID(ctx, subID)
	if err != nil {
		return err
	}
	s.logger.Warn().Str("subscription_id", sub.ID).Int64("attempt", invoice.AttemptCount).Msg("Payment past due, access gated")
	s.notifier.Emit(ctx, notify.EventPaymentFailed, sub.ID, sub.AccountID, map[string]string{
		"invoice_id": invoice.ID,
	})
	return nil
}

func (s *StripeService) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("invalid invoice.payment_succeeded payload: %w", err)
	}
	subID := subscriptionIDFromInvoice(&invoice)
	if subID == "" {
		s.logger.Info().Str("invoice_id", invoice.ID).Msg("Invoice has no subscription, skipping")
		return nil
	}
	sub, err := s.subRepo.GetByStripeID(ctx, subID)
	if errors.Is(err, repository.ErrSubscriptionNotFound) {
		s.logger.Warn().Str("subscription_id", subID).Msg("Payment success for unknown subscription, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	if sub.PaymentHealth != model.PaymentHealthOK {
		if err := s.subRepo.SetPaymentHealth(ctx, subID, model.PaymentHealthOK); err != nil {
			return err
		}
		s.logger.Info().Str("subscription_id", sub.ID).Msg("Payment recovered, health restored")
	}
	if sub.Status == model.SubscriptionStatusPastDue {
		if err := s.subRepo.SetStatus(ctx, subID, model.SubscriptionStatusActive); err != nil {
			return err
		}
	}

	// A paid invoice starts a new billing period; usage observations from
	// before it no longer count against the location window.
	periodStart := time.Unix(invoice.PeriodStart, 0)
	if _, err := s.usageRepo.PruneSubscriptionBefore(ctx, sub.ID, periodStart); err != nil {
		return err
	}
	return nil
}

// SyncSeatQuantity pushes the current active seat count to the billing
// provider. The count is re-read on every attempt so retries converge on the
// latest local state rather than replaying a stale snapshot.
func (s *StripeService) SyncSeatQuantity(ctx context.Context, subscriptionID string) error {
	sub, err := s.subRepo.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		count, err := s.seatRepo.ActiveSeatCount(ctx, subscriptionID)
		if err != nil {
			lastErr = err
			continue
		}
		if count < 1 {
			count = 1
		}
		if err := s.provider.SetQuantity(ctx, sub.StripeSubscriptionID, count); err != nil {
			lastErr = err
			continue
		}
		s.logger.Info().Str("subscription_id", subscriptionID).Int("quantity", count).Msg("Seat quantity synced to billing provider")
		return nil
	}
	return fmt.Errorf("sync seat quantity for subscription %s: %w", subscriptionID, lastErr)
}

func (s *StripeService) planFromPrice(priceID string) (string, error) {
	switch priceID {
	case s.cfg.StripePriceSingle:
		return model.PlanSingle, nil
	case s.cfg.StripePriceMultiLocation:
		return model.PlanMultiLocation, nil
	default:
		return "", fmt.Errorf("price %s: %w", priceID, ErrUnknownPrice)
	}
}

func subscriptionIDFromInvoice(invoice *stripe.Invoice) string {
	if invoice.Lines == nil {
		return ""
	}
	for _, line := range invoice.Lines.Data {
		if line.Subscription != nil && line.Subscription.ID != "" {
			return line.Subscription.ID
		}
	}
	return ""
}
