package middleware

import (
	"context"
	"errors"
	"net/http"

	"app/internal/logger"
	"app/internal/model"
	"app/internal/repository"
)

// SubscriptionSource is the subscription lookup the license gate needs.
type SubscriptionSource interface {
	GetByAccountID(ctx context.Context, accountID string) (*model.Subscription, error)
}

// LicenseGate refuses protected actions for hard-blocked subscriptions. The
// cutover is evaluated at request time against persisted block state; there
// is no allow-one-more-request grace here. Accounts without a subscription
// pass through so the downstream handler can answer with its own not-found.
func LicenseGate(subs SubscriptionSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID := AccountID(r.Context())
			if accountID == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			sub, err := subs.GetByAccountID(r.Context(), accountID)
			if err != nil {
				if errors.Is(err, repository.ErrSubscriptionNotFound) {
					next.ServeHTTP(w, r)
					return
				}
				log := logger.New()
				log.Error().Err(err).Str("account_id", accountID).Msg("License gate lookup failed")
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if sub.Blocked {
				http.Error(w, "license_blocked", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
