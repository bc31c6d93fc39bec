package model

import "time"

// Sources for location usage events. A fingerprint mismatch on an
// already-claimed seat is recorded as its own event so it counts as a
// distinct location in abuse evaluation.
const (
	UsageSourceRedeem   = "redeem"
	UsageSourceAccess   = "access"
	UsageSourceMismatch = "mismatch"
)

// LocationUsageEvent is an append-only observation that a subscription was
// used from a device fingerprint. Never updated, only pruned by retention.
type LocationUsageEvent struct {
	ID             string    `db:"id" json:"id"`
	SubscriptionID string    `db:"subscription_id" json:"subscription_id"`
	Fingerprint    string    `db:"fingerprint" json:"fingerprint"`
	Source         string    `db:"source" json:"source"`
	IPPrefix       string    `db:"ip_prefix" json:"ip_prefix"`
	UserAgent      string    `db:"user_agent" json:"user_agent"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}
