package model

import "time"

// Seat states. A revoked seat immediately regenerates a fresh available
// invite, so "revoked" never appears as a stored status.
const (
	SeatStatusAvailable = "available"
	SeatStatusClaimed   = "claimed"
)

// Seat is one device-bound license slot under a subscription. The full invite
// code is shown once at mint time; only its SHA-256 hash and last-4 suffix are
// stored.
type Seat struct {
	ID                string     `db:"id" json:"id"`
	SubscriptionID    string     `db:"subscription_id" json:"subscription_id"`
	Ordinal           int        `db:"seat_ordinal" json:"-"`
	Status            string     `db:"status" json:"status"`
	Active            bool       `db:"active" json:"active"`
	InviteCodeHash    string     `db:"invite_code_hash" json:"-"`
	InviteCodeLast4   string     `db:"invite_code_last4" json:"invite_code_last4"`
	DeviceFingerprint *string    `db:"device_fingerprint" json:"device_fingerprint,omitempty"`
	CodeIssuedAt      time.Time  `db:"code_issued_at" json:"code_issued_at"`
	ClaimedAt         *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	RevokedAt         *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// IssuedInvite pairs a freshly minted seat with its one-time invite code.
type IssuedInvite struct {
	SeatID string `json:"seat_id"`
	Code   string `json:"code"`
	Last4  string `json:"last4"`
}
