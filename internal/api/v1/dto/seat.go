package dto

import "time"

// DeviceSignals are the client-reported inputs to fingerprinting. IP and user
// agent are taken from the request itself, never from the body.
type DeviceSignals struct {
	TimezoneOffsetMin   int    `json:"timezone_offset_min"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
	ScreenResolution    string `json:"screen_resolution"`
	StorageAvailable    bool   `json:"storage_available"`
}

// RedeemInviteRequest is the payload for redeeming an invite code.
type RedeemInviteRequest struct {
	Code    string        `json:"code" validate:"required,len=32,hexadecimal"`
	Signals DeviceSignals `json:"signals"`
}

// RedeemInviteResponse reports the claimed seat.
type RedeemInviteResponse struct {
	SeatID         string `json:"seat_id"`
	SubscriptionID string `json:"subscription_id"`
	ClaimedAt      string `json:"claimed_at"`
}

// SeatResponse is the operator view of one seat. Only the invite code suffix
// is ever exposed after mint time.
type SeatResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Active          bool       `json:"active"`
	InviteCodeLast4 string     `json:"invite_code_last4"`
	CodeIssuedAt    time.Time  `json:"code_issued_at"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
}

// ToggleSeatRequest flips a seat's billing participation.
type ToggleSeatRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// RevokeSeatResponse returns the regenerated invite. This is the only time
// the new code is visible.
type RevokeSeatResponse struct {
	SeatID        string `json:"seat_id"`
	NewInviteCode string `json:"new_invite_code"`
	Last4         string `json:"last4"`
}
