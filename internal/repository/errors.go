package repository

import "errors"

var (
	// ErrSeatNotFound is returned when a seat or invite code does not exist.
	ErrSeatNotFound = errors.New("seat_not_found")
	// ErrInviteAlreadyUsed is returned when redeeming a code whose seat is
	// already claimed.
	ErrInviteAlreadyUsed = errors.New("invite_already_used")
	// ErrInviteExpired is returned when a code is past its redeem TTL.
	ErrInviteExpired = errors.New("invite_expired")
	// ErrDeviceAlreadyBound is returned when a fingerprint already holds a
	// claimed seat under the same subscription.
	ErrDeviceAlreadyBound = errors.New("device_already_bound")
	// ErrSubscriptionNotFound is returned when no subscription matches.
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
