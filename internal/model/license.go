package model

// LicenseStatus is the compliance snapshot polled by client banners.
type LicenseStatus struct {
	SeatsPurchased           int    `json:"seats_purchased"`
	SeatsActive              int    `json:"seats_active"`
	UniqueLocationsUsed      int    `json:"unique_locations_used"`
	RequiresUpgrade          bool   `json:"requires_upgrade"`
	GracePeriodDaysRemaining int    `json:"grace_period_days_remaining"`
	Blocked                  bool   `json:"blocked"`
	Whitelisted              bool   `json:"whitelisted,omitempty"`
	PaymentHealth            string `json:"payment_health"`
}
