package dto

// ValidateAccessRequest carries the device signals for an entitlement check.
type ValidateAccessRequest struct {
	Signals DeviceSignals `json:"signals"`
}
