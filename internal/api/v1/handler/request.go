package handler

import (
	"net"
	"net/http"
	"strings"

	"app/internal/api/v1/dto"
	"app/internal/fingerprint"
)

// clientIP resolves the caller's address, preferring the first hop recorded
// by the proxy chain.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// signalsFromRequest combines the request-derived signals with the
// client-reported ones. IP and user agent always come from the request so a
// client cannot spoof another device's network identity in the body.
func signalsFromRequest(r *http.Request, reported dto.DeviceSignals) fingerprint.Signals {
	return fingerprint.Signals{
		IP:                  clientIP(r),
		UserAgent:           r.UserAgent(),
		TimezoneOffsetMin:   reported.TimezoneOffsetMin,
		HardwareConcurrency: reported.HardwareConcurrency,
		ScreenResolution:    reported.ScreenResolution,
		StorageAvailable:    reported.StorageAvailable,
	}
}
