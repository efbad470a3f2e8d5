// Package cloud is the client for the Deerma vendor REST API.
//
// It covers the handful of endpoints the bridge needs: password and SMS-code
// login, SMS code requests, token refresh, the device list, device status
// (the REST shadow), the water total endpoint, and the per-device MQTT
// endpoint used by the shadow subscriber.
//
// Failures are classified so callers can react without inspecting HTTP
// details:
//
//   - *AuthError: credentials or token rejected. Terminal; retrying the same
//     request will not help.
//   - *TransientNetworkError: connection failures, timeouts and 5xx
//     responses. Safe to retry with backoff.
//   - ErrRateLimited: the backend refused to send another SMS code yet.
//   - ErrMalformedShadow / ErrMalformedResponse: the response could not be
//     interpreted.
//
// The package also owns the vendor shadow document format (field key
// aliases, version extraction and the desired-state payload), which the
// subscriber reuses for MQTT messages.
package cloud
