// Package cloud maintains the device's relationship with the cloud
// service: ticket-based registration, the OAuth session, command polling
// and dispatch, batched state pushes, and the optional notification
// channel that short-circuits polling.
//
// All transport goes through the host HTTPClient; failures are retried
// with exponential backoff and surface to the host only as GcdState
// transitions.
package cloud
