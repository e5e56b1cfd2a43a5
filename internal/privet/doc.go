// Package privet implements the local-surface machinery of the device:
// the auth manager minting and verifying opaque access tokens, the root
// client token claim/confirm handshake, the WiFi bootstrap state machine,
// and the DNS-SD announcement of the _privet._tcp service.
//
// The HTTP request handlers of the privet protocol are supplied by the
// host; this package only provides what they consume.
package privet
