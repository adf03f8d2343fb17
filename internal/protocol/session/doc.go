// Package session owns agent<->control-plane session reliability helpers.
//
// Ownership boundary:
// - session timeouts and heartbeat cadence
// - reconnect backoff
// - pending-result outbox for reports produced while disconnected
package session
