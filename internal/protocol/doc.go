// Package protocol owns the control-plane <-> agent wire contract.
//
// Ownership boundary:
// - message shapes (hello, hello_ack, dispatch, result)
// - JSON encode/decode with per-action validation
//
// Framing is delegated to the websocket transport; one text frame carries one message.
package protocol
