package protocol

import "errors"

var (
	ErrMissingAction      = errors.New("protocol: missing action")
	ErrUnknownAction      = errors.New("protocol: unknown action")
	ErrActionMismatch     = errors.New("protocol: action mismatch")
	ErrMissingRequestID   = errors.New("protocol: missing requestId")
	ErrMissingNodeID      = errors.New("protocol: missing nodeId")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrInvalidAckStatus   = errors.New("protocol: invalid ack status")
)
