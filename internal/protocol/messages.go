package protocol

import (
	"fmt"
	"strings"
)

// ProtocolVersion is the current agent protocol version.
const ProtocolVersion = 1

// Action names one message kind on the agent channel.
type Action string

const (
	ActionHello    Action = "hello"
	ActionHelloAck Action = "hello_ack"
	ActionDispatch Action = "dispatch"
	ActionResult   Action = "result"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

// ShellAuto lets the executing node pick its platform default shell.
const ShellAuto = "auto"

// Envelope holds the common action field.
type Envelope struct {
	Action Action `json:"action"`
}

// Meta is submission provenance echoed to and from agents.
type Meta struct {
	SentBy  string  `json:"sentBy"`
	Comment *string `json:"comment"`
}

// HelloMessage is the first frame an agent sends after connecting.
type HelloMessage struct {
	Action          Action `json:"action"`
	NodeID          string `json:"nodeId"`
	ProtocolVersion int    `json:"protocolVersion"`
	Hostname        string `json:"hostname,omitempty"`
}

// HelloAckMessage answers a hello.
type HelloAckMessage struct {
	Action  Action `json:"action"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DispatchMessage asks a node to run one command.
type DispatchMessage struct {
	Action         Action `json:"action"`
	RequestID      string `json:"requestId"`
	Command        string `json:"command"`
	Shell          string `json:"shell"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Meta           Meta   `json:"meta"`
}

// ResultMessage is the single completion report for one dispatch on one node.
type ResultMessage struct {
	Action     Action  `json:"action"`
	RequestID  string  `json:"requestId"`
	NodeID     string  `json:"nodeId,omitempty"`
	ExitCode   *int    `json:"exitCode,omitempty"`
	Code       *int    `json:"code,omitempty"`
	Output     string  `json:"output"`
	Error      *string `json:"error"`
	DurationMS *int64  `json:"durationMs"`
	Shell      string  `json:"shell,omitempty"`
	Command    string  `json:"command,omitempty"`
	Meta       *Meta   `json:"meta,omitempty"`
}

// EffectiveExitCode returns exitCode, then code, then 0.
func (m ResultMessage) EffectiveExitCode() int {
	if m.ExitCode != nil {
		return *m.ExitCode
	}
	if m.Code != nil {
		return *m.Code
	}
	return 0
}

func NewHello(nodeID, hostname string) HelloMessage {
	return HelloMessage{
		Action:          ActionHello,
		NodeID:          strings.TrimSpace(nodeID),
		ProtocolVersion: ProtocolVersion,
		Hostname:        hostname,
	}
}

func NewHelloAck(accepted bool, message string) HelloAckMessage {
	status := AckStatusRejected
	if accepted {
		status = AckStatusAccepted
	}
	return HelloAckMessage{Action: ActionHelloAck, Status: status, Message: message}
}

// Validate checks one typed message against its action contract.
func Validate(msg any) error {
	switch typed := msg.(type) {
	case HelloMessage:
		if typed.Action != ActionHello {
			return fmt.Errorf("%w: hello has %q", ErrActionMismatch, typed.Action)
		}
		if strings.TrimSpace(typed.NodeID) == "" {
			return ErrMissingNodeID
		}
		if typed.ProtocolVersion != ProtocolVersion {
			return fmt.Errorf("%w: %d", ErrUnsupportedVersion, typed.ProtocolVersion)
		}
	case HelloAckMessage:
		if typed.Action != ActionHelloAck {
			return fmt.Errorf("%w: hello_ack has %q", ErrActionMismatch, typed.Action)
		}
		if typed.Status != AckStatusAccepted && typed.Status != AckStatusRejected {
			return fmt.Errorf("%w: %q", ErrInvalidAckStatus, typed.Status)
		}
	case DispatchMessage:
		if typed.Action != ActionDispatch {
			return fmt.Errorf("%w: dispatch has %q", ErrActionMismatch, typed.Action)
		}
		if strings.TrimSpace(typed.RequestID) == "" {
			return ErrMissingRequestID
		}
	case ResultMessage:
		if typed.Action != ActionResult {
			return fmt.Errorf("%w: result has %q", ErrActionMismatch, typed.Action)
		}
		if strings.TrimSpace(typed.RequestID) == "" {
			return ErrMissingRequestID
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, msg)
	}
	return nil
}
