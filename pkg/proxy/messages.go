// Package proxy relays terminal bytes between a client websocket and a
// sandbox PTY, running a silent initialization phase before any output is
// exposed to the client.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage means a client control frame did not parse.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrMessageTooLarge means a client frame exceeded the per-message bound.
	ErrMessageTooLarge = errors.New("message too large")
)

// Server-to-client envelope types.
const (
	MsgConnected    = "connected"
	MsgOutput       = "output"
	MsgInitComplete = "initComplete"
	MsgWarning      = "warning"
	MsgError        = "error"
)

// Client-to-server control types. Raw keystrokes travel as binary frames and
// carry no envelope.
const (
	ControlResize = "resize"
	ControlInit   = "init"
)

// Envelope is a server-to-client message. Data is base64-encoded by
// encoding/json.
type Envelope struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Deadline  string `json:"deadline,omitempty"`
}

func (e Envelope) marshal() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Envelope fields are all marshalable; this cannot fail.
		panic(err)
	}
	return b
}

// ControlMessage is a client-to-server structured frame.
type ControlMessage struct {
	Type           string   `json:"type"`
	Rows           uint     `json:"rows,omitempty"`
	Cols           uint     `json:"cols,omitempty"`
	Commands       []string `json:"commands,omitempty"`
	Silent         bool     `json:"silent,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds,omitempty"`
}

func parseControl(raw []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch msg.Type {
	case ControlResize:
		if msg.Rows == 0 || msg.Cols == 0 {
			return ControlMessage{}, fmt.Errorf("%w: resize requires rows and cols", ErrInvalidMessage)
		}
	case ControlInit:
		if len(msg.Commands) == 0 {
			return ControlMessage{}, fmt.Errorf("%w: init requires commands", ErrInvalidMessage)
		}
	default:
		return ControlMessage{}, fmt.Errorf("%w: unknown control type %q", ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}
