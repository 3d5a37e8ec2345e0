package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/parakeet/internal/session"
)

// MessageType identifies control websocket payload variants.
type MessageType string

const (
	TypeClientControl     MessageType = "client_control"
	TypeConversationState MessageType = "conversation_state"
	TypeErrorEvent        MessageType = "error_event"
)

const (
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionSnapshot = "snapshot"
)

var (
	ErrUnsupportedType   = errors.New("unsupported message type")
	ErrUnsupportedAction = errors.New("unsupported control action")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
	TSMs   int64       `json:"ts_ms,omitempty"`
}

// ConversationState carries a full snapshot; clients replace their view on
// every message.
type ConversationState struct {
	Type MessageType `json:"type"`
	session.Snapshot
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewConversationState(snap session.Snapshot) ConversationState {
	return ConversationState{Type: TypeConversationState, Snapshot: snap}
}

// NewErrorEvent describes a failed control action for the client.
func NewErrorEvent(sessionID, source string, err error) ErrorEvent {
	ev := ErrorEvent{
		Type:      TypeErrorEvent,
		SessionID: sessionID,
		Code:      "internal",
		Source:    source,
		Detail:    err.Error(),
	}
	var sessErr *session.Error
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		ev.Code = "already_active"
	case errors.Is(err, session.ErrStopped):
		ev.Code = "stopped"
		ev.Retryable = true
	case errors.As(err, &sessErr):
		ev.Code = string(sessErr.Kind)
		ev.Detail = sessErr.UserMessage()
		ev.Retryable = sessErr.Kind == session.KindConnection || sessErr.Kind == session.KindServer
	case errors.Is(err, ErrUnsupportedType), errors.Is(err, ErrUnsupportedAction):
		ev.Code = "bad_request"
	}
	return ev
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		switch msg.Action {
		case ActionStart, ActionStop, ActionSnapshot:
			return msg, nil
		case "":
			return nil, errors.New("invalid client_control: action is required")
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}
