package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientQuery   MessageType = "client_query"
	TypeClientControl MessageType = "client_control"
	TypeTurnResult    MessageType = "turn_result"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

const (
	ActionReset = "reset"
	ActionPing  = "ping"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientQuery struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	QueryText string      `json:"query_text"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

type TurnResult struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id,omitempty"`
	TurnID         string      `json:"turn_id"`
	DisplayText    string      `json:"display_text"`
	MediaReference *string     `json:"media_reference"`
	Outcome        string      `json:"outcome"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientQuery:
		var msg ClientQuery
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.QueryText) == "" {
			return nil, errors.New("invalid client_query")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionReset, ActionPing:
		default:
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
