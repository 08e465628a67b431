package parser

import (
	"encoding/json"
	"fmt"

	"kite_clickhouse/models"
)

// Wire actions for outgoing control messages.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionMode        = "mode"
)

type controlMessage struct {
	Action string      `json:"a"`
	Value  interface{} `json:"v"`
}

// EncodeSubscribe builds the subscribe control frame for the given tokens.
func EncodeSubscribe(tokens []uint32) ([]byte, error) {
	return json.Marshal(controlMessage{Action: actionSubscribe, Value: tokens})
}

// EncodeUnsubscribe builds the unsubscribe control frame for the given tokens.
func EncodeUnsubscribe(tokens []uint32) ([]byte, error) {
	return json.Marshal(controlMessage{Action: actionUnsubscribe, Value: tokens})
}

// EncodeSetMode builds the mode-change control frame for the given tokens.
func EncodeSetMode(mode models.Mode, tokens []uint32) ([]byte, error) {
	return json.Marshal(controlMessage{
		Action: actionMode,
		Value:  []interface{}{mode, tokens},
	})
}

// MessageKind classifies an incoming text frame.
type MessageKind string

const (
	KindOrderUpdate MessageKind = "order"
	KindError       MessageKind = "error"
	KindMessage     MessageKind = "message"
)

// Incoming is a decoded text frame from the server.
type Incoming struct {
	Kind  MessageKind
	Order *models.OrderUpdate // set when Kind == KindOrderUpdate
	Text  string              // set for error and informational messages
}

type incomingEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseTextMessage decodes a JSON text frame into an Incoming message.
func ParseTextMessage(b []byte) (Incoming, error) {
	var env incomingEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Incoming{}, fmt.Errorf("parse text frame: %w", err)
	}

	switch MessageKind(env.Type) {
	case KindOrderUpdate:
		order := &models.OrderUpdate{}
		if err := json.Unmarshal(env.Data, order); err != nil {
			return Incoming{}, fmt.Errorf("parse order update: %w", err)
		}
		return Incoming{Kind: KindOrderUpdate, Order: order}, nil

	case KindError, KindMessage:
		var text string
		if err := json.Unmarshal(env.Data, &text); err != nil {
			// Some server errors ship structured data; keep it raw.
			text = string(env.Data)
		}
		return Incoming{Kind: MessageKind(env.Type), Text: text}, nil
	}

	return Incoming{}, fmt.Errorf("unknown text frame type %q", env.Type)
}
