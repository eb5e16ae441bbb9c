package bus

import (
	"encoding/json"
	"fmt"
)

// Envelope types pushed to canvas listeners.
const (
	TypeAddCard      = "add_card"
	TypeAIChat       = "ai_chat"
	TypeAIResponse   = "ai_response"
	TypeSystemAction = "system_action"
	TypeBridgeStatus = "bridge_status"
)

// Envelope is one broadcast message. It is not modified after NewEnvelope.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func NewEnvelope(typ string, payload any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{Type: typ, Payload: payload}
}

// Encode serializes the envelope to the text frame sent to listeners.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.Type, err)
	}
	return data, nil
}

// DecodeEnvelope parses a frame produced by Encode.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
