package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const ProtocolVersion = 1

// DefaultMaxMessageBytes is the relay's default limit on one encoded envelope.
const DefaultMaxMessageBytes = 1 << 20

// Envelope wraps every relay message with routing metadata.
// ReplyTo carries the MsgID of the request a relay reply answers.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	ReplyTo string          `json:"reply_to,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope of the given type. The payload is marshaled to JSON.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	var rawPayload json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		rawPayload = b
	}

	return Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		MsgID:   msgID,
		Payload: rawPayload,
	}, nil
}

// MessageSize returns the encoded length of a fresh envelope carrying payload.
func MessageSize(msgType string, payload any) (int, error) {
	env, err := NewEnvelope(msgType, NewMsgID(), payload)
	if err != nil {
		return 0, err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// NewReply builds a relay reply to req, addressed back to its sender.
func NewReply(req Envelope, msgType string, payload any) (Envelope, error) {
	env, err := NewEnvelope(msgType, NewMsgID(), payload)
	if err != nil {
		return Envelope{}, err
	}
	env.ReplyTo = req.MsgID
	env.From = ServerID
	env.To = req.From
	return env, nil
}

// DecodePayload unmarshals the envelope's payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic checks version, type and message id.
func (e Envelope) ValidateBasic() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.MsgID == "" {
		return errors.New("msg_id is required")
	}
	return nil
}

// NewMsgID returns a random 16-character hex string.
func NewMsgID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
