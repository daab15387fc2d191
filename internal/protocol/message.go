package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Envelope wraps every WebSocket message.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope creates an Envelope with a fresh ID stamped at now.
func NewEnvelope(msgType string, payload interface{}, now time.Time) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		ID:      uuid.NewString(),
		TS:      now.UnixMilli(),
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (e *Envelope) ParsePayload(target interface{}) error {
	return json.Unmarshal(e.Payload, target)
}

// Marshal serializes the envelope to JSON bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Encode builds and serializes an envelope in one step.
func Encode(msgType string, payload interface{}, now time.Time) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload, now)
	if err != nil {
		return nil, err
	}
	return env.Marshal()
}
