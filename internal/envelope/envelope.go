// Package envelope implements the {type, data} wire unit exchanged on the channel.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outbound message types produced by the channel itself.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

var (
	ErrEmptyType = errors.New("envelope type is empty")
	ErrMalformed = errors.New("malformed envelope")
)

// Envelope is the unit exchanged on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscribeData is the payload of subscribe and unsubscribe envelopes.
type SubscribeData struct {
	Topics   []string `json:"topics"`
	Networks []string `json:"networks,omitempty"`
}

// Inbound is a decoded inbound frame. Raw always holds the original bytes.
// When Malformed is true, Type and Data are empty and consumers should use Raw.
type Inbound struct {
	Type       string
	Data       json.RawMessage
	Raw        []byte
	Malformed  bool
	ReceivedAt time.Time
}

// New builds an envelope, marshaling data to JSON.
func New(msgType string, data any) (Envelope, error) {
	if msgType == "" {
		return Envelope{}, ErrEmptyType
	}
	if data == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: raw}, nil
}

// Subscribe builds a subscribe envelope for topics within the given network scope.
func Subscribe(topics, networks []string) Envelope {
	return control(TypeSubscribe, topics, networks)
}

// Unsubscribe builds an unsubscribe envelope for topics within the given network scope.
func Unsubscribe(topics, networks []string) Envelope {
	return control(TypeUnsubscribe, topics, networks)
}

func control(msgType string, topics, networks []string) Envelope {
	// SubscribeData only holds string slices, Marshal cannot fail.
	raw, _ := json.Marshal(SubscribeData{Topics: topics, Networks: networks})
	return Envelope{Type: msgType, Data: raw}
}

// Encode serializes an envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	return json.Marshal(env)
}

// Decode parses a raw frame. It never fails: frames that are not a JSON object
// with a non-empty string type come back with Malformed set.
func Decode(raw []byte, receivedAt time.Time) Inbound {
	in := Inbound{Raw: raw, ReceivedAt: receivedAt}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		in.Malformed = true
		return in
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Type == "" {
		in.Malformed = true
		return in
	}

	in.Type = env.Type
	in.Data = env.Data
	return in
}

// Bind unmarshals the envelope data into v.
func (in Inbound) Bind(v any) error {
	if in.Malformed {
		return ErrMalformed
	}
	if len(in.Data) == 0 {
		return fmt.Errorf("%s: no data", in.Type)
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", in.Type, err)
	}
	return nil
}

// Text returns the payload as a string, preferring data for well-formed frames.
func (in Inbound) Text() string {
	if in.Malformed || len(in.Data) == 0 {
		return string(in.Raw)
	}
	return string(in.Data)
}
