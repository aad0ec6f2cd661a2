package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrBadEnvelope        = errors.New("protocol: bad envelope")
	ErrUnknownKind        = errors.New("protocol: unknown message kind")
	ErrMissingDestination = errors.New("protocol: missing destination")
)

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses one frame into its concrete variant and validates the
// envelope level fields. Opaque payloads are not inspected.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadEnvelope)
	}
	newMsg, ok := factories[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	msg := newMsg()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadEnvelope, env.Type, err)
		}
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(envelope{Type: m.Kind(), Data: data})
}

// ErrorCodeFor maps a decode failure to the code sent back to the client.
func ErrorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrUnknownKind):
		return CodeUnknownKind
	case errors.Is(err, ErrMissingDestination):
		return CodeMissingDestination
	case errors.Is(err, ErrBadEnvelope):
		return CodeBadEnvelope
	default:
		return CodeInternal
	}
}
