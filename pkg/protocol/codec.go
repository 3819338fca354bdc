package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks frames that are not a JSON object with a type tag.
var ErrMalformed = errors.New("malformed frame")

// Encode serialises m with its type tag.
func Encode(m Message) ([]byte, error) {
	if _, ok := m.(Unrecognized); ok {
		return nil, fmt.Errorf("cannot encode unrecognized message %q", m.Type())
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	tag, err := json.Marshal(m.Type())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode parses a frame. Unknown type tags decode to Unrecognized.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if envelope.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	var m Message
	switch *envelope.Type {
	case TypeIdentify:
		m = &Identify{}
	case TypeHeartbeat:
		m = &Heartbeat{}
	case TypeIdentifyOK:
		return IdentifyOK{}, nil
	case TypeEnableHeartbeat:
		m = &EnableHeartbeat{}
	case TypeConfiguration:
		m = &Configuration{}
	case TypeLogsets:
		m = &Logsets{}
	case TypeStorage:
		m = &Storage{}
	case TypeRedeploy:
		return Redeploy{}, nil
	case TypeShutdown:
		return Shutdown{}, nil
	default:
		return Unrecognized{Tag: *envelope.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, *envelope.Type, err)
	}
	return deref(m), nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *Identify:
		return *v
	case *Heartbeat:
		return *v
	case *EnableHeartbeat:
		return *v
	case *Configuration:
		return *v
	case *Logsets:
		return *v
	case *Storage:
		return *v
	}
	return m
}
