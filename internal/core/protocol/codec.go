package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownMessage = errors.New("unknown message")

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type controlEnvelope struct {
	Kind    ControlKind     `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes m as {"type":..., "data":...}.
func Encode(m Message) ([]byte, error) {
	var data any
	switch msg := m.(type) {
	case PeerInfo, Chat:
		data = msg
	case Control:
		if msg.Payload == nil {
			return nil, fmt.Errorf("%w: control without payload", ErrUnknownMessage)
		}
		payload, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Kind(), err)
		}
		data = controlEnvelope{Kind: msg.Kind(), Payload: payload}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Data: raw})
}

// Decode parses a wire message. Unknown types and kinds wrap ErrUnknownMessage.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	switch env.Type {
	case TypePeerInfo:
		var m PeerInfo
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal peer_info: %w", err)
		}
		return m, nil
	case TypeChat:
		var m Chat
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		return m, nil
	case TypeControl:
		return decodeControl(env.Data)
	}
	return nil, fmt.Errorf("%w: type %q", ErrUnknownMessage, env.Type)
}

func decodeControl(data json.RawMessage) (Message, error) {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal control: %w", err)
	}

	var payload ControlPayload
	switch env.Kind {
	case KindKick:
		payload = &Kick{}
	case KindScreenPermission:
		payload = &ScreenPermission{}
	case KindRoleChange:
		payload = &RoleChange{}
	case KindSessionStart:
		return Control{Payload: SessionStart{}}, nil
	case KindScreenStart:
		payload = &ScreenStart{}
	case KindScreenStop:
		payload = &ScreenStop{}
	default:
		return nil, fmt.Errorf("%w: control kind %q", ErrUnknownMessage, env.Kind)
	}

	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("control %s missing payload", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Kind, err)
	}

	switch p := payload.(type) {
	case *Kick:
		return Control{Payload: *p}, nil
	case *ScreenPermission:
		return Control{Payload: *p}, nil
	case *RoleChange:
		return Control{Payload: *p}, nil
	case *ScreenStart:
		return Control{Payload: *p}, nil
	case *ScreenStop:
		return Control{Payload: *p}, nil
	}
	return nil, fmt.Errorf("%w: control kind %q", ErrUnknownMessage, env.Kind)
}
