package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/daviddao/verdant/pkg/model"
)

type envelope struct {
	Type Type `json:"type"`
}

// Encode serializes m with its type tag.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	tag, err := json.Marshal(envelope{Type: m.MessageType()})
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: not an object", m.MessageType())
	}
	if len(body) == 2 {
		return tag, nil
	}
	var buf bytes.Buffer
	buf.Write(tag[:len(tag)-1])
	buf.WriteByte(',')
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// Decode parses one tagged message. Malformed input and unknown types
// are protocol violations.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrProtocolViolation, err)
	}
	var (
		m   Message
		err error
	)
	switch env.Type {
	case TypeSync:
		m, err = decodeAs[Sync](data)
	case TypeOp:
		m, err = decodeAs[Op](data)
	case TypeAck:
		m, err = decodeAs[Ack](data)
	case TypeHeartbeat:
		m, err = decodeAs[Heartbeat](data)
	case TypePresenceUpdate:
		m, err = decodeAs[PresenceUpdate](data)
	case TypeSyncResp:
		m, err = decodeAs[SyncResp](data)
	case TypeOpRe:
		m, err = decodeAs[OpRe](data)
	case TypeGlobalAck:
		m, err = decodeAs[GlobalAck](data)
	case TypeNeedSince:
		m, err = decodeAs[NeedSince](data)
	case TypeServerAck:
		m, err = decodeAs[ServerAck](data)
	case TypeForbidden:
		m, err = decodeAs[Forbidden](data)
	case TypePresenceChanged:
		m, err = decodeAs[PresenceChanged](data)
	case TypePresenceOffline:
		m, err = decodeAs[PresenceOffline](data)
	case TypeHeartbeatResponse:
		m, err = decodeAs[HeartbeatResponse](data)
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", model.ErrProtocolViolation, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrProtocolViolation, env.Type, err)
	}
	return m, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeAll serializes messages as a JSON array, the body format of the
// HTTP sync endpoint.
func EncodeAll(msgs []Message) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// DecodeAll parses a JSON array of tagged messages.
func DecodeAll(data []byte) ([]Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrProtocolViolation, err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		m, err := Decode(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
