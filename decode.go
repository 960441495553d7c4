package xmesh

import "fmt"

// PayloadAs returns the message payload as T, failing when the variant differs.
//
//	q, err := xmesh.PayloadAs[*xmesh.KnowledgeQueryPayload](msg)
func PayloadAs[T Payload](msg *Message) (T, error) {
	var zero T
	if msg == nil {
		return zero, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	v, ok := msg.Payload.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s carries %T, not %T", ErrInvalidMessage, msg.Type, msg.Payload, zero)
	}
	return v, nil
}

// DecodeMessage decodes a wire frame with c (JSON when nil) and validates it.
func DecodeMessage(c Codec, data []byte) (*Message, error) {
	if c == nil {
		c = JSONCodec{}
	}
	var m Message
	if err := c.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodePayload decodes the JSON payload of a message of type t into its variant.
func DecodePayload(t MessageType, raw []byte) (Payload, error) {
	return decodePayload(t, raw)
}
