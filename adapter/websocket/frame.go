package websocket

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/trickstertwo/xmesh"
)

type frameKind int

const (
	frameInvalid frameKind = iota
	frameHandshake
	frameMessage
)

// handshakeFrame opens every connection.
type handshakeFrame struct {
	Type  string      `json:"type"`
	Agent xmesh.Agent `json:"agent"`
}

// classify peeks at a frame without decoding it. A HANDSHAKE message type
// carries a source; the handshake frame carries an agent instead.
func classify(data []byte) frameKind {
	if !gjson.ValidBytes(data) {
		return frameInvalid
	}
	res := gjson.GetManyBytes(data, "type", "agent", "source")
	switch {
	case res[0].String() == string(xmesh.Handshake) && res[1].IsObject() && !res[2].Exists():
		return frameHandshake
	case res[2].IsObject():
		return frameMessage
	}
	return frameInvalid
}

func encodeHandshake(c xmesh.Codec, a xmesh.Agent) ([]byte, error) {
	return c.Marshal(handshakeFrame{Type: string(xmesh.Handshake), Agent: a})
}

func decodeHandshake(c xmesh.Codec, data []byte) (xmesh.Agent, error) {
	if classify(data) != frameHandshake {
		return xmesh.Agent{}, fmt.Errorf("%w: expected handshake frame", xmesh.ErrInvalidMessage)
	}
	var hs handshakeFrame
	if err := c.Unmarshal(data, &hs); err != nil {
		return xmesh.Agent{}, fmt.Errorf("%w: %v", xmesh.ErrInvalidMessage, err)
	}
	if err := hs.Agent.Validate(); err != nil {
		return xmesh.Agent{}, err
	}
	return hs.Agent, nil
}
