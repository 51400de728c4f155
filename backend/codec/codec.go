package codec

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

var ErrTrailingData = errors.New("trailing data after json value")

const (
	NameJSON    = "json"
	NameMsgPack = "msgpack"
)

// Codec encodes signaling frames for one websocket subprotocol.
type Codec interface {
	Name() string
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// Subprotocols lists names that can be negotiated via Sec-WebSocket-Protocol,
// in server preference order.
func Subprotocols() []string {
	return []string{NameJSON, NameMsgPack}
}

// ByName returns codec for negotiated subprotocol.
// Empty or unknown name falls back to JSON.
func ByName(name string) Codec {
	if name == NameMsgPack {
		return MsgPack{}
	}
	return JSON{}
}

type JSON struct{}

func (JSON) Name() string   { return NameJSON }
func (JSON) FrameType() int { return websocket.TextMessage }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal keeps numbers as json.Number so they are relayed without float rounding.
func (JSON) Unmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return ErrTrailingData
	}
	return nil
}

type MsgPack struct{}

func (MsgPack) Name() string   { return NameMsgPack }
func (MsgPack) FrameType() int { return websocket.BinaryMessage }

func (MsgPack) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (MsgPack) Unmarshal(b []byte, v any) error {
	return msgpack.Unmarshal(b, v)
}
