package codec

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// MessagePack is a binary format that's more compact than JSON
// while maintaining schema-less flexibility.
//
// Struct fields are named by their json tags so that a payload type
// written for the JSON codec produces the same keys here.
type MsgPack struct{}

// msgpackEnvelope is the decoding shape; data stays raw until Unmarshal
type msgpackEnvelope struct {
	MessageID string             `json:"messageId"`
	Type      string             `json:"type"`
	Data      msgpack.RawMessage `json:"data"`
}

// Encode serializes an envelope to MessagePack bytes
func (c MsgPack) Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(env); err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes MessagePack bytes to a raw envelope
func (c MsgPack) Decode(data []byte) (RawEnvelope, error) {
	var me msgpackEnvelope
	if err := c.Unmarshal(data, &me); err != nil {
		return RawEnvelope{}, err
	}

	env := RawEnvelope{
		MessageID: me.MessageID,
		Type:      me.Type,
		Data:      me.Data,
	}
	return env, validate(env)
}

// Unmarshal decodes MessagePack data into v
func (c MsgPack) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(v); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
