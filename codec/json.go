package codec

import (
	"encoding/json"
	"errors"
)

// JSON implements Codec using JSON serialization.
// This is the default codec, providing human-readable output.
//
// Data is written by encoding/json as is: tagged fields use their tag
// names, untagged exported fields their Go names. No camel-case policy is
// applied. Decoding matches keys case-insensitively, so either form reads
// back into the same struct.
type JSON struct{}

// jsonEnvelope is the decoding shape; data stays raw until Unmarshal
type jsonEnvelope struct {
	MessageID string          `json:"messageId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// Encode serializes an envelope to JSON bytes
func (c JSON) Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to a raw envelope
func (c JSON) Decode(data []byte) (RawEnvelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return RawEnvelope{}, errors.Join(ErrDecodeFailure, err)
	}

	env := RawEnvelope{
		MessageID: je.MessageID,
		Type:      je.Type,
		Data:      je.Data,
	}
	return env, validate(env)
}

// Unmarshal decodes JSON data into v
func (c JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
