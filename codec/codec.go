// Package codec serializes the message envelope exchanged between producers
// and consumers.
//
// Every codec writes the same logical envelope:
//
//	{"messageId": "...", "type": "...", "data": {...}}
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
//   - Protocol Buffers (binary, google.protobuf.Struct based)
//
// Envelope keys are always lower camel case. Keys inside data are whatever
// the payload type's own encoding produces: codecs apply no naming policy,
// so a struct without json tags is written with its Go field names
// (AggregateID, not aggregateId). Tag payload fields to get camel case on
// the wire:
//
//	type OrderCreated struct {
//	    AggregateID string `json:"aggregateId" msgpack:"aggregateId"`
//	}
package codec

import (
	"errors"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode envelope")
	ErrDecodeFailure = errors.New("failed to decode envelope")
)

// Envelope is the wire contract shared by producers and consumers.
// Field order on the wire is messageId, type, data.
type Envelope struct {
	MessageID string `json:"messageId" msgpack:"messageId"`
	Type      string `json:"type" msgpack:"type"`
	Data      any    `json:"data" msgpack:"data"`
}

// RawEnvelope is a decoded envelope whose data is still in the codec's
// encoding. Use Codec.Unmarshal to decode Data into a concrete type.
type RawEnvelope struct {
	MessageID string
	Type      string
	Data      []byte
}

// Codec handles envelope serialization.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an envelope to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(env Envelope) ([]byte, error)

	// Decode reads the envelope header fields and keeps the data raw.
	// Returns ErrDecodeFailure if the bytes are not a valid envelope.
	Decode(data []byte) (RawEnvelope, error)

	// Unmarshal decodes the raw data of an envelope into v.
	Unmarshal(data []byte, v any) error

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack", "proto").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByContentType returns the built-in codec registered for a content type.
func ByContentType(contentType string) (Codec, bool) {
	switch contentType {
	case JSON{}.ContentType():
		return JSON{}, true
	case MsgPack{}.ContentType():
		return MsgPack{}, true
	case Proto{}.ContentType():
		return Proto{}, true
	default:
		return nil, false
	}
}

func validate(env RawEnvelope) error {
	if env.Type == "" {
		return errors.Join(ErrDecodeFailure, errors.New("envelope has no type"))
	}
	return nil
}
