package codec

import (
	"encoding/json"
	"errors"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto implements Codec using Protocol Buffers serialization.
// The envelope is written as a google.protobuf.Struct with the keys
// messageId, type and data.
//
// Payload handling:
//   - data is carried as a string value holding its JSON text, so numbers
//     keep full int64/uint64 precision (a structpb number is a float64)
//   - If data implements proto.Message, its JSON text comes from protojson
//   - Decode also accepts a data value written as a nested Struct or list
//   - Unmarshal accepts proto.Message targets and plain Go values
type Proto struct{}

// Encode serializes an envelope to Protocol Buffer bytes
func (c Proto) Encode(env Envelope) ([]byte, error) {
	data, err := jsonText(env.Data)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}

	st := &structpb.Struct{Fields: map[string]*structpb.Value{
		"messageId": structpb.NewStringValue(env.MessageID),
		"type":      structpb.NewStringValue(env.Type),
		"data":      structpb.NewStringValue(string(data)),
	}}

	out, err := proto.Marshal(st)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return out, nil
}

// Decode deserializes Protocol Buffer bytes to a raw envelope.
// The raw data is the JSON text of the data value.
func (c Proto) Decode(data []byte) (RawEnvelope, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return RawEnvelope{}, errors.Join(ErrDecodeFailure, err)
	}

	env := RawEnvelope{
		MessageID: st.GetFields()["messageId"].GetStringValue(),
		Type:      st.GetFields()["type"].GetStringValue(),
	}

	if v, ok := st.GetFields()["data"]; ok {
		if text, isString := v.GetKind().(*structpb.Value_StringValue); isString {
			if !json.Valid([]byte(text.StringValue)) {
				return RawEnvelope{}, errors.Join(ErrDecodeFailure, errors.New("data is not JSON text"))
			}
			env.Data = []byte(text.StringValue)
		} else {
			raw, err := protojson.Marshal(v)
			if err != nil {
				return RawEnvelope{}, errors.Join(ErrDecodeFailure, err)
			}
			env.Data = raw
		}
	}

	return env, validate(env)
}

// Unmarshal decodes data produced by Decode into v
func (c Proto) Unmarshal(data []byte, v any) error {
	var err error
	if pm, ok := v.(proto.Message); ok {
		err = protojson.Unmarshal(data, pm)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return errors.Join(ErrDecodeFailure, err)
	}
	return nil
}

// ContentType returns the MIME type for Protocol Buffers
func (c Proto) ContentType() string {
	return "application/x-protobuf"
}

// Name returns the codec identifier
func (c Proto) Name() string {
	return "proto"
}

// jsonText returns the JSON form of data
func jsonText(data any) ([]byte, error) {
	if data == nil {
		return []byte("null"), nil
	}
	if pm, ok := data.(proto.Message); ok {
		return protojson.Marshal(pm)
	}
	return json.Marshal(data)
}

// Compile-time check
var _ Codec = Proto{}
