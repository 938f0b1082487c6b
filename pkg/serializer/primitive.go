package serializer

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Scalars use the protobuf well-known wrapper messages. Arrays are a single packed field 1,
// except strings which are a repeated field 1.

const arrayField protowire.Number = 1

var errMalformed = errors.New("malformed payload")

func typeError(want string, got any) error {
	return fmt.Errorf("expected %s, got %T", want, got)
}

type stringSerializer struct{}

func (stringSerializer) Write(data any) ([]byte, error) {
	s, ok := data.(string)
	if !ok {
		return nil, typeError("string", data)
	}
	return proto.Marshal(wrapperspb.String(s))
}

func (stringSerializer) Read(b []byte) (any, error) {
	var v wrapperspb.StringValue
	if err := proto.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v.GetValue(), nil
}

type int32Serializer struct{}

func (int32Serializer) Write(data any) ([]byte, error) {
	var v int32
	switch n := data.(type) {
	case int32:
		v = n
	case int:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("value %d overflows int32", n)
		}
		v = int32(n)
	default:
		return nil, typeError("int32", data)
	}
	return proto.Marshal(wrapperspb.Int32(v))
}

func (int32Serializer) Read(b []byte) (any, error) {
	var v wrapperspb.Int32Value
	if err := proto.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v.GetValue(), nil
}

type int64Serializer struct{}

func (int64Serializer) Write(data any) ([]byte, error) {
	var v int64
	switch n := data.(type) {
	case int64:
		v = n
	case int:
		v = int64(n)
	default:
		return nil, typeError("int64", data)
	}
	return proto.Marshal(wrapperspb.Int64(v))
}

func (int64Serializer) Read(b []byte) (any, error) {
	var v wrapperspb.Int64Value
	if err := proto.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v.GetValue(), nil
}

type floatSerializer struct{}

func (floatSerializer) Write(data any) ([]byte, error) {
	v, ok := data.(float32)
	if !ok {
		return nil, typeError("float32", data)
	}
	return proto.Marshal(wrapperspb.Float(v))
}

func (floatSerializer) Read(b []byte) (any, error) {
	var v wrapperspb.FloatValue
	if err := proto.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v.GetValue(), nil
}

type doubleSerializer struct{}

func (doubleSerializer) Write(data any) ([]byte, error) {
	v, ok := data.(float64)
	if !ok {
		return nil, typeError("float64", data)
	}
	return proto.Marshal(wrapperspb.Double(v))
}

func (doubleSerializer) Read(b []byte) (any, error) {
	var v wrapperspb.DoubleValue
	if err := proto.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return v.GetValue(), nil
}

// bytesSerializer passes raw bytes through untouched.
type bytesSerializer struct{}

func (bytesSerializer) Write(data any) ([]byte, error) {
	b, ok := data.([]byte)
	if !ok {
		return nil, typeError("[]byte", data)
	}
	return b, nil
}

func (bytesSerializer) Read(b []byte) (any, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

type stringArraySerializer struct{}

func (stringArraySerializer) Write(data any) ([]byte, error) {
	values, ok := data.([]string)
	if !ok {
		return nil, typeError("[]string", data)
	}
	var b []byte
	for _, s := range values {
		b = protowire.AppendTag(b, arrayField, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b, nil
}

func (stringArraySerializer) Read(b []byte) (any, error) {
	values := []string{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num != arrayField || typ != protowire.BytesType {
			return nil, errMalformed
		}
		b = b[n:]
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return nil, errMalformed
		}
		values = append(values, s)
		b = b[n:]
	}
	return values, nil
}

// packed wraps a packed repeated payload as field 1. Empty arrays encode to no bytes.
func packed(payload []byte, count int) []byte {
	if count == 0 {
		return []byte{}
	}
	b := protowire.AppendTag(nil, arrayField, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func unpacked(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != arrayField || typ != protowire.BytesType {
		return nil, errMalformed
	}
	payload, m := protowire.ConsumeBytes(b[n:])
	if m < 0 || n+m != len(b) {
		return nil, errMalformed
	}
	return payload, nil
}

type int32ArraySerializer struct{}

func (int32ArraySerializer) Write(data any) ([]byte, error) {
	values, ok := data.([]int32)
	if !ok {
		return nil, typeError("[]int32", data)
	}
	var payload []byte
	for _, v := range values {
		payload = protowire.AppendVarint(payload, uint64(v))
	}
	return packed(payload, len(values)), nil
}

func (int32ArraySerializer) Read(b []byte) (any, error) {
	payload, err := unpacked(b)
	if err != nil {
		return nil, err
	}
	values := []int32{}
	for len(payload) > 0 {
		v, n := protowire.ConsumeVarint(payload)
		if n < 0 {
			return nil, errMalformed
		}
		values = append(values, int32(v))
		payload = payload[n:]
	}
	return values, nil
}

type int64ArraySerializer struct{}

func (int64ArraySerializer) Write(data any) ([]byte, error) {
	values, ok := data.([]int64)
	if !ok {
		return nil, typeError("[]int64", data)
	}
	var payload []byte
	for _, v := range values {
		payload = protowire.AppendVarint(payload, uint64(v))
	}
	return packed(payload, len(values)), nil
}

func (int64ArraySerializer) Read(b []byte) (any, error) {
	payload, err := unpacked(b)
	if err != nil {
		return nil, err
	}
	values := []int64{}
	for len(payload) > 0 {
		v, n := protowire.ConsumeVarint(payload)
		if n < 0 {
			return nil, errMalformed
		}
		values = append(values, int64(v))
		payload = payload[n:]
	}
	return values, nil
}

type floatArraySerializer struct{}

func (floatArraySerializer) Write(data any) ([]byte, error) {
	values, ok := data.([]float32)
	if !ok {
		return nil, typeError("[]float32", data)
	}
	var payload []byte
	for _, v := range values {
		payload = protowire.AppendFixed32(payload, math.Float32bits(v))
	}
	return packed(payload, len(values)), nil
}

func (floatArraySerializer) Read(b []byte) (any, error) {
	payload, err := unpacked(b)
	if err != nil {
		return nil, err
	}
	values := []float32{}
	for len(payload) > 0 {
		v, n := protowire.ConsumeFixed32(payload)
		if n < 0 {
			return nil, errMalformed
		}
		values = append(values, math.Float32frombits(v))
		payload = payload[n:]
	}
	return values, nil
}

type doubleArraySerializer struct{}

func (doubleArraySerializer) Write(data any) ([]byte, error) {
	values, ok := data.([]float64)
	if !ok {
		return nil, typeError("[]float64", data)
	}
	var payload []byte
	for _, v := range values {
		payload = protowire.AppendFixed64(payload, math.Float64bits(v))
	}
	return packed(payload, len(values)), nil
}

func (doubleArraySerializer) Read(b []byte) (any, error) {
	payload, err := unpacked(b)
	if err != nil {
		return nil, err
	}
	values := []float64{}
	for len(payload) > 0 {
		v, n := protowire.ConsumeFixed64(payload)
		if n < 0 {
			return nil, errMalformed
		}
		values = append(values, math.Float64frombits(v))
		payload = payload[n:]
	}
	return values, nil
}
