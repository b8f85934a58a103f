package protocol

import (
	"encoding"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode serializes a typed value for use as a packet payload or a state
// value. Types implementing encoding.BinaryMarshaler encode themselves,
// everything else goes through msgpack. A nil pointer encodes as no value.
func Encode[T any](v T) ([]byte, error) {
	if rv := reflect.ValueOf(&v).Elem(); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}

	m, ok := any(v).(encoding.BinaryMarshaler)
	if !ok {
		m, ok = any(&v).(encoding.BinaryMarshaler)
	}
	if ok {
		data, err := m.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("could not marshal binary: %w", err)
		}
		return data, nil
	}

	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not marshal msgpack: %w", err)
	}
	return data, nil
}

// Decode is the inverse of Encode. An empty input means "no value": the zero
// T is returned with ok == false, never a default constructed value posing as
// data. Failures wrap ErrDecode.
func Decode[T any](data []byte) (v T, ok bool, err error) {
	if len(data) == 0 {
		return v, false, nil
	}

	if u, isUnmarshaler := unmarshalerOf(&v); isUnmarshaler {
		if err := u.UnmarshalBinary(data); err != nil {
			var zero T
			return zero, false, fmt.Errorf("%w binary: %w", ErrDecode, err)
		}
		return v, true, nil
	}

	if err := msgpack.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, false, fmt.Errorf("%w msgpack: %w", ErrDecode, err)
	}
	return v, true, nil
}

// unmarshalerOf finds the binary unmarshaler Encode would have used for *T.
// When T is itself a pointer to an unmarshaler, *v is pointed at a fresh
// element first.
func unmarshalerOf[T any](v *T) (encoding.BinaryUnmarshaler, bool) {
	if u, ok := any(v).(encoding.BinaryUnmarshaler); ok {
		return u, true
	}

	rv := reflect.ValueOf(v).Elem()
	if rv.Kind() != reflect.Pointer {
		return nil, false
	}
	elem := reflect.New(rv.Type().Elem())
	u, ok := elem.Interface().(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, false
	}
	rv.Set(elem)
	return u, true
}
