package strategy

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec copies a payload across the actor message boundary.
type Codec interface {
	Copy(v any) (any, error)
}

// MsgpackCodec copies payloads by encoding and decoding them with msgpack.
// The copy has the same dynamic type as the original. Only exported fields
// (and types implementing msgpack's custom encoder) survive.
type MsgpackCodec struct{}

// Copy implements Codec.
func (MsgpackCodec) Copy(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := reflect.New(reflect.TypeOf(v))
	if err := msgpack.Unmarshal(data, out.Interface()); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return out.Elem().Interface(), nil
}

// SharedCodec passes payloads through untouched. Use it only when every
// payload is immutable.
type SharedCodec struct{}

// Copy implements Codec.
func (SharedCodec) Copy(v any) (any, error) {
	return v, nil
}
