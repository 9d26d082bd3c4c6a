// Package codec is the single place the daemon and its clients agree on
// how structured values become bytes inside an RPC frame.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding: sorted map keys and the
// smallest integer and float widths that hold the value.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[any]any and every integer held in an
// any as int64, so values compare equal after a round trip regardless of
// sign. Unmarshal turns maps whose keys are all strings into map[string]any.
var decMode cbor.DecMode

var anyType = reflect.TypeOf((*any)(nil)).Elem()

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[any]any(nil)),
		IntDec:          cbor.IntDecConvertSignedOrFail,
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return err
	}
	normalizeValue(reflect.ValueOf(v))
	return nil
}

// normalize rewrites untyped maps with only string keys as map[string]any.
// Maps with any other key type stay map[any]any.
func normalize(v any) any {
	switch t := v.(type) {
	case map[any]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return t
			}
			out[ks] = e
		}
		return out
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
	case []any:
		for i := range t {
			t[i] = normalize(t[i])
		}
	}
	return v
}

// normalizeValue applies normalize to every untyped slot reachable from rv.
func normalizeValue(rv reflect.Value) {
	switch rv.Kind() {
	case reflect.Pointer:
		if !rv.IsNil() {
			normalizeValue(rv.Elem())
		}
	case reflect.Interface:
		if !rv.IsNil() && rv.CanSet() && rv.Type() == anyType {
			rv.Set(reflect.ValueOf(normalize(rv.Interface())))
		}
	case reflect.Slice, reflect.Array:
		if scalar(rv.Type().Elem().Kind()) {
			return
		}
		for i := 0; i < rv.Len(); i++ {
			normalizeValue(rv.Index(i))
		}
	case reflect.Map:
		if rv.IsNil() || rv.Type().Elem() != anyType {
			return
		}
		iter := rv.MapRange()
		for iter.Next() {
			if e := iter.Value().Interface(); e != nil {
				rv.SetMapIndex(iter.Key(), reflect.ValueOf(normalize(e)))
			}
		}
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if f := rv.Field(i); f.CanSet() {
				normalizeValue(f)
			}
		}
	}
}

func scalar(k reflect.Kind) bool {
	switch k {
	case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Array, reflect.Map, reflect.Struct:
		return false
	}
	return true
}

// Wellformed reports whether data holds exactly one well-formed CBOR item.
func Wellformed(data []byte) error {
	return decMode.Wellformed(data)
}

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage
