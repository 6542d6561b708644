package api

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode/utf8"
)

// maxWalkDepth stops the UTF-8 walk on self-referencing values, which
// encoding/json rejects on its own.
const maxWalkDepth = 1000

var (
	jsonMarshaler = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshaler = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// marshalJSON encodes v, refusing strings that are not valid UTF-8.
// encoding/json would replace their bad bytes with U+FFFD and the peer
// would decode a different value.
func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if err := checkUTF8(reflect.ValueOf(v), "$", 0); err != nil {
		return nil, err
	}
	return data, nil
}

// unmarshalJSON decodes data into v. Input that is not valid UTF-8 is a
// decode failure rather than a silently repaired string.
func unmarshalJSON(data []byte, v any) error {
	if !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	return json.Unmarshal(data, v)
}

// checkUTF8 walks the parts of v that encoding/json writes as JSON
// strings. []byte is skipped: it is carried as base64. Values with their
// own marshalers are trusted.
func checkUTF8(v reflect.Value, path string, depth int) error {
	if !v.IsValid() || depth > maxWalkDepth {
		return nil
	}
	if v.Type().Implements(jsonMarshaler) || v.Type().Implements(textMarshaler) {
		return nil
	}

	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("%w at %s", ErrInvalidUTF8, path)
		}

	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkUTF8(v.Elem(), path, depth+1)

	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() && !f.Anonymous {
				continue
			}
			if f.Tag.Get("json") == "-" {
				continue
			}
			if err := checkUTF8(v.Field(i), path+"."+f.Name, depth+1); err != nil {
				return err
			}
		}

	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			k := iter.Key()
			if k.Kind() == reflect.String && !utf8.ValidString(k.String()) {
				return fmt.Errorf("%w in key of %s", ErrInvalidUTF8, path)
			}
			if err := checkUTF8(iter.Value(), fmt.Sprintf("%s[%v]", path, k), depth+1); err != nil {
				return err
			}
		}

	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		fallthrough
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkUTF8(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
