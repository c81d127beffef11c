package jsonvalue

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned by Parse for input that is not a single valid
// JSON document.
var ErrInvalidJSON = errors.New("invalid JSON document")

// Parse decodes data into a Value tree. Object keys keep document order;
// duplicate keys resolve to the last occurrence.
func Parse(data []byte) (*Value, error) {
	if len(bytes.TrimSpace(data)) == 0 || !gjson.ValidBytes(data) {
		return nil, ErrInvalidJSON
	}
	return fromResult(gjson.ParseBytes(data)), nil
}

func fromResult(r gjson.Result) *Value {
	switch r.Type {
	case gjson.False:
		return NewBool(false)
	case gjson.True:
		return NewBool(true)
	case gjson.Number:
		return NewNumber(r.Raw)
	case gjson.String:
		return &Value{kind: String, str: r.Str, raw: r.Raw}
	case gjson.JSON:
		if r.IsArray() {
			arr := NewArray()
			r.ForEach(func(_, item gjson.Result) bool {
				arr.items = append(arr.items, fromResult(item))
				return true
			})
			return arr
		}
		obj := NewObject()
		r.ForEach(func(key, member gjson.Result) bool {
			obj.Set(key.String(), fromResult(member))
			return true
		})
		return obj
	default:
		return NewNull()
	}
}

// MarshalJSON implements json.Marshaler.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode writes the compact JSON encoding of v to w.
func (v *Value) Encode(w io.Writer) error {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func (v *Value) encode(buf *bytes.Buffer) error {
	switch v.Kind() {
	case Null:
		buf.WriteString("null")
	case Bool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Number:
		buf.WriteString(v.num)
	case String:
		if v.raw != "" {
			buf.WriteString(v.raw)
			return nil
		}
		return writeString(buf, v.str)
	case Array:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case Object:
		buf.WriteByte('{')
		for i, key := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := v.fields[key].encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encoder terminates each value with a newline.
	buf.Truncate(buf.Len() - 1)
	return nil
}
