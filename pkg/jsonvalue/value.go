// Package jsonvalue provides a small tagged-union JSON tree with stable key
// order, used to merge paginated upstream documents.
//
// Scalars parsed from input keep their original JSON text, so a document that
// is parsed and encoded again without modification keeps its scalar
// formatting (number precision, string escapes).
package jsonvalue

import (
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	// Null is the JSON null literal.
	Null Kind = iota
	// Bool is true or false.
	Bool
	// Number is any JSON number. The raw text is kept as-is.
	Number
	// String is a JSON string.
	String
	// Array is an ordered list of values.
	Array
	// Object is a mapping with insertion-ordered keys.
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a JSON node. The zero value is null.
type Value struct {
	kind Kind

	b   bool
	num string
	str string
	// raw is the original encoded text of a parsed string, empty for
	// constructed strings.
	raw string

	items []*Value

	keys   []string
	fields map[string]*Value
}

// NewNull returns a null value.
func NewNull() *Value { return &Value{kind: Null} }

// NewBool returns a boolean value.
func NewBool(b bool) *Value { return &Value{kind: Bool, b: b} }

// NewNumber returns a number holding the given JSON number text.
// The text is not validated.
func NewNumber(text string) *Value { return &Value{kind: Number, num: text} }

// NewInt returns a number holding n.
func NewInt(n int) *Value { return NewNumber(strconv.Itoa(n)) }

// NewString returns a string value.
func NewString(s string) *Value { return &Value{kind: String, str: s} }

// NewArray returns an array holding items.
func NewArray(items ...*Value) *Value {
	return &Value{kind: Array, items: append([]*Value(nil), items...)}
}

// NewObject returns an empty object.
func NewObject() *Value {
	return &Value{kind: Object, fields: make(map[string]*Value)}
}

// Kind returns the variant held by v. A nil Value reports Null.
func (v *Value) Kind() Kind {
	if v == nil {
		return Null
	}
	return v.kind
}

// IsArray reports whether v is an array.
func (v *Value) IsArray() bool { return v.Kind() == Array }

// IsObject reports whether v is an object.
func (v *Value) IsObject() bool { return v.Kind() == Object }

// IsNull reports whether v is null or nil.
func (v *Value) IsNull() bool { return v.Kind() == Null }

// Len returns the number of array items or object keys. Scalars report 0.
func (v *Value) Len() int {
	switch v.Kind() {
	case Array:
		return len(v.items)
	case Object:
		return len(v.keys)
	}
	return 0
}

// Items returns the items of an array. The slice is owned by v.
func (v *Value) Items() []*Value {
	if v.Kind() != Array {
		return nil
	}
	return v.items
}

// Append adds items to the end of an array. It is a no-op on other kinds.
func (v *Value) Append(items ...*Value) {
	if v.Kind() != Array {
		return
	}
	v.items = append(v.items, items...)
}

// Keys returns the keys of an object in insertion order.
func (v *Value) Keys() []string {
	if v.Kind() != Object {
		return nil
	}
	return append([]string(nil), v.keys...)
}

// Get returns the member named key of an object.
func (v *Value) Get(key string) (*Value, bool) {
	if v.Kind() != Object {
		return nil, false
	}
	f, ok := v.fields[key]
	return f, ok
}

// Lookup walks nested objects by key. It fails if any step is missing or
// not an object.
func (v *Value) Lookup(path ...string) (*Value, bool) {
	cur := v
	for _, key := range path {
		next, ok := cur.Get(key)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Set stores val under key. Existing keys keep their position.
func (v *Value) Set(key string, val *Value) {
	if v.Kind() != Object {
		return
	}
	if val == nil {
		val = NewNull()
	}
	if _, exists := v.fields[key]; !exists {
		v.keys = append(v.keys, key)
	}
	v.fields[key] = val
}

// Delete removes key from an object and reports whether it was present.
func (v *Value) Delete(key string) bool {
	if v.Kind() != Object {
		return false
	}
	if _, ok := v.fields[key]; !ok {
		return false
	}
	delete(v.fields, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
	return true
}

// Text returns the string form of a scalar: the contents of a string, the
// literal text of a number, or "true"/"false". Null, arrays and objects
// report false.
func (v *Value) Text() (string, bool) {
	switch v.Kind() {
	case String:
		return v.str, true
	case Number:
		return v.num, true
	case Bool:
		return strconv.FormatBool(v.b), true
	}
	return "", false
}
