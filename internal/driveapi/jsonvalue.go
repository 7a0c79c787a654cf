package driveapi

import (
	"encoding/json"
	"strconv"
)

// Value is a dynamically-typed JSON value for the one place typed structs
// don't fit: error bodies whose shape varies across endpoints (Drive encodes
// error.code as a number on most endpoints but as a string inside resumable
// upload responses). Lookups on an absent path return a non-nil empty Value,
// so chains never nil-panic.
type Value struct {
	data    interface{}
	present bool
}

var absentValue = &Value{}

// ParseValue decodes data into a Value. An empty body decodes to an absent
// Value rather than an error, since several Drive endpoints legitimately
// return no body at all.
func ParseValue(data []byte) (*Value, error) {
	if len(data) == 0 {
		return absentValue, nil
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &Value{data: v, present: true}, nil
}

// Exists reports whether the value is actually present in the document.
func (v *Value) Exists() bool { return v.present }

// Lookup walks nested object keys, returning an absent Value as soon as a
// key is missing or an intermediate value isn't an object.
func (v *Value) Lookup(keys ...string) *Value {
	cur := v
	for _, key := range keys {
		if !cur.present {
			return absentValue
		}
		obj, ok := cur.data.(map[string]interface{})
		if !ok {
			return absentValue
		}
		next, ok := obj[key]
		if !ok {
			return absentValue
		}
		cur = &Value{data: next, present: true}
	}
	return cur
}

// Index returns the i'th element of an array value, or an absent Value.
func (v *Value) Index(i int) *Value {
	if !v.present {
		return absentValue
	}
	arr, ok := v.data.([]interface{})
	if !ok || i < 0 || i >= len(arr) {
		return absentValue
	}
	return &Value{data: arr[i], present: true}
}

// Len returns an array value's length, or 0 for anything else.
func (v *Value) Len() int {
	arr, ok := v.data.([]interface{})
	if !ok {
		return 0
	}
	return len(arr)
}

// String returns the value as a string and whether it was one.
func (v *Value) String() (string, bool) {
	s, ok := v.data.(string)
	return s, ok && v.present
}

// Number returns the value as a float64 and whether it was a JSON number.
func (v *Value) Number() (float64, bool) {
	f, ok := v.data.(float64)
	return f, ok && v.present
}

// Text renders the value as a string regardless of its JSON type: strings
// pass through, numbers format without a trailing ".0" for integral values,
// and anything else (absent, object, array, bool, null) renders empty. This
// is what error-code comparison wants, since Drive's code field is sometimes
// a number and sometimes a string.
func (v *Value) Text() string {
	if !v.present {
		return ""
	}
	switch d := v.data.(type) {
	case string:
		return d
	case float64:
		return strconv.FormatFloat(d, 'f', -1, 64)
	default:
		return ""
	}
}
