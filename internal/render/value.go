// Package render turns analysis output of unknown shape into a display tree
// and draws that tree as terminal text or HTML.
package render

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// Value is a decoded JSON value: nil, string, Number, bool, []Value or Object.
type Value any

// Number keeps a JSON number's literal text.
type Number string

func (n Number) MarshalJSON() ([]byte, error) { return []byte(n), nil }

// Member is one key of an Object.
type Member struct {
	Key   string
	Value Value
}

// Object is a JSON object with its keys in document order.
type Object []Member

// Get returns the value stored under key.
func (o Object) Get(key string) (Value, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

func (o Object) Keys() []string {
	keys := make([]string, len(o))
	for i, m := range o {
		keys[i] = m.Key
	}
	return keys
}

func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := marshal(m.Key)
		if err != nil {
			return nil, err
		}
		v, err := marshal(m.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Parse decodes a single JSON document. Empty input decodes to nil.
func Parse(data []byte) (Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := stdjson.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := parseValue(dec)
	if err != nil {
		return nil, fmt.Errorf("parse analysis value: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("parse analysis value: trailing data after value")
	}
	return v, nil
}

func parseValue(dec *stdjson.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case stdjson.Delim:
		switch t {
		case '{':
			obj := Object{}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T", kt)
				}
				v, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				obj = append(obj, Member{Key: key, Value: v})
			}
			_, err := dec.Token()
			return obj, err
		case '[':
			list := []Value{}
			for dec.More() {
				v, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			_, err := dec.Token()
			return list, err
		}
		return nil, fmt.Errorf("unexpected delimiter %q", t)
	case stdjson.Number:
		return Number(t), nil
	case string, bool, nil:
		return t, nil
	}
	return nil, fmt.Errorf("unexpected token %T", tok)
}

// Kind is the shape class of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindEmptyList
	KindScalarList
	KindObjectList
	KindMixedList
	KindObject
)

var kindNames = [...]string{"null", "scalar", "empty-list", "scalar-list", "object-list", "mixed-list", "object"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Classify reports the shape of v. Values that Parse never produces are
// classified as KindMixedList so they are dumped raw.
func Classify(v Value) Kind {
	switch t := v.(type) {
	case nil:
		return KindNull
	case string, Number, bool:
		return KindScalar
	case Object:
		return KindObject
	case []Value:
		if len(t) == 0 {
			return KindEmptyList
		}
		scalars := true
		for _, item := range t {
			if k := Classify(item); k != KindScalar && k != KindNull {
				scalars = false
				break
			}
		}
		if scalars {
			return KindScalarList
		}
		if _, ok := t[0].(Object); ok {
			return KindObjectList
		}
	}
	return KindMixedList
}
