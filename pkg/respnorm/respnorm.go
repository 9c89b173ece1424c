// Package respnorm provides the tagged-union value type used for survey
// answers and the canonical normalization rules applied before comparing
// two responses for equality.
package respnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind enumerates the dynamic shapes an answer value may take.
type Kind int

const (
	KindNull Kind = iota
	KindStr
	KindNum
	KindBool
	KindList
	KindMap
)

// Value is an immutable tagged union over the JSON value space.
// The zero Value is Null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Str returns a string value.
func Str(s string) Value { return Value{kind: KindStr, str: s} }

// Num returns a numeric value.
func Num(f float64) Value { return Value{kind: KindNum, num: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List returns a list value.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Map returns a map value.
func Map(m map[string]Value) Value { return Value{kind: KindMap, obj: m} }

// Kind reports the shape of v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// StrVal returns the string payload (empty unless Kind is KindStr).
func (v Value) StrVal() string { return v.str }

// NumVal returns the numeric payload.
func (v Value) NumVal() float64 { return v.num }

// BoolVal returns the boolean payload.
func (v Value) BoolVal() bool { return v.b }

// ListVal returns the list payload.
func (v Value) ListVal() []Value { return v.list }

// MapVal returns the map payload.
func (v Value) MapVal() map[string]Value { return v.obj }

// IsEmpty reports whether v carries no usable answer: null, empty or
// whitespace-only string, or empty list.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindStr:
		return strings.TrimSpace(v.str) == ""
	case KindList:
		return len(v.list) == 0
	default:
		return false
	}
}

// FromAny converts a decoded JSON value (string, float64, bool, nil,
// []any, map[string]any, json.Number) into a Value.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case string:
		return Str(t)
	case bool:
		return Bool(t)
	case float64:
		return Num(t)
	case int:
		return Num(float64(t))
	case int64:
		return Num(float64(t))
	case json.Number:
		f, _ := t.Float64()
		return Num(f)
	case []any:
		vs := make([]Value, 0, len(t))
		for _, e := range t {
			vs = append(vs, FromAny(e))
		}
		return List(vs...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Map(m)
	default:
		// Unknown shapes degrade to their fmt representation.
		return Str(fmt.Sprintf("%v", t))
	}
}

// ToAny converts v back to the plain JSON value space.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindStr:
		return v.str
	case KindNum:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, 0, len(v.list))
		for _, e := range v.list {
			out = append(out, e.ToAny())
		}
		return out
	case KindMap:
		out := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			out[k] = e
		}
		m := make(map[string]any, len(out))
		for k, e := range out {
			m[k] = e.ToAny()
		}
		return m
	}
	return nil
}

// MarshalJSON encodes v as the plain JSON value it wraps.
func (v Value) MarshalJSON() ([]byte, error) { return json.Marshal(v.ToAny()) }

// UnmarshalJSON decodes any JSON value into v.
func (v *Value) UnmarshalJSON(data []byte) error {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return err
	}
	*v = FromAny(x)
	return nil
}

// Normalize applies the canonical comparison form: strings are trimmed and
// lowercased, list elements are normalized then sorted by their canonical
// encoding, map values are normalized recursively. Numbers and booleans pass
// through unchanged.
func (v Value) Normalize() Value {
	switch v.kind {
	case KindStr:
		return Str(strings.ToLower(strings.TrimSpace(v.str)))
	case KindList:
		out := make([]Value, 0, len(v.list))
		for _, e := range v.list {
			out = append(out, e.Normalize())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Canonical() < out[j].Canonical() })
		return List(out...)
	case KindMap:
		out := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Normalize()
		}
		return Map(out)
	default:
		return v
	}
}

// Canonical renders v as a deterministic string: map keys sorted, numbers in
// shortest form. Two values are equal iff their canonical forms are equal.
func (v Value) Canonical() string {
	var b strings.Builder
	v.writeCanonical(&b)
	return b.String()
}

func (v Value) writeCanonical(b *strings.Builder) {
	switch v.kind {
	case KindNull:
		b.WriteString("null")
	case KindStr:
		b.WriteString(strconv.Quote(v.str))
	case KindNum:
		b.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
	case KindBool:
		b.WriteString(strconv.FormatBool(v.b))
	case KindList:
		b.WriteByte('[')
		for i, e := range v.list {
			if i > 0 {
				b.WriteByte(',')
			}
			e.writeCanonical(b)
		}
		b.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			v.obj[k].writeCanonical(b)
		}
		b.WriteByte('}')
	}
}

// Equal compares two values after normalization.
func Equal(a, b Value) bool { return a.Normalize().Canonical() == b.Normalize().Canonical() }

// Triple is the unit of response-content comparison.
type Triple struct {
	QuestionID   string `json:"questionId"`
	QuestionType string `json:"questionType"`
	Value        Value  `json:"value"`
}

// NormalizeTriples returns the canonical comparison form of a response:
// each value normalized and the triples sorted by question id, then type.
func NormalizeTriples(ts []Triple) []Triple {
	out := make([]Triple, 0, len(ts))
	for _, t := range ts {
		out = append(out, Triple{QuestionID: t.QuestionID, QuestionType: t.QuestionType, Value: t.Value.Normalize()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuestionID != out[j].QuestionID {
			return out[i].QuestionID < out[j].QuestionID
		}
		return out[i].QuestionType < out[j].QuestionType
	})
	return out
}

// Digest returns a hex SHA-256 over the canonical encoding of the normalized
// triples. Equal digests mean byte-equal normalized responses.
func Digest(ts []Triple) string {
	norm := NormalizeTriples(ts)
	var b strings.Builder
	for _, t := range norm {
		b.WriteString(strconv.Quote(t.QuestionID))
		b.WriteByte('|')
		b.WriteString(strconv.Quote(t.QuestionType))
		b.WriteByte('|')
		t.Value.writeCanonical(&b)
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
