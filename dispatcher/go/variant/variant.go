// Package variant implements the build-time configuration selector map that
// feeds both the backend's conda/outputs request and every cache key that
// depends on variant configuration (§3, §4.1 of the dispatcher design).
//
// Adapted from the teacher's go/paramtools Params/ParamSet map types
// (sorted-key iteration, Add/Dup/Equal), generalized from string-only values
// to the tri-typed (string | int | bool) value a pixi variant actually
// carries.
package variant

import (
	"fmt"
	"sort"
)

// Kind discriminates the type of value stored for a variant key.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindBool
)

// Value is one of string, int64, or bool. Zero value is the empty string.
type Value struct {
	kind Kind
	str  string
	i    int64
	b    bool
}

func String(s string) Value { return Value{kind: KindString, str: s} }
func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Bool(b bool) Value     { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }

// Less defines the total order used to canonicalize values of the same kind
// before hashing: strings compare lexically, ints numerically, bools false
// before true. Values of different kinds are ordered by Kind, so a
// canonicalized slice of mixed-kind values is still deterministic.
func (v Value) Less(other Value) bool {
	if v.kind != other.kind {
		return v.kind < other.kind
	}
	switch v.kind {
	case KindString:
		return v.str < other.str
	case KindInt:
		return v.i < other.i
	case KindBool:
		return !v.b && other.b
	}
	return false
}

func (v Value) Equal(other Value) bool {
	return v.kind == other.kind && v.str == other.str && v.i == other.i && v.b == other.b
}

// String renders the value as the discriminant-prefixed string the hash
// package feeds to its hasher, e.g. "s:foo", "i:3", "b:true".
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return "s:" + v.str
	case KindInt:
		return fmt.Sprintf("i:%d", v.i)
	case KindBool:
		return fmt.Sprintf("b:%t", v.b)
	}
	return ""
}

// Variant is an unordered key->value map; Keys returns a canonical
// (sorted) key order so two equal Variants always hash identically
// regardless of construction order.
type Variant map[string]Value

// Dup returns a shallow copy (values are themselves immutable).
func (v Variant) Dup() Variant {
	out := make(Variant, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Equal reports whether v and other have the same keys mapped to equal
// values.
func (v Variant) Equal(other Variant) bool {
	if len(v) != len(other) {
		return false
	}
	for k, val := range v {
		ov, ok := other[k]
		if !ok || !val.Equal(ov) {
			return false
		}
	}
	return true
}

// Keys returns v's keys in sorted order.
func (v Variant) Keys() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Add inserts or overwrites key with val.
func (v Variant) Add(key string, val Value) {
	v[key] = val
}
