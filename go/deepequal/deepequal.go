// Package deepequal provides the DeepEqual comparison used by assertdeep.
package deepequal

import "reflect"

// DeepEqual reports whether a and b are structurally equal. It defers to
// reflect.DeepEqual, with one relaxation that matters for this domain: a nil
// map/slice and a non-nil empty map/slice of the same type compare equal,
// since cache round-trips through JSON routinely turn one into the other.
func DeepEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	va := reflect.ValueOf(a)
	vb := reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Slice:
		if va.Len() != vb.Len() {
			return false
		}
		if va.Len() == 0 {
			return true
		}
	}
	return false
}
