// Package hash implements the dispatcher's stable hashing scheme (C1): a set
// of adapters that feed a cryptographic hasher in canonical order so that
// structurally equal inputs (URLs, platforms, variants, virtual packages,
// arbitrary JSON) always produce the same digest, and differing inputs
// practically never collide.
//
// Every Write* method first writes a short field discriminant so that, e.g.,
// hashing an absent optional field in position A never collides with an
// absent field in position B. Maps and sets are hashed by sorting their
// keys/elements first; floats normalize -0.0 to +0.0 before their bits are
// hashed.
package hash

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"hash"
	"math"
	"sort"

	"pixi.build/dispatcher/go/variant"
)

// Builder accumulates a canonical byte stream into a sha256 hasher. The
// zero value is not usable; use New.
type Builder struct {
	h hash.Hash
}

// New returns a fresh Builder.
func New() *Builder {
	return &Builder{h: sha256.New()}
}

func (b *Builder) discriminant(tag string) {
	_, _ = b.h.Write([]byte{0})
	_, _ = b.h.Write([]byte(tag))
	_, _ = b.h.Write([]byte{0})
}

// WriteString hashes a discriminant-tagged string field.
func (b *Builder) WriteString(tag, s string) *Builder {
	b.discriminant(tag)
	_, _ = b.h.Write([]byte(s))
	return b
}

// WriteOptString hashes an optional string field; present and absent never
// collide because the discriminant differs between the two branches.
func (b *Builder) WriteOptString(tag string, s *string) *Builder {
	if s == nil {
		b.discriminant(tag + ":none")
		return b
	}
	b.discriminant(tag + ":some")
	_, _ = b.h.Write([]byte(*s))
	return b
}

// WriteInt hashes a discriminant-tagged integer field.
func (b *Builder) WriteInt(tag string, i int64) *Builder {
	b.discriminant(tag)
	buf := make([]byte, 8)
	for j := 0; j < 8; j++ {
		buf[j] = byte(i >> (8 * j))
	}
	_, _ = b.h.Write(buf)
	return b
}

// WriteBool hashes a discriminant-tagged bool field.
func (b *Builder) WriteBool(tag string, v bool) *Builder {
	b.discriminant(tag)
	if v {
		_, _ = b.h.Write([]byte{1})
	} else {
		_, _ = b.h.Write([]byte{0})
	}
	return b
}

// WriteFloat hashes a discriminant-tagged float field, normalizing -0.0 to
// +0.0 so the two compare equal under hashing the way they do under ==.
func (b *Builder) WriteFloat(tag string, f float64) *Builder {
	if f == 0 {
		f = 0
	}
	b.discriminant(tag)
	bits := math.Float64bits(f)
	buf := make([]byte, 8)
	for j := 0; j < 8; j++ {
		buf[j] = byte(bits >> (8 * j))
	}
	_, _ = b.h.Write(buf)
	return b
}

// WriteStringSlice hashes a tagged, order-sensitive list of strings (used
// for things like declared dependency lists where order is itself
// meaningful input).
func (b *Builder) WriteStringSlice(tag string, items []string) *Builder {
	b.discriminant(tag)
	b.WriteInt(tag+":len", int64(len(items)))
	for i, item := range items {
		b.WriteString(tag, item)
		_ = i
	}
	return b
}

// WriteStringSet hashes a tagged set of strings by sorting before hashing,
// so construction order never affects the digest.
func (b *Builder) WriteStringSet(tag string, items []string) *Builder {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	b.discriminant(tag + ":set")
	b.WriteInt(tag+":set:len", int64(len(sorted)))
	for _, item := range sorted {
		b.WriteString(tag, item)
	}
	return b
}

// WriteVariant hashes a variant.Variant by sorted key order.
func (b *Builder) WriteVariant(tag string, v variant.Variant) *Builder {
	keys := v.Keys()
	b.discriminant(tag + ":variant")
	b.WriteInt(tag+":variant:len", int64(len(keys)))
	for _, k := range keys {
		b.WriteString(tag+":key", k)
		b.WriteString(tag+":val", v[k].String())
	}
	return b
}

// WriteJSON hashes an arbitrary JSON-marshalable value after canonicalizing
// it (recursively sorting object keys), so two values that marshal to
// differently-ordered-but-equivalent JSON hash identically.
func (b *Builder) WriteJSON(tag string, v interface{}) *Builder {
	raw, err := json.Marshal(v)
	if err != nil {
		// Structurally impossible for the dispatcher's own types; treat as
		// a hash input anyway so the error doesn't vanish silently.
		b.WriteString(tag+":json:error", err.Error())
		return b
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		b.WriteString(tag+":json:error", err.Error())
		return b
	}
	canon, err := json.Marshal(canonicalize(generic))
	if err != nil {
		b.WriteString(tag+":json:error", err.Error())
		return b
	}
	b.discriminant(tag + ":json")
	_, _ = b.h.Write(canon)
	return b
}

// canonicalize recursively sorts map keys (via a sorted-key slice
// representation handled by encoding/json's natural map ordering, which
// already sorts string keys) and passes through other JSON value kinds.
// Go's encoding/json already emits object keys in sorted order for
// map[string]interface{}, so this mainly documents the invariant relied on;
// it additionally normalizes nested maps decoded as map[string]interface{}.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = canonicalize(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = canonicalize(inner)
		}
		return out
	default:
		return val
	}
}

// Digest finalizes the builder and returns the raw digest bytes. The
// Builder must not be reused afterward.
func (b *Builder) Digest() []byte {
	return b.h.Sum(nil)
}

// String finalizes the builder and returns its digest as base64-url-no-pad,
// safe to embed directly as a filesystem path component.
func (b *Builder) String() string {
	return base64.RawURLEncoding.EncodeToString(b.Digest())
}
