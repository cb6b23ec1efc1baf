// Package querykey implements the opaque, ordered-tuple key used to address
// queries and cache entries throughout the engine.
package querykey

import (
	"fmt"
	"strings"
)

// Key is an opaque ordered tuple with a stable string form. Two keys built
// from equal, equally-ordered parts compare equal; the engine compares and
// hashes keys by their string form only.
type Key struct {
	parts []any
	str   string
}

// New builds a Key from ordered parts, e.g. New("users", 42, "profile").
func New(parts ...any) Key {
	return Key{parts: append([]any(nil), parts...), str: encode(parts)}
}

// String returns the key's stable string form.
func (k Key) String() string {
	return k.str
}

// Parts returns the ordered parts the key was built from.
func (k Key) Parts() []any {
	return append([]any(nil), k.parts...)
}

// Equal reports whether two keys have the same string form.
func (k Key) Equal(other Key) bool {
	return k.str == other.str
}

// IsZero reports whether the key was never initialized via New.
func (k Key) IsZero() bool {
	return k.parts == nil && k.str == ""
}

func encode(parts []any) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0x1f) // unit separator: unlikely to collide with part content
		}
		fmt.Fprintf(&b, "%T:%v", p, p)
	}
	return b.String()
}

// TypedKey carries a phantom type T alongside the untyped Key so callers get
// compile-time hints about the value a query returns. Its string form is
// identical to the equivalent untyped Key: the engine only ever compares and
// hashes by string form, per spec.
type TypedKey[T any] struct {
	Key
}

// NewTyped builds a TypedKey[T] from ordered parts.
func NewTyped[T any](parts ...any) TypedKey[T] {
	return TypedKey[T]{Key: New(parts...)}
}

// Untyped discards the phantom type, returning the plain Key.
func (tk TypedKey[T]) Untyped() Key {
	return tk.Key
}
