package bus

import (
	"math"
	"sort"
)

// Hash is the generic key/value record carried in message headers, bodies and
// device configurations.
//
// Values that travelled over the broker come back with the broker codec's
// types: integers as int64 or uint64 and nested records as
// map[string]interface{}. Use the typed accessors rather than plain type
// assertions so that in-process and remote values are handled alike.
type Hash map[string]any

// Has reports whether key is present.
func (h Hash) Has(key string) bool {
	_, ok := h[key]
	return ok
}

// String returns the value at key if it is a string.
func (h Hash) String(key string) (string, bool) {
	s, ok := h[key].(string)
	return s, ok
}

// Uint64 returns the value at key converted to uint64.
func (h Hash) Uint64(key string) (uint64, bool) {
	return ToUint64(h[key])
}

// Int returns the value at key converted to int.
func (h Hash) Int(key string) (int, bool) {
	return ToInt(h[key])
}

// Sub returns the nested record at key.
func (h Hash) Sub(key string) (Hash, bool) {
	return AsHash(h[key])
}

// Strings returns the value at key as a string slice.
func (h Hash) Strings(key string) ([]string, bool) {
	return ToStrings(h[key])
}

// Keys returns the keys in sorted order.
func (h Hash) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of h. Nested records are copied too; other values are
// shared.
func (h Hash) Clone() Hash {
	if h == nil {
		return Hash{}
	}
	out := make(Hash, len(h))
	for k, v := range h {
		if sub, ok := AsHash(v); ok {
			out[k] = sub.Clone()
			continue
		}
		out[k] = v
	}
	return out
}

// Merge copies all entries of other into h, overwriting existing keys.
func (h Hash) Merge(other Hash) {
	for k, v := range other {
		h[k] = v
	}
}

// AsHash converts v to a Hash if it is one, or a plain string-keyed map.
func AsHash(v any) (Hash, bool) {
	switch m := v.(type) {
	case Hash:
		return m, true
	case map[string]any:
		return Hash(m), true
	default:
		return nil, false
	}
}

// ToUint64 converts any integer (or integral float) value to uint64.
// Negative numbers are rejected.
func ToUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int32:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int16:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int8:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if n < 0 || n != math.Trunc(n) || n > math.MaxUint64 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// ToInt converts any integer value that fits into an int.
func ToInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int16:
		return int(n), true
	case int8:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	}
	u, ok := ToUint64(v)
	if !ok || u > math.MaxInt {
		return 0, false
	}
	return int(u), true
}

// ToStrings converts a []string or a []any holding only strings.
func ToStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	default:
		return nil, false
	}
}
