// Package querykey implements the canonical serialization used as the
// query cache's lookup identity.
//
// A Key is an ordered sequence of JSON-serializable atoms. Two keys are
// equal when their canonical encodings are byte-identical: object
// properties are sorted by name, arrays keep their given order, and
// numbers are normalized to a single representation regardless of the
// Go numeric type used to build the key. This fixes the instability
// that plain `encoding/json` has under map key reordering, which the
// source this cache was ported from relied on incidentally.
package querykey

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// unitSep separates encoded atoms so that a prefix made of whole atoms
// is always a genuine byte-prefix of a longer key's encoding, never a
// partial match inside one atom's own encoding.
const unitSep = byte(0x1f)

// Key is an ordered sequence of JSON-serializable atoms: strings,
// numbers, booleans, nil, and nested maps/slices of the same.
type Key []any

// Encode returns the canonical byte encoding of k. The result is
// deterministic for semantically equal keys and is safe to use as a
// map or radix-tree key.
func Encode(k Key) []byte {
	buf := make([]byte, 0, 64)
	for _, atom := range k {
		buf = appendCanonical(buf, atom)
		buf = append(buf, unitSep)
	}
	return buf
}

// String returns the canonical string encoding of k, mainly useful for
// logging and test assertions.
func String(k Key) string {
	return string(Encode(k))
}

// Equal reports whether two keys have the same canonical encoding.
func Equal(a, b Key) bool {
	return string(Encode(a)) == string(Encode(b))
}

// HasPrefix reports whether full is prefix-matched by prefix: len(full)
// >= len(prefix) and every atom of prefix equals, under canonical
// encoding, the atom at the same position in full.
func HasPrefix(full, prefix Key) bool {
	fe, pe := Encode(full), Encode(prefix)
	if len(pe) > len(fe) {
		return false
	}
	for i := range pe {
		if fe[i] != pe[i] {
			return false
		}
	}
	return true
}

func appendCanonical(buf []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...)
	case bool:
		if t {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case string:
		b, _ := json.Marshal(t)
		return append(buf, b...)
	case []any:
		buf = append(buf, '[')
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, e)
		}
		return append(buf, ']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, t[k])
		}
		return append(buf, '}')
	default:
		return append(buf, canonicalNumber(t)...)
	}
}

// canonicalNumber normalizes any Go numeric type to the same
// representation a JSON-number atom would have, so a Key built from
// int(1) and one built from float64(1) serialize identically.
func canonicalNumber(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int64:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case int32:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	case uint64:
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	default:
		// Unsupported atom type: fall back to fmt so the cache still has
		// a deterministic (if unreadable) identity instead of panicking
		// on an unanticipated caller type.
		return fmt.Sprintf("%v", n)
	}
}
