// Package partition models the partition of a file table: the ordered
// column/value spec that names a partition directory, the files written into
// it, and the time a partition represents.
package partition

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultPartitionName is the directory value used for empty partition values.
const DefaultPartitionName = "__DEFAULT_PARTITION__"

// Spec is an ordered mapping of partition column names to values, e.g.
// d=2020-05-03/e=7. A Spec is immutable once created.
type Spec struct {
	keys   []string
	values []string
}

func NewSpec(keys, values []string) (Spec, error) {
	if len(keys) != len(values) {
		return Spec{}, fmt.Errorf("partition spec has %d keys but %d values", len(keys), len(values))
	}
	for i, k := range keys {
		if k == "" {
			return Spec{}, fmt.Errorf("partition spec key %d is empty", i)
		}
		if slices.Contains(keys[:i], k) {
			return Spec{}, fmt.Errorf("partition spec has duplicate key %q", k)
		}
	}
	return Spec{keys: slices.Clone(keys), values: slices.Clone(values)}, nil
}

// MustSpec builds a Spec from alternating key and value arguments.
func MustSpec(kvs ...string) Spec {
	if len(kvs)%2 != 0 {
		panic("MustSpec requires key/value pairs")
	}
	keys := make([]string, 0, len(kvs)/2)
	values := make([]string, 0, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		keys = append(keys, kvs[i])
		values = append(values, kvs[i+1])
	}
	spec, err := NewSpec(keys, values)
	if err != nil {
		panic(err)
	}
	return spec
}

func (s Spec) Len() int {
	return len(s.keys)
}

func (s Spec) Keys() []string {
	return slices.Clone(s.keys)
}

func (s Spec) Values() []string {
	return slices.Clone(s.values)
}

func (s Spec) Get(key string) (string, bool) {
	i := slices.Index(s.keys, key)
	if i < 0 {
		return "", false
	}
	return s.values[i], true
}

// Equal reports whether both specs have the same pairs in the same order.
func (s Spec) Equal(other Spec) bool {
	return slices.Equal(s.keys, other.keys) && slices.Equal(s.values, other.values)
}

// Path returns the escaped directory path of the partition relative to the
// table root. The unpartitioned spec has an empty path.
func (s Spec) Path() string {
	var b strings.Builder
	for i, k := range s.keys {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(escapePathName(k))
		b.WriteByte('=')
		if s.values[i] == "" {
			b.WriteString(DefaultPartitionName)
		} else {
			b.WriteString(escapePathName(s.values[i]))
		}
	}
	return b.String()
}

func (s Spec) String() string {
	pairs := make([]string, len(s.keys))
	for i, k := range s.keys {
		pairs[i] = k + "=" + s.values[i]
	}
	return "{" + strings.Join(pairs, ", ") + "}"
}

// ParsePath reads a partition spec from a relative directory path. Segments
// that are not key=value pairs are ignored so a file path can be passed as is.
func ParsePath(p string) (Spec, error) {
	var keys, values []string
	for _, segment := range strings.Split(p, "/") {
		k, v, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		value := ""
		if v != DefaultPartitionName {
			value = unescapePathName(v)
		}
		keys = append(keys, unescapePathName(k))
		values = append(values, value)
	}
	spec, err := NewSpec(keys, values)
	if err != nil {
		return Spec{}, fmt.Errorf("parse partition path %q: %w", p, err)
	}
	return spec, nil
}

func needsEscape(c byte) bool {
	if c < 0x20 || c == 0x7f {
		return true
	}
	switch c {
	case '"', '#', '%', '\'', '*', '/', ':', '=', '?', '\\', '{', '[', ']', '^':
		return true
	}
	return false
}

func escapePathName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if needsEscape(c) {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapePathName(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' || i+2 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		hi, okHi := unhex(s[i+1])
		lo, okLo := unhex(s[i+2])
		if !okHi || !okLo {
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
