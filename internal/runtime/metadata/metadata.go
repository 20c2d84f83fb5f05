package metadata

import (
	"slices"
	"strings"
)

// Metadata represents the string headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// GetIgnoringCase looks key up with an exact match first, then falls back to
// a case-insensitive scan. Ties between keys differing only in case resolve to
// the lexically smallest key.
func (m Metadata) GetIgnoringCase(key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	var (
		found   bool
		bestKey string
		value   string
	)
	for k, v := range m {
		if !strings.EqualFold(k, key) {
			continue
		}
		if !found || k < bestKey {
			found, bestKey, value = true, k, v
		}
	}
	return value, found
}

// Keys returns the metadata keys in sorted order.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Select returns a copy holding only the named keys that are present.
func (m Metadata) Select(keys ...string) Metadata {
	out := make(Metadata, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
