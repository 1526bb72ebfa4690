// Package keys derives the 64-bit fingerprints that auth contexts are cached and shared by.
package keys

import (
	"maps"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hasher writes length-prefixed fields to an xxhash digest, so that where one field ends and the
// next begins is part of the sum.
type Hasher struct {
	digest *xxhash.Digest
}

func NewHasher() *Hasher {
	return &Hasher{digest: xxhash.New()}
}

// WriteFields writes each field prefixed with its length: ("ab", "c") and ("a", "bc") differ.
func (h *Hasher) WriteFields(fields ...string) {
	for _, f := range fields {
		// xxhash never fails to write
		_, _ = h.digest.WriteString(strconv.Itoa(len(f)))
		_, _ = h.digest.WriteString(":" + f)
	}
}

// WriteList writes how many values follow, then the values.
func (h *Hasher) WriteList(values ...string) {
	h.WriteFields(strconv.Itoa(len(values)))
	h.WriteFields(values...)
}

// WriteMap writes m in key order, each key followed by the list of its values in the order given.
func (h *Hasher) WriteMap(m map[string][]string) {
	h.WriteFields(strconv.Itoa(len(m)))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		h.WriteFields(k)
		h.WriteList(m[k]...)
	}
}

func (h *Hasher) Sum64() uint64 {
	return h.digest.Sum64()
}

// Fingerprint hashes fields into a single key.
func Fingerprint(fields ...string) uint64 {
	h := NewHasher()
	h.WriteFields(fields...)
	return h.Sum64()
}
