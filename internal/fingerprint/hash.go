package fingerprint

import "strconv"

// Sum32 computes a rolling digest of s over its UTF-8 bytes:
// hash = hash*31 + byte, in wrapping 32-bit arithmetic.
func Sum32(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h<<5 - h + uint32(s[i])
	}
	return h
}

// Hash renders the Sum32 digest of s the way every signature in the
// engine expects it: the 32-bit value is reinterpreted as signed, its
// absolute value is formatted as lowercase hex with no zero padding.
// The same input always yields the same string across runs and hosts.
func Hash(s string) string {
	v := int64(int32(Sum32(s)))
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 16)
}
