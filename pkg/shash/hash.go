package shash

// hashCode is the classical polynomial rolling hash h = h*31 + byte over the
// key bytes, accumulated in a wrapping int32 and folded to non-negative with
// an absolute value. Each byte is sign-extended as a signed char would be, so
// bytes >= 0x80 (every UTF-8 continuation byte) contribute negative terms.
// It must not change: bucket placement is part of the on-disk format, so two
// builds hashing differently would read each other's files incorrectly.
func hashCode(key []byte) uint64 {
	var h int32

	for _, b := range key {
		h = h*31 + int32(int8(b))
	}

	v := int64(h)
	if v < 0 {
		v = -v
	}

	return uint64(v)
}
