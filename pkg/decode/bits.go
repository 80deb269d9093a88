package decode

// Bits extracts width bits from v starting at bit lo (bit 0 = least
// significant). Formats that pack several fields into one integer (cache
// addresses, flag words) decode them through this instead of ad hoc shifting.
func Bits(v uint64, lo, width uint) uint64 {
	if width == 0 || lo > 63 {
		return 0
	}
	if width > 64-lo {
		width = 64 - lo
	}
	mask := ^uint64(0)
	if width < 64 {
		mask = (uint64(1) << width) - 1
	}
	return (v >> lo) & mask
}

// Bit reports whether bit i of v is set.
func Bit(v uint64, i uint) bool {
	return i <= 63 && v&(uint64(1)<<i) != 0
}

// MaskToWidth reduces v to its low width bits. Delimited formats use it to
// clamp composite numeric fields that overflow their declared bit width.
func MaskToWidth(v uint64, width uint) uint64 {
	if width >= 64 {
		return v
	}
	return v & ((uint64(1) << width) - 1)
}
