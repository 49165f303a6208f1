package utils

import (
	"golang.org/x/exp/constraints"
)

const BitsPerByte = 8

// Returns the size in bits of n bytes
func Bits(bytes int) int {
	return bytes * BitsPerByte
}

// Returns an all ones bitmask of n bits of the given unsigned integer type
func AllOnes[T constraints.Unsigned](bits int) T {
	return (T(1) << bits) - T(1)
}

// Extracts a range of bits from a value, given the first bit and the width
// of the range
func ExtractBits[T constraints.Unsigned](value T, bit int, width int) T {
	return (value >> bit) & AllOnes[T](width)
}

// Sign-extends the low n bits of value to the full width of the type
func SignExtend[T constraints.Unsigned](value T, bits int) T {
	sign := T(1) << (bits - 1)
	return ((value & AllOnes[T](bits)) ^ sign) - sign
}
