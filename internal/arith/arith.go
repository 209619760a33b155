// Package arith holds the pointer and size arithmetic shared by the
// allocation hot paths. Everything here must stay trivially inlinable.
package arith

import "math/bits"

// PageSize is the only page size the tracking allocator supports.
const PageSize = 4096

// RoundUp rounds n up to the next multiple of align, which must be a
// power of two.
func RoundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown rounds n down to a multiple of align, which must be a power
// of two.
func AlignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// RoundUpPage rounds n up to a whole number of pages.
func RoundUpPage(n uintptr) uintptr {
	return RoundUp(n, PageSize)
}

// IsPowerOfTwo reports whether n is a nonzero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// Mul multiplies a and b and reports whether the product overflowed.
func Mul(a, b uintptr) (uintptr, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	return uintptr(lo), hi != 0
}
