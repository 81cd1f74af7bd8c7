package device

import (
	"unsafe"
)

// AlignUp rounds n up to the next multiple of align. align must be a power
// of two.
func AlignUp(n, align int64) int64 {
	return (n + align - 1) &^ (align - 1)
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

// Float32s reinterprets a device view as float32 elements.
// len(b) must be a multiple of 4; trailing bytes are ignored.
func Float32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Uint32s reinterprets a device view as uint32 elements.
func Uint32s(b []byte) []uint32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), len(b)/4)
}
