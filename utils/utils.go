package utils

import (
	"math"
	"unsafe"
)

///////////////////////////////////////////////////////////////////////////////
// Conversion Utilities — Zero-Alloc Casts
///////////////////////////////////////////////////////////////////////////////

// B2s converts a []byte to a string **without** allocation.
// ⚠️ Caller must ensure the input slice remains valid and unchanged.
//
//go:nosplit
//go:inline
func B2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// CString trims b at its first NUL byte, the way fixed-width header names
// are stored on disk.
//
//go:nosplit
//go:inline
func CString(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

///////////////////////////////////////////////////////////////////////////////
// Fast Loaders — Little-Endian Words
///////////////////////////////////////////////////////////////////////////////

// LoadLE32 performs a manual little-endian 32-bit read.
//
//go:nosplit
//go:inline
func LoadLE32(b []byte) uint32 {
	_ = b[3] // bounds check hint
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// LoadLE64 performs a manual little-endian 64-bit read.
//
//go:nosplit
//go:inline
func LoadLE64(b []byte) uint64 {
	_ = b[7] // bounds check hint
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// LoadLEF64 reinterprets a little-endian 64-bit word as an IEEE double.
//
//go:nosplit
//go:inline
func LoadLEF64(b []byte) float64 {
	return math.Float64frombits(LoadLE64(b))
}

// StoreLE32 is the inverse of LoadLE32.
//
//go:nosplit
//go:inline
func StoreLE32(b []byte, v uint32) {
	_ = b[3]
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// StoreLE64 is the inverse of LoadLE64.
//
//go:nosplit
//go:inline
func StoreLE64(b []byte, v uint64) {
	_ = b[7]
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

///////////////////////////////////////////////////////////////////////////////
// Integer Formatting — Cold Path Helpers
///////////////////////////////////////////////////////////////////////////////

// Utoa formats v in base 10 without fmt.
func Utoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Itoa formats a signed integer in base 10 without fmt.
func Itoa(v int64) string {
	if v < 0 {
		return "-" + Utoa(uint64(-v))
	}
	return Utoa(uint64(v))
}

///////////////////////////////////////////////////////////////////////////////
// Power-of-Two Helpers
///////////////////////////////////////////////////////////////////////////////

// IsPow2 reports whether v is a non-zero power of two.
//
//go:nosplit
//go:inline
func IsPow2(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
