// Package sizing provides overflow-checked size arithmetic for archive offsets.
package sizing

import "math"

// ToUint32 converts a non-negative int64 to uint32, returning overflowErr if
// it is negative or does not fit.
func ToUint32(size int64, overflowErr error) (uint32, error) {
	if size < 0 || size > math.MaxUint32 {
		return 0, overflowErr
	}
	return uint32(size), nil
}

// ToInt converts a uint64 to int, returning overflowErr if it does not fit
// the platform's int.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil //nolint:gosec // checked above
}

// FitsUint32 reports whether v can be stored in a 32-bit field.
func FitsUint32(v uint64) bool {
	return v <= math.MaxUint32
}
