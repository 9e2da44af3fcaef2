// Package safe provides overflow-aware numeric conversions.
package safe

import (
	"math"
)

// Uint64ToInt64 converts an uint64 to int64, clamping to math.MaxInt64 on
// overflow. The boolean reports whether clamping occurred.
func Uint64ToInt64(val uint64) (int64, bool) {
	if val > math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(val), false
}

// DeltaInt64 returns after-before as a signed delta of two unsigned readings,
// clamping each operand instead of wrapping. Used for counter deltas such as
// RSS growth over a session window.
func DeltaInt64(after, before uint64) int64 {
	a, _ := Uint64ToInt64(after)
	b, _ := Uint64ToInt64(before)
	return a - b
}
