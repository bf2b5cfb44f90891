package channel

import "math"

// ID is a channel identifier: signed 32-bit, always in [1, math.MaxInt32),
// 0 is never assigned. math.MaxInt32 itself is skipped by the wrap rule
// below rather than ever being handed out.
type ID int32

// Invalid is the zero ID; no live channel ever has this value.
const Invalid ID = 0

// next advances last toward the next candidate id, applying the wrap
// rule: if the increment lands exactly on math.MaxInt32, skip to 1.
func next(last ID) ID {
	last++
	if last == math.MaxInt32 {
		return 1
	}
	return last
}
