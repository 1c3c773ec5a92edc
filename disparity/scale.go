package disparity

// ScaleFactor returns the integer multiplier used by ScaleInteger.
func ScaleFactor(maxOffset int) int {
	if maxOffset < 1 {
		return 0
	}
	return 255 / maxOffset
}

// Scale maps a winning offset in [0, maxOffset) to its display value.
func Scale(offset, maxOffset int, mode ScaleMode) uint8 {
	if maxOffset < 1 || offset < 0 {
		return 0
	}
	switch mode {
	case ScaleReal:
		// floor(offset * 255.0 / maxOffset) in integer arithmetic.
		v := offset * 255 / maxOffset
		if v > 255 {
			v = 255
		}
		return uint8(v)
	default:
		v := offset * ScaleFactor(maxOffset)
		if v > 255 {
			v = 255
		}
		return uint8(v)
	}
}

// Levels returns the display value for every offset in [0, maxOffset).
func Levels(maxOffset int, mode ScaleMode) []uint8 {
	if maxOffset < 1 {
		return nil
	}
	levels := make([]uint8, maxOffset)
	for d := range levels {
		levels[d] = Scale(d, maxOffset, mode)
	}
	return levels
}

// OffsetOf inverts Scale: it returns the smallest offset whose display value
// is v, or -1 when no offset maps to v.
func OffsetOf(v uint8, maxOffset int, mode ScaleMode) int {
	for d := 0; d < maxOffset; d++ {
		if Scale(d, maxOffset, mode) == v {
			return d
		}
	}
	return -1
}
