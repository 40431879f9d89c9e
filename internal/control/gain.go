package control

// gainTable lists the receiver gains (tenths of a dB) the tuner accepts,
// in ascending order.
var gainTable = [...]int{
	0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254,
	280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496,
}

// Gains returns a copy of the supported gain table.
func Gains() []int {
	out := make([]int, len(gainTable))
	copy(out, gainTable[:])
	return out
}

// NearestGain maps an arbitrary gain request onto the closest supported
// value. Ties resolve to the lower table entry.
func NearestGain(requested int) int {
	best := gainTable[0]
	bestDist := absInt(best - requested)
	for _, g := range gainTable[1:] {
		if d := absInt(g - requested); d < bestDist {
			best, bestDist = g, d
		}
	}
	return best
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
