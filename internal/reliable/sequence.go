package reliable

// MoreRecent reports whether sequence a was issued after b in a sequence space
// that wraps at max. Differences larger than half the space are treated as a
// wraparound.
func MoreRecent(a, b, max uint32) bool {
	half := max / 2
	return (a > b && a-b <= half) || (b > a && b-a > half)
}
