package assert

// NonNegative reports whether every amount is >= 0.
func NonNegative(amounts ...int64) bool {
	for _, a := range amounts {
		if a < 0 {
			return false
		}
	}

	return true
}

// Conserved reports whether the parts add up to total without overflowing.
func Conserved(total int64, parts ...int64) bool {
	var sum int64

	for _, p := range parts {
		if p < 0 {
			return false
		}

		next := sum + p
		if next < sum {
			return false
		}

		sum = next
	}

	return sum == total
}
