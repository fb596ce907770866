package cashu

import (
	"fmt"
	"slices"
)

// SplitAmount decomposes amount into denominations, largest first. For a
// power-of-two keyset the result is the binary decomposition of amount,
// so its length equals the number of set bits. Denominations need not be
// sorted. Zero, or an amount the denominations cannot express exactly,
// returns ErrInvalidAmount.
func SplitAmount(amount uint64, denominations []uint64) ([]uint64, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if len(denominations) == 0 {
		return nil, fmt.Errorf("%w: keyset has no denominations", ErrNoKeyset)
	}

	sorted := slices.Clone(denominations)
	slices.Sort(sorted)
	slices.Reverse(sorted)

	var parts []uint64
	remaining := amount
	for _, denomination := range sorted {
		if denomination == 0 {
			continue
		}
		for remaining >= denomination {
			parts = append(parts, denomination)
			remaining -= denomination
		}
	}
	if remaining != 0 {
		return nil, fmt.Errorf("%w: %d leaves %d unrepresentable", ErrInvalidAmount, amount, remaining)
	}
	return parts, nil
}
