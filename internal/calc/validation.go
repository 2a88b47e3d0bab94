package calc

import (
	"fmt"
	"math/big"
)

// maxAmount bounds accepted amounts to 10^38 base units, far above any
// plausible supply, to keep intermediate products well inside what a
// downstream indexer can store.
var maxAmount = new(big.Int).Exp(big.NewInt(10), big.NewInt(38), nil)

// ValidatePositive checks that an amount parameter is present and strictly
// positive.
func ValidatePositive(amount *big.Int, operation string) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid %s amount: must be positive", operation)
	}
	if amount.Cmp(maxAmount) > 0 {
		return fmt.Errorf("invalid %s amount: too large", operation)
	}
	return nil
}

// ValidateWindow checks that an emission window is well formed.
func ValidateWindow(start, end uint64) error {
	if end <= start {
		return fmt.Errorf("invalid emission window: end %d not after start %d", end, start)
	}
	return nil
}

// ValidateBps checks a basis-points parameter.
func ValidateBps(bps uint32, name string) error {
	if bps > 10000 {
		return fmt.Errorf("invalid %s: %d exceeds 10000 bps", name, bps)
	}
	return nil
}
