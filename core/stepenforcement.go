package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const monetaryPrecision int32 = 2 // 2 decimal places for currency amounts (0.01 precision)

var (
	ErrInvalidAmount = errors.New("bid amount must be positive")
	ErrStepTooSmall  = errors.New("bid does not undercut the current offer by the minimal step")
)

func roundAmount(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).Round(monetaryPrecision)
}

// CompareAmounts compares two amounts at monetary precision and returns -1, 0
// or +1. Uses decimal arithmetic to avoid floating-point errors.
func CompareAmounts(a, b float64) int {
	return roundAmount(a).Cmp(roundAmount(b))
}

// AmountMeetsStep returns true if amount is at least step below current.
// A zero step only requires amount not to exceed current.
func AmountMeetsStep(amount, current, step float64) bool {
	limit := roundAmount(current).Sub(roundAmount(step))
	return roundAmount(amount).LessThanOrEqual(limit)
}

// ValidateImprovement checks a submitted amount against the bidder's current
// offer and the auction's minimal step.
func ValidateImprovement(amount, current, step float64) error {
	if !roundAmount(amount).IsPositive() {
		return fmt.Errorf("%w: %.2f", ErrInvalidAmount, amount)
	}
	if current <= 0 {
		return nil
	}
	if !AmountMeetsStep(amount, current, step) {
		return fmt.Errorf("%w: %.2f against %.2f with step %.2f", ErrStepTooSmall, amount, current, step)
	}
	return nil
}
