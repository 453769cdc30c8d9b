// Package billing turns meter consumption and a tariff into a cost.
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// CostPlaces is the number of fractional digits kept in a total
const CostPlaces = 2

// RatePlaces is the number of fractional digits kept in a tariff
const RatePlaces = 4

// ErrNegativeConsumption is returned when the later reading is below the earlier one
var ErrNegativeConsumption = errors.New("reading_to value must be greater than or equal to reading_from value")

// ErrInvalidRate is returned for tariffs that are not positive
var ErrInvalidRate = errors.New("tariff per unit must be positive")

// Consumption returns the units used between two readings
func Consumption(from, to int64) (decimal.Decimal, error) {
	if to < from {
		return decimal.Zero, fmt.Errorf("%w: %d < %d", ErrNegativeConsumption, to, from)
	}
	return decimal.NewFromInt(to - from), nil
}

// Cost multiplies consumed units by the rate and rounds half-to-even to cents
func Cost(consumed, rate decimal.Decimal) decimal.Decimal {
	return consumed.Mul(rate).RoundBank(CostPlaces)
}

// ParseRate parses a tariff price, rounding it to four places
func ParseRate(s string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid tariff per unit %q: %w", s, err)
	}
	rate = rate.RoundBank(RatePlaces)
	if !rate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	return rate, nil
}

// Bill is the computed part of a bill
type Bill struct {
	Consumed decimal.Decimal
	Rate     decimal.Decimal
	Total    decimal.Decimal
}

// Compute derives consumption and cost between two reading values
func Compute(from, to int64, rate decimal.Decimal) (Bill, error) {
	consumed, err := Consumption(from, to)
	if err != nil {
		return Bill{}, err
	}
	return Bill{
		Consumed: consumed,
		Rate:     rate,
		Total:    Cost(consumed, rate),
	}, nil
}
