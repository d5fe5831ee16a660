package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Amounts are int64 minor units with two decimal places.
const scale = 2

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
	ErrOutOfRange      = errors.New("amount out of range")
)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

func ParseMinor(input string) (int64, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	sign := int64(1)
	switch trimmed[0] {
	case '-':
		sign = -1
		trimmed = trimmed[1:]
	case '+':
		trimmed = trimmed[1:]
	}
	parts := strings.SplitN(trimmed, ".", 2)
	wholePart := parts[0]
	if wholePart == "" {
		wholePart = "0"
	}
	if !isDigits(wholePart) {
		return 0, ErrInvalidAmount
	}
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > 2 {
		return 0, ErrTooManyDecimals
	}
	if fracPart != "" && !isDigits(fracPart) {
		return 0, ErrInvalidAmount
	}
	whole, err := strconv.ParseInt(wholePart, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, ErrOutOfRange
		}
		return 0, ErrInvalidAmount
	}
	frac := int64(0)
	if len(fracPart) == 1 {
		frac = int64(fracPart[0]-'0') * 10
	} else if len(fracPart) == 2 {
		value, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, ErrInvalidAmount
		}
		frac = value
	}
	if whole > (math.MaxInt64-frac)/100 {
		return 0, ErrOutOfRange
	}
	minor := whole*100 + frac
	return sign * minor, nil
}

func FormatMinor(value int64) string {
	negative := value < 0
	if negative {
		value = -value
	}
	whole := value / 100
	frac := value % 100
	formatted := fmt.Sprintf("%d.%02d", whole, frac)
	if negative {
		return "-" + formatted
	}
	return formatted
}

// ToDecimal converts minor units to a decimal with two places.
func ToDecimal(minor int64) decimal.Decimal {
	return decimal.New(minor, -scale)
}

// FromDecimal converts a decimal to minor units, rejecting values with more
// than two significant decimal places.
func FromDecimal(value decimal.Decimal) (int64, error) {
	shifted := value.Shift(scale)
	if !shifted.IsInteger() {
		return 0, ErrTooManyDecimals
	}
	if shifted.GreaterThan(maxMinor) || shifted.LessThan(minMinor) {
		return 0, ErrOutOfRange
	}
	return shifted.IntPart(), nil
}

// FromDecimalRounded converts a decimal to minor units using banker's rounding.
// Used for advisory figures such as equity and margin reported by the trading platform.
// Values beyond the int64 range saturate.
func FromDecimalRounded(value decimal.Decimal) int64 {
	shifted := value.Shift(scale).RoundBank(0)
	switch {
	case shifted.GreaterThan(maxMinor):
		return math.MaxInt64
	case shifted.LessThan(minMinor):
		return math.MinInt64
	}
	return shifted.IntPart()
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
