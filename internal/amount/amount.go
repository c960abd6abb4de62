// Package amount implements an exact monetary value counted in integer cents.
//
// Every operation that affects state works on the integer. The float64
// conversions (FromDisplayValue, DisplayValue) are lossy and exist for
// presentation only.
package amount

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	DefaultSymbol = "$"

	centsPerUnit  = 100
	fractionWidth = 2
)

// FormatError is returned when text can't be parsed as an amount
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid amount %q: %s", e.Input, e.Reason)
}

// ArgumentError is returned when an arithmetic operand is not acceptable
type ArgumentError struct {
	Op     string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("amount %s: %s", e.Op, e.Reason)
}

type Amount struct {
	cents int64
}

func FromCents(cents int64) Amount {
	return Amount{cents: cents}
}

// FromString parses decimal text like "10.5", "-3", ".25" or "1000.999".
// The fractional part is padded or truncated to exactly two digits.
func FromString(text string) (Amount, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return Amount{}, &FormatError{Input: text, Reason: "empty value"}
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return Amount{}, &FormatError{Input: text, Reason: "more than one decimal point"}
	}

	whole, frac := parts[0], ""
	if len(parts) == 2 {
		frac = parts[1]
	}

	if whole == "" && frac == "" {
		return Amount{}, &FormatError{Input: text, Reason: "no digits"}
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) {
		return Amount{}, &FormatError{Input: text, Reason: "integer part is not numeric"}
	}
	if !isDigits(frac) {
		return Amount{}, &FormatError{Input: text, Reason: "fractional part is not numeric"}
	}

	switch {
	case len(frac) < fractionWidth:
		frac += strings.Repeat("0", fractionWidth-len(frac))
	case len(frac) > fractionWidth:
		frac = frac[:fractionWidth]
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return Amount{}, &FormatError{Input: text, Reason: "integer part out of range"}
	}
	fracCents, _ := strconv.ParseInt(frac, 10, 64) // two validated digits

	if units > (math.MaxInt64-fracCents)/centsPerUnit {
		return Amount{}, &FormatError{Input: text, Reason: "value out of range"}
	}

	cents := units*centsPerUnit + fracCents
	if negative {
		cents = -cents
	}

	return Amount{cents: cents}, nil
}

// FromDisplayValue converts a float rounded to the nearest cent.
// Lossy: for presentation input only, never for stored or transmitted values.
func FromDisplayValue(value float64) Amount {
	cents := decimal.NewFromFloat(value).Mul(decimal.New(centsPerUnit, 0)).Round(0).IntPart()
	return Amount{cents: cents}
}

func (a Amount) Cents() int64 {
	return a.cents
}

// Add, Sub and Mul refuse results outside the int64 cent range instead of wrapping
func (a Amount) Add(b Amount) (Amount, error) {
	sum := a.cents + b.cents
	if (b.cents > 0 && sum < a.cents) || (b.cents < 0 && sum > a.cents) {
		return Amount{}, &ArgumentError{Op: "add", Reason: "result out of range"}
	}
	return Amount{cents: sum}, nil
}

func (a Amount) Sub(b Amount) (Amount, error) {
	diff := a.cents - b.cents
	if (b.cents > 0 && diff > a.cents) || (b.cents < 0 && diff < a.cents) {
		return Amount{}, &ArgumentError{Op: "subtract", Reason: "result out of range"}
	}
	return Amount{cents: diff}, nil
}

func (a Amount) Mul(factor int64) (Amount, error) {
	if a.cents == 0 || factor == 0 {
		return Amount{}, nil
	}

	product := a.cents * factor
	if product/factor != a.cents || (a.cents == -1 && factor == math.MinInt64) || (factor == -1 && a.cents == math.MinInt64) {
		return Amount{}, &ArgumentError{Op: "multiply", Reason: "result out of range"}
	}
	return Amount{cents: product}, nil
}

// Div divides by an integer and rounds half away from zero to a whole cent
func (a Amount) Div(divisor int64) (Amount, error) {
	if divisor == 0 {
		return Amount{}, &ArgumentError{Op: "divide", Reason: "division by zero"}
	}
	if divisor == -1 && a.cents == math.MinInt64 {
		return Amount{}, &ArgumentError{Op: "divide", Reason: "result out of range"}
	}

	q, r := a.cents/divisor, a.cents%divisor
	if r != 0 && abs(r) >= abs(divisor)-abs(r) {
		if (a.cents < 0) != (divisor < 0) {
			q--
		} else {
			q++
		}
	}

	return Amount{cents: q}, nil
}

// Cmp returns -1, 0 or +1
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.cents < b.cents:
		return -1
	case a.cents > b.cents:
		return 1
	default:
		return 0
	}
}

func (a Amount) Equal(b Amount) bool       { return a.cents == b.cents }
func (a Amount) LessThan(b Amount) bool    { return a.cents < b.cents }
func (a Amount) GreaterThan(b Amount) bool { return a.cents > b.cents }

func (a Amount) IsZero() bool     { return a.cents == 0 }
func (a Amount) IsPositive() bool { return a.cents > 0 }
func (a Amount) IsNegative() bool { return a.cents < 0 }

// DisplayValue is the lossy float form, for rendering only
func (a Amount) DisplayValue() float64 {
	f, _ := decimal.New(a.cents, -fractionWidth).Float64()
	return f
}

// DisplayString renders the amount with the default currency symbol, e.g. "$1,234.50"
func (a Amount) DisplayString() string {
	return a.Format(DefaultSymbol)
}

// Format renders with thousands separators and two decimals.
// The sign goes before the symbol: "-$5.00".
func (a Amount) Format(symbol string) string {
	negative := a.cents < 0
	u := uint64(a.cents)
	if negative {
		u = uint64(-(a.cents + 1)) + 1 // no overflow on MinInt64
	}

	digits := strconv.FormatUint(u/centsPerUnit, 10)

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	b.WriteString(symbol)
	for i := 0; i < len(digits); i++ {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteByte(digits[i])
	}
	fmt.Fprintf(&b, ".%02d", u%centsPerUnit)

	return b.String()
}

func (a Amount) String() string {
	return a.DisplayString()
}

// MarshalJSON stores the amount as a single integer count of cents
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.cents)
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var cents int64
	if err := json.Unmarshal(data, &cents); err != nil {
		return fmt.Errorf("amount must be an integer count of cents: %w", err)
	}
	a.cents = cents
	return nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
