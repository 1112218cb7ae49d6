package market

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotPositive = errors.New("must be a positive number")
	ErrNotNumeric  = errors.New("must be a number")
)

// ValidationError is a client-side rejection raised before any request is
// sent.
type ValidationError struct {
	Field string
	Value string
	Err   error
}

func (e *ValidationError) Error() string {
	return e.Field + " " + e.Err.Error() + " (got " + quoteValue(e.Value) + ")"
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ParsePositive parses raw as a decimal and rejects anything that is not
// strictly greater than zero.
func ParsePositive(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Value: raw, Err: ErrNotNumeric}
	}
	if err := RequirePositive(field, value); err != nil {
		return decimal.Zero, err
	}
	return value, nil
}

func RequirePositive(field string, value decimal.Decimal) error {
	if !value.IsPositive() {
		return &ValidationError{Field: field, Value: value.String(), Err: ErrNotPositive}
	}
	return nil
}

func quoteValue(v string) string {
	if v == "" {
		return `""`
	}
	return v
}
