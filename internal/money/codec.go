package money

import (
	"math/big"

	"github.com/shopspring/decimal"

	"quotedesk/internal/apperr"
)

// ToMinorUnits parses an exact decimal string and converts it to the
// currency's minor units, truncating toward zero. Truncation (never
// rounding up) is mandatory so a client can never be over-credited by
// a rounding step. Negative and non-numeric inputs are rejected.
//
// Minor amounts are *big.Int because the registry goes to scale 18,
// which overflows int64 for amounts above ~9.22 whole units.
func ToMinorUnits(amount string, currency string) (*big.Int, error) {
	scale, err := ScaleFor(currency)
	if err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "invalid amount %q", amount)
	}
	if d.IsNegative() {
		return nil, apperr.Newf(apperr.CodeInvalidAmount, "amount must not be negative: %s", amount)
	}

	// Shift is exact; BigInt drops the fractional part (round down).
	return d.Shift(scale).BigInt(), nil
}

// FromMinorUnits renders a minor-unit amount as a decimal string with
// exactly the currency's scale of fractional digits, zero padded. This
// is the canonical external representation of money.
func FromMinorUnits(minor *big.Int, currency string) (string, error) {
	scale, err := ScaleFor(currency)
	if err != nil {
		return "", err
	}
	if minor == nil {
		minor = big.NewInt(0)
	}
	return decimal.NewFromBigInt(new(big.Int).Set(minor), -scale).StringFixed(scale), nil
}
