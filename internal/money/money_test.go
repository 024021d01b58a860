package money_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quotedesk/internal/apperr"
	"quotedesk/internal/money"
)

func TestScaleFor(t *testing.T) {
	s, err := money.ScaleFor("USDT")
	require.NoError(t, err)
	assert.Equal(t, int32(6), s)

	s, err = money.ScaleFor("ETH")
	require.NoError(t, err)
	assert.Equal(t, int32(18), s)

	_, err = money.ScaleFor("DOGE")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnknownCurrency, apperr.CodeOf(err))
}

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     string
	}{
		{"10000.000000", "USDT", "10000000000"},
		{"0.5", "BTC", "50000000"},
		{"1", "ETH", "1000000000000000000"},
		{"0.00000001", "BTC", "1"},
		// truncation toward zero, never up
		{"0.0000019", "USDT", "1"},
		{"1.999999999", "USDT", "1999999"},
		{"0", "EUR", "0"},
		// beyond int64: 100 ETH in wei
		{"100", "ETH", "100000000000000000000"},
	}

	for _, tc := range cases {
		got, err := money.ToMinorUnits(tc.amount, tc.currency)
		require.NoError(t, err, "amount=%s", tc.amount)

		want, ok := new(big.Int).SetString(tc.want, 10)
		require.True(t, ok)
		assert.Zero(t, got.Cmp(want), "amount=%s got=%s want=%s", tc.amount, got, want)
	}
}

func TestToMinorUnits_Rejects(t *testing.T) {
	for _, amount := range []string{"-1", "-0.001", "abc", "", "1.2.3", "NaN", "Infinity"} {
		_, err := money.ToMinorUnits(amount, "USDT")
		require.Error(t, err, "amount=%q", amount)
		assert.Equal(t, apperr.CodeInvalidAmount, apperr.CodeOf(err), "amount=%q", amount)
	}

	_, err := money.ToMinorUnits("1", "DOGE")
	assert.Equal(t, apperr.CodeUnknownCurrency, apperr.CodeOf(err))
}

func TestFromMinorUnits(t *testing.T) {
	cases := []struct {
		minor    string
		currency string
		want     string
	}{
		{"10000000000", "USDT", "10000.000000"},
		{"50000000", "BTC", "0.50000000"},
		{"1", "ETH", "0.000000000000000001"},
		{"0", "EUR", "0.00"},
		{"-32516250000", "USDT", "-32516.250000"},
	}

	for _, tc := range cases {
		minor, ok := new(big.Int).SetString(tc.minor, 10)
		require.True(t, ok)

		got, err := money.FromMinorUnits(minor, tc.currency)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestFromMinorUnits_NilIsZero(t *testing.T) {
	got, err := money.FromMinorUnits(nil, "USD")
	require.NoError(t, err)
	assert.Equal(t, "0.00", got)
}

// Round trip: any decimal string with at most scale fractional digits
// survives to-minor/from-minor unchanged, canonically padded.
func TestRoundTrip(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     string
	}{
		{"10000.000000", "USDT", "10000.000000"},
		{"0.5", "BTC", "0.50000000"},
		{"42", "USD", "42.00"},
		{"1.23", "EUR", "1.23"},
		{"0.000001", "USDT", "0.000001"},
	}

	for _, tc := range cases {
		minor, err := money.ToMinorUnits(tc.amount, tc.currency)
		require.NoError(t, err)

		back, err := money.FromMinorUnits(minor, tc.currency)
		require.NoError(t, err)
		assert.Equal(t, tc.want, back, "amount=%s", tc.amount)
	}
}

func TestCurrencies(t *testing.T) {
	cs := money.Currencies()
	assert.Equal(t, []string{"BTC", "ETH", "EUR", "USD", "USDT"}, cs)
	for _, c := range cs {
		assert.True(t, money.IsKnown(c))
	}
}
