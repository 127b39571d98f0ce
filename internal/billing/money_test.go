package billing_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keplerhq/kepler/internal/billing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in   string
		want billing.Amount
	}{
		{"10", 100_000},
		{"10.0", 100_000},
		{"0.06", 600},
		{"0.001", 10},
		{"0.0001", 1},
		{"9.94", 99_400},
		{"-0.0010", -10},
		{"+2.5", 25_000},
		{".5", 5_000},
		{" 1 ", 10_000},
		{"0", 0},
	}
	for _, tc := range cases {
		got, err := billing.ParseAmount(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestParseAmount_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "0.00001", "1,5"} {
		_, err := billing.ParseAmount(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "0.0600", billing.Amount(600).String())
	assert.Equal(t, "10.0000", billing.Credits(10).String())
	assert.Equal(t, "-0.0010", billing.Amount(-10).String())
	assert.Equal(t, "9.9400", billing.Amount(99_400).String())
}

func TestAmount_JSONRoundTrip(t *testing.T) {
	out, err := json.Marshal(billing.Amount(600))
	require.NoError(t, err)
	assert.Equal(t, `"0.0600"`, string(out))

	var fromString billing.Amount
	require.NoError(t, json.Unmarshal([]byte(`"9.94"`), &fromString))
	assert.Equal(t, billing.Amount(99_400), fromString)

	// Bare JSON numbers are accepted too.
	var fromNumber billing.Amount
	require.NoError(t, json.Unmarshal([]byte(`0.06`), &fromNumber))
	assert.Equal(t, billing.Amount(600), fromNumber)
}
