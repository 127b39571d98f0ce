package billing

import (
	"fmt"
	"strconv"
	"strings"
)

// Amount is a balance or price in fixed-point credits. One credit is
// 10_000 units, which gives four fractional digits of precision (the
// smallest price the pricing tiers use is 0.001 credits per epoch).
// All arithmetic on balances and costs happens on this integer type so
// that the ledger-sum invariant holds exactly, with no float drift.
type Amount int64

// UnitsPerCredit is the fixed-point scale of Amount.
const UnitsPerCredit = 10_000

// Credits converts a whole number of credits to an Amount.
func Credits(n int64) Amount {
	return Amount(n * UnitsPerCredit)
}

// ParseAmount parses a decimal credit string like "10", "0.06" or
// "-0.0010" without going through floating point. At most four
// fractional digits are accepted.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 4 {
		return 0, fmt.Errorf("amount %q has more than 4 fractional digits", s)
	}
	for len(frac) < 4 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	units := w*UnitsPerCredit + f
	if neg {
		units = -units
	}
	return Amount(units), nil
}

// String renders the amount with four fractional digits, e.g. "0.0600".
func (a Amount) String() string {
	units := int64(a)
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	return fmt.Sprintf("%s%d.%04d", sign, units/UnitsPerCredit, units%UnitsPerCredit)
}

// Float64 returns the amount in credits for display-only use. Never
// feed the result back into balance arithmetic.
func (a Amount) Float64() float64 {
	return float64(a) / UnitsPerCredit
}

// MarshalJSON encodes the amount as a decimal string so API clients
// never see the internal unit scale.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
