// Package numeric converts between decimal values and the exchange's x18
// fixed-point wire encoding (integers scaled by 10^18).
package numeric

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by an x18 integer.
const Scale = 18

var one18 = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// One18 returns 10^18 as a fresh big.Int.
func One18() *big.Int { return new(big.Int).Set(one18) }

// FromX18 decodes a wire integer string into its decimal value. The string
// must be a base-10 integer; fractional or exponent notation is rejected so a
// value that was already human-scaled is never silently accepted.
func FromX18(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("x18: empty value")
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return decimal.Zero, fmt.Errorf("x18: %q is not an integer", s)
	}
	return FromX18Int(i), nil
}

// MustFromX18 is FromX18 for constants in tests and tools.
func MustFromX18(s string) decimal.Decimal {
	d, err := FromX18(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FromX18Int decodes a scaled integer.
func FromX18Int(i *big.Int) decimal.Decimal {
	if i == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(i, -Scale)
}

// ToX18Int encodes d as a scaled integer, truncating digits beyond 10^-18.
func ToX18Int(d decimal.Decimal) *big.Int {
	return d.Shift(Scale).Truncate(0).BigInt()
}

// ToX18 encodes d as a wire integer string.
func ToX18(d decimal.Decimal) string {
	return ToX18Int(d).String()
}

// X18 is a decimal carried on the wire as an x18 integer. It unmarshals from
// a quoted integer string or a bare JSON integer and marshals as a string.
type X18 struct {
	decimal.Decimal
}

// NewX18 wraps d.
func NewX18(d decimal.Decimal) X18 { return X18{Decimal: d} }

func (x X18) MarshalJSON() ([]byte, error) {
	return json.Marshal(ToX18(x.Decimal))
}

func (x *X18) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		x.Decimal = decimal.Zero
		return nil
	}
	raw := string(data)
	if len(data) >= 2 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("x18: %w", err)
		}
		raw = s
	}
	d, err := FromX18(raw)
	if err != nil {
		return err
	}
	x.Decimal = d
	return nil
}
