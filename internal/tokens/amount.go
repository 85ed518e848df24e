package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrOverflow is returned when an addition exceeds 2^256-1.
	ErrOverflow = errors.New("amount overflow")
	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("amount underflow")
)

// Amount is a non-negative token quantity in the smallest unit.
// The zero value is a valid zero amount.
type Amount struct {
	v uint256.Int
}

// New builds an Amount from a uint64.
func New(n uint64) Amount {
	var a Amount
	a.v.SetUint64(n)
	return a
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// Parse reads a base-10 integer string.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("empty amount")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Amount{v: *v}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBig converts a non-negative big.Int.
func FromBig(b *big.Int) (Amount, error) {
	if b == nil || b.Sign() < 0 {
		return Amount{}, ErrUnderflow
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return Amount{}, ErrOverflow
	}
	return Amount{v: *v}, nil
}

// Add returns a+b.
func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}
	return out, nil
}

// Sub returns a-b or ErrUnderflow when b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	var out Amount
	if _, underflow := out.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, ErrUnderflow
	}
	return out, nil
}

// Cmp compares a and b and returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Lt reports a < b.
func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

// Eq reports a == b.
func (a Amount) Eq(b Amount) bool { return a.v.Eq(&b.v) }

// IsZero reports whether a is zero.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Uint64 returns the value and whether it fits in 64 bits.
func (a Amount) Uint64() (uint64, bool) {
	return a.v.Uint64(), a.v.IsUint64()
}

// Big returns a copy as big.Int.
func (a Amount) Big() *big.Int { return a.v.ToBig() }

// String renders the base-10 value.
func (a Amount) String() string { return a.v.Dec() }

// Decimal renders the amount as a decimal scaled down by the token decimals.
func (a Amount) Decimal(decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), -int32(decimals))
}

// Format renders a human readable quantity, e.g. "1.00000000".
func (a Amount) Format(decimals uint8) string {
	return a.Decimal(decimals).StringFixed(int32(decimals))
}

// MarshalJSON encodes the amount as a quoted decimal string so clients never
// lose precision on values above 2^53.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*a = Amount{}
		return nil
	}
	raw = strings.Trim(raw, `"`)
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds all amounts.
func Sum(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, x := range amounts {
		next, err := total.Add(x)
		if err != nil {
			return Amount{}, err
		}
		total = next
	}
	return total, nil
}

// Ratio returns num/den with 8 digits of precision. A zero denominator yields 1.
func Ratio(num, den Amount) decimal.Decimal {
	if den.IsZero() {
		return decimal.NewFromInt(1)
	}
	n := decimal.NewFromBigInt(num.Big(), 0)
	d := decimal.NewFromBigInt(den.Big(), 0)
	return n.DivRound(d, 8)
}
