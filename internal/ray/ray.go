// Package ray implements fixed-point arithmetic at 27 decimal digits of
// precision, matching the on-chain "ray" convention. All operations work on
// scaled integers and truncate toward zero, never round, so results stay
// bit-compatible with contract math. No floating point is used anywhere.
package ray

import (
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the ray precision exponent.
const Decimals = 27

// one is 10^27, the scale factor. Treated as immutable.
var one = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Ray is an immutable fixed-point value scaled by 10^27.
type Ray struct {
	v *big.Int
}

// Zero returns the ray value 0.
func Zero() Ray {
	return Ray{v: new(big.Int)}
}

// One returns the ray value 1.0 (10^27).
func One() Ray {
	return Ray{v: new(big.Int).Set(one)}
}

// FromBigInt wraps an already ray-scaled integer. The input is copied.
func FromBigInt(v *big.Int) Ray {
	if v == nil {
		return Zero()
	}
	return Ray{v: new(big.Int).Set(v)}
}

// FromInt64 converts a whole number to ray scale.
func FromInt64(n int64) Ray {
	return Ray{v: new(big.Int).Mul(big.NewInt(n), one)}
}

// FromScaled parses a ray-scaled integer string, the storage format.
func FromScaled(s string) (Ray, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return Ray{}, fmt.Errorf("invalid ray-scaled integer %q", s)
	}
	return Ray{v: v}, nil
}

// ParseDecimal converts a human decimal string such as "0.995" or "100" to
// ray scale. Fractional digits beyond the ray precision are rejected rather
// than silently truncated.
func ParseDecimal(s string) (Ray, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ray{}, fmt.Errorf("empty decimal string")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return Ray{}, fmt.Errorf("decimal %q exceeds ray precision (%d fractional digits)", s, Decimals)
	}
	digits := whole + frac + strings.Repeat("0", Decimals-len(frac))
	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return Ray{}, fmt.Errorf("invalid decimal string %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return Ray{v: v}, nil
}

// MustParseDecimal is ParseDecimal for compile-time constants; it panics on
// malformed input.
func MustParseDecimal(s string) Ray {
	r, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Scaled returns the ray-scaled integer string, the storage format.
func (r Ray) Scaled() string {
	if r.v == nil {
		return "0"
	}
	return r.v.String()
}

// Decimal renders the value as a human decimal string with trailing
// fractional zeros trimmed.
func (r Ray) Decimal() string {
	if r.v == nil || r.v.Sign() == 0 {
		return "0"
	}
	v := new(big.Int).Abs(r.v)
	quo, rem := new(big.Int).QuoRem(v, one, new(big.Int))
	out := quo.String()
	if rem.Sign() != 0 {
		frac := fmt.Sprintf("%0*s", Decimals, rem.String())
		frac = strings.TrimRight(frac, "0")
		out += "." + frac
	}
	if r.v.Sign() < 0 {
		out = "-" + out
	}
	return out
}

func (r Ray) String() string {
	return r.Decimal()
}

// BigInt returns a copy of the underlying scaled integer.
func (r Ray) BigInt() *big.Int {
	if r.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.v)
}

func (r Ray) Sign() int {
	if r.v == nil {
		return 0
	}
	return r.v.Sign()
}

func (r Ray) IsZero() bool {
	return r.Sign() == 0
}

func (r Ray) Cmp(other Ray) int {
	return r.BigInt().Cmp(other.BigInt())
}

// Mul multiplies two ray values: a*b / 10^27, truncated toward zero.
func Mul(a, b Ray) Ray {
	p := new(big.Int).Mul(a.BigInt(), b.BigInt())
	return Ray{v: p.Quo(p, one)}
}

// Pow raises a ray base to a non-negative integer exponent using
// exponentiation by squaring, the same shape as the on-chain rpow. Each
// intermediate multiplication truncates toward zero exactly as Mul does.
// Step counts reach the thousands over long auctions, so the squaring form
// matters.
func Pow(base Ray, exp uint64) Ray {
	result := One()
	acc := FromBigInt(base.BigInt())
	for exp > 0 {
		if exp&1 == 1 {
			result = Mul(result, acc)
		}
		exp >>= 1
		if exp > 0 {
			acc = Mul(acc, acc)
		}
	}
	return result
}

// InUnitInterval reports whether r lies in (0, 1] at ray scale, the valid
// range for a decay rate.
func InUnitInterval(r Ray) bool {
	return r.Sign() > 0 && r.BigInt().Cmp(one) <= 0
}
