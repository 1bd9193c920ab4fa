package ray

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal_WholeAndFractional(t *testing.T) {
	r, err := ParseDecimal("100")
	require.NoError(t, err)
	assert.Equal(t, "100"+strings.Repeat("0", 27), r.Scaled())

	r, err = ParseDecimal("0.995")
	require.NoError(t, err)
	assert.Equal(t, "995"+strings.Repeat("0", 24), r.Scaled())

	r, err = ParseDecimal("-1.5")
	require.NoError(t, err)
	assert.Equal(t, "-1.5", r.Decimal())
}

func TestParseDecimal_RejectsExcessPrecision(t *testing.T) {
	_, err := ParseDecimal("0." + strings.Repeat("1", 28))
	assert.Error(t, err)

	// Exactly 27 fractional digits is the precision limit, not past it.
	_, err = ParseDecimal("0." + strings.Repeat("1", 27))
	assert.NoError(t, err)
}

func TestParseDecimal_Invalid(t *testing.T) {
	for _, s := range []string{"", "abc", "1.2.3", "1e5"} {
		_, err := ParseDecimal(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestFromScaled_RoundTrip(t *testing.T) {
	r, err := FromScaled("995" + strings.Repeat("0", 24))
	require.NoError(t, err)
	assert.Equal(t, "0.995", r.Decimal())
	assert.Equal(t, r.Scaled(), MustParseDecimal("0.995").Scaled())
}

func TestMul_TruncatesTowardZero(t *testing.T) {
	// 1/3-ish values: the product's discarded digits must be dropped,
	// never rounded up.
	// 0.333...3^2 = 0.111...10888...89; everything past 27 digits is cut.
	a := MustParseDecimal("0." + strings.Repeat("3", 27))
	got := Mul(a, a)
	assert.Equal(t, strings.Repeat("1", 26)+"0", got.Scaled())

	// Tiny values truncate to zero rather than rounding to one ulp up.
	tiny, err := FromScaled("1")
	require.NoError(t, err)
	assert.True(t, Mul(tiny, tiny).IsZero())
}

func TestMul_Identity(t *testing.T) {
	a := MustParseDecimal("123.456")
	assert.Equal(t, 0, Mul(a, One()).Cmp(a))
	assert.True(t, Mul(a, Zero()).IsZero())
}

func TestPow_MatchesRepeatedMul(t *testing.T) {
	base := MustParseDecimal("0.995")
	want := One()
	for i := 0; i < 13; i++ {
		want = Mul(want, base)
	}
	got := Pow(base, 13)
	assert.Equal(t, want.Scaled(), got.Scaled())
}

func TestPow_EdgeExponents(t *testing.T) {
	base := MustParseDecimal("0.5")
	assert.Equal(t, One().Scaled(), Pow(base, 0).Scaled())
	assert.Equal(t, base.Scaled(), Pow(base, 1).Scaled())
	assert.Equal(t, One().Scaled(), Pow(One(), 1_000_000).Scaled())
	assert.True(t, Pow(Zero(), 5).IsZero())
}

func TestPow_MonotoneDecreasingForDecay(t *testing.T) {
	base := MustParseDecimal("0.995")
	prev := One()
	for exp := uint64(1); exp <= 200; exp++ {
		cur := Pow(base, exp)
		assert.True(t, cur.Cmp(prev) < 0, "exp %d", exp)
		prev = cur
	}
}

func TestFromBigInt_Copies(t *testing.T) {
	v := big.NewInt(42)
	r := FromBigInt(v)
	v.SetInt64(99)
	assert.Equal(t, "42", r.Scaled())
}

func TestInUnitInterval(t *testing.T) {
	assert.True(t, InUnitInterval(One()))
	assert.True(t, InUnitInterval(MustParseDecimal("0.995")))
	assert.False(t, InUnitInterval(Zero()))
	assert.False(t, InUnitInterval(MustParseDecimal("1.000000000000000000000000001")))
	assert.False(t, InUnitInterval(MustParseDecimal("-0.5")))
}
