package math_test

import (
	"math/big"
	"testing"

	fpmath "PerpClearing/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiv_RoundingModes(t *testing.T) {
	cases := []struct {
		name      string
		num, den  int64
		mode      fpmath.RoundingMode
		want      int64
	}{
		{"down positive", 7, 2, fpmath.RoundDown, 3},
		{"down negative", -7, 2, fpmath.RoundDown, -3},
		{"up positive", 7, 2, fpmath.RoundUp, 4},
		{"up negative", -7, 2, fpmath.RoundUp, -4},
		{"floor positive", 7, 2, fpmath.RoundFloor, 3},
		{"floor negative", -7, 2, fpmath.RoundFloor, -4},
		{"ceil positive", 7, 2, fpmath.RoundCeil, 4},
		{"ceil negative", -7, 2, fpmath.RoundCeil, -3},
		{"half even down", 5, 2, fpmath.RoundHalfEven, 2},
		{"half even up", 7, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 8, 3, fpmath.RoundHalfEven, 3},
		{"exact", 8, 2, fpmath.RoundUp, 4},
		{"negative denominator floor", 7, -2, fpmath.RoundFloor, -4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := fpmath.Div(big.NewInt(tc.num), big.NewInt(tc.den), tc.mode)
			assert.Equal(t, tc.want, got.Int64())
		})
	}
}

func TestMulRatio(t *testing.T) {
	x := fpmath.Units(1000)
	got := fpmath.MulRatio(x, 62_500, fpmath.RoundDown)
	assert.Equal(t, fpmath.MustParseAmount("62.5").String(), got.String())
}

func TestRatioOf(t *testing.T) {
	r, ok := fpmath.RatioOf(fpmath.Units(50), fpmath.Units(1000), fpmath.RoundDown)
	require.True(t, ok)
	assert.Equal(t, int64(50_000), r)

	_, ok = fpmath.RatioOf(fpmath.Units(1), new(big.Int), fpmath.RoundDown)
	assert.False(t, ok)
}

func TestSettlementToken_Rebase(t *testing.T) {
	usdc := big.NewInt(1_234_567) // 1.234567 USDC
	internal := fpmath.ParseSettlementToken(usdc, 6)
	assert.Equal(t, fpmath.MustParseAmount("1.234567").String(), internal.String())

	// 1.2345679 has a 7th decimal that USDC cannot hold; withdrawals round it away.
	back := fpmath.FormatSettlementToken(fpmath.MustParseAmount("1.2345679"), 6, fpmath.RoundFloor)
	assert.Equal(t, int64(1_234_567), back.Int64())

	debt := fpmath.FormatSettlementToken(fpmath.MustParseAmount("1.2345671"), 6, fpmath.RoundCeil)
	assert.Equal(t, int64(1_234_568), debt.Int64())

	wide := fpmath.ParseSettlementToken(big.NewInt(1999), 21)
	assert.Equal(t, int64(1), wide.Int64())
}

func TestParseRatio(t *testing.T) {
	r, err := fpmath.ParseRatio("0.0625")
	require.NoError(t, err)
	assert.Equal(t, int64(62_500), r)
	assert.Equal(t, "0.0625", fpmath.FormatRatio(r))

	_, err = fpmath.ParseRatio("1.5")
	assert.Error(t, err)

	_, err = fpmath.ParseRatio("0.00000001")
	assert.Error(t, err)

	_, err = fpmath.ParseRatio("abc")
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	v, err := fpmath.ParseAmount("-18.75")
	require.NoError(t, err)
	assert.Equal(t, "-18750000000000000000", v.String())
	assert.Equal(t, "-18.75", fpmath.FormatAmount(v))

	_, err = fpmath.ParseAmount("0.0000000000000000001")
	assert.Error(t, err)
}
