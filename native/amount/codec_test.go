package amount

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToFixed(t *testing.T) {
	codec := NewCodec(DefaultDecimals)

	got, err := codec.ToFixed("100")
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("100000000000000000000", 10)
	require.Equal(t, 0, got.Cmp(want))

	got, err = codec.ToFixed(" 0.000000000000000001 ")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Int64())

	got, err = codec.ToFixed("2.5")
	require.NoError(t, err)
	require.Equal(t, "2500000000000000000", got.String())
}

func TestToFixedRejects(t *testing.T) {
	codec := NewCodec(6)

	_, err := codec.ToFixed("1.0000001")
	require.ErrorIs(t, err, ErrPrecision)

	_, err = codec.ToFixed("-1")
	require.ErrorIs(t, err, ErrNegative)

	_, err = codec.ToFixed("ten")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = codec.ToFixed("")
	require.ErrorIs(t, err, ErrMalformed)

	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	_, err = NewCodec(0).ToFixed(huge.String())
	require.ErrorIs(t, err, ErrOverflow)
}

func TestFromFixed(t *testing.T) {
	codec := NewCodec(DefaultDecimals)

	out, err := codec.FromFixed(codec.MustToFixed("98.75"))
	require.NoError(t, err)
	require.Equal(t, "98.75", out)

	out, err = codec.FromFixed(big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, "0", out)

	_, err = codec.FromFixed(big.NewInt(-5))
	require.ErrorIs(t, err, ErrNegative)
}

func TestRoundTrip(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	values := []*big.Int{
		big.NewInt(0),
		big.NewInt(1),
		big.NewInt(10),
		big.NewInt(123456789),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil),
		max,
	}
	for _, decimals := range []uint8{0, 6, 18} {
		codec := NewCodec(decimals)
		for _, v := range values {
			text, err := codec.FromFixed(v)
			require.NoError(t, err)
			back, err := codec.ToFixed(text)
			require.NoError(t, err)
			require.Zerof(t, back.Cmp(v), "decimals=%d value=%s text=%s", decimals, v, text)
		}
	}
}

func TestFeeFromBps(t *testing.T) {
	require.Equal(t, int64(2), FeeFromBps(big.NewInt(100), 200).Int64())
	require.Equal(t, int64(0), FeeFromBps(big.NewInt(49), 200).Int64())
	require.Equal(t, int64(0), FeeFromBps(nil, 200).Int64())

	share, rest := SplitBps(big.NewInt(98), 5_000)
	require.Equal(t, int64(49), share.Int64())
	require.Equal(t, int64(49), rest.Int64())

	share, rest = SplitBps(big.NewInt(98), 20_000)
	require.Equal(t, int64(98), share.Int64())
	require.Equal(t, int64(0), rest.Int64())
}
