// Package amount converts between human-facing decimal amounts and the
// fixed-point integers used by the settlement ledger.
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// DefaultDecimals matches the 18 decimal places used by native ledger balances.
const DefaultDecimals uint8 = 18

// MaxBps is the basis point denominator.
const MaxBps = 10_000

var (
	ErrMalformed = errors.New("amount: malformed decimal")
	ErrNegative  = errors.New("amount: negative value")
	ErrPrecision = errors.New("amount: too many fractional digits")
	ErrOverflow  = errors.New("amount: value exceeds uint256")
)

// Codec converts amounts for a ledger asset with a fixed number of decimals.
type Codec struct {
	Decimals uint8
}

// NewCodec returns a codec for the supplied decimal precision.
func NewCodec(decimals uint8) Codec { return Codec{Decimals: decimals} }

// ToFixed parses a decimal string such as "100.25" into its fixed-point
// representation. Inputs carrying more precision than the codec supports are
// rejected rather than rounded.
func (c Codec) ToFixed(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, ErrMalformed
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, value)
	}
	if d.Sign() < 0 {
		return nil, ErrNegative
	}
	shifted := d.Shift(int32(c.Decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d decimals", ErrPrecision, value, c.Decimals)
	}
	out := shifted.BigInt()
	if _, overflow := uint256.FromBig(out); overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// FromFixed renders a fixed-point integer as a canonical decimal string with
// trailing zeros removed.
func (c Codec) FromFixed(value *big.Int) (string, error) {
	if value == nil {
		return "0", nil
	}
	if value.Sign() < 0 {
		return "", ErrNegative
	}
	if _, overflow := uint256.FromBig(value); overflow {
		return "", ErrOverflow
	}
	d := decimal.NewFromBigInt(value, -int32(c.Decimals))
	return d.String(), nil
}

// MustToFixed is ToFixed for literals known to be valid; it panics otherwise.
func (c Codec) MustToFixed(value string) *big.Int {
	out, err := c.ToFixed(value)
	if err != nil {
		panic(err)
	}
	return out
}

// FeeFromBps returns floor(amount * bps / 10000).
func FeeFromBps(total *big.Int, bps uint32) *big.Int {
	if total == nil || total.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(total, new(big.Int).SetUint64(uint64(bps)))
	return fee.Div(fee, big.NewInt(MaxBps))
}

// SplitBps divides total into the share owed for bps and the remainder.
func SplitBps(total *big.Int, bps uint32) (share, rest *big.Int) {
	if total == nil {
		return big.NewInt(0), big.NewInt(0)
	}
	if bps > MaxBps {
		bps = MaxBps
	}
	share = FeeFromBps(total, bps)
	rest = new(big.Int).Sub(total, share)
	return share, rest
}
