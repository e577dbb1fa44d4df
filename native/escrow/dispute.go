package escrow

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"marketescrow/native/amount"
)

// DecisionKind enumerates the resolver outcomes.
type DecisionKind uint8

const (
	DecisionFavorBuyer DecisionKind = iota + 1
	DecisionFavorSeller
	DecisionSplit
)

// Decision is the outcome chosen by the dispute resolver. For splits,
// SellerBps is the seller's share of the net amount in basis points.
type Decision struct {
	Kind      DecisionKind
	SellerBps uint32
}

// FavorBuyer refunds the full amount to the buyer.
func FavorBuyer() Decision { return Decision{Kind: DecisionFavorBuyer} }

// FavorSeller releases the net amount to the seller.
func FavorSeller() Decision { return Decision{Kind: DecisionFavorSeller, SellerBps: amount.MaxBps} }

// Split shares the net amount between seller and buyer.
func Split(sellerBps uint32) Decision { return Decision{Kind: DecisionSplit, SellerBps: sellerBps} }

// Validate checks the decision parameters.
func (d Decision) Validate() error {
	switch d.Kind {
	case DecisionFavorBuyer, DecisionFavorSeller:
		return nil
	case DecisionSplit:
		if d.SellerBps > amount.MaxBps {
			return fmt.Errorf("%w: split %d bps", ErrInvalidDecision, d.SellerBps)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidDecision, d.Kind)
	}
}

// Outcome returns the terminal status the decision settles into.
func (d Decision) Outcome() Status {
	if d.Kind == DecisionFavorBuyer {
		return StatusRefunded
	}
	return StatusCompleted
}

func (d Decision) String() string {
	switch d.Kind {
	case DecisionFavorBuyer:
		return "favor_buyer"
	case DecisionFavorSeller:
		return "favor_seller"
	case DecisionSplit:
		return "split:" + strconv.FormatUint(uint64(d.SellerBps), 10)
	default:
		return "invalid"
	}
}

// ParseDecision accepts "favor_buyer", "favor_seller" or "split:<bps>".
func ParseDecision(raw string) (Decision, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case normalized == "favor_buyer":
		return FavorBuyer(), nil
	case normalized == "favor_seller":
		return FavorSeller(), nil
	case strings.HasPrefix(normalized, "split:"):
		bps, err := strconv.ParseUint(strings.TrimPrefix(normalized, "split:"), 10, 32)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
		}
		d := Split(uint32(bps))
		return d, d.Validate()
	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
	}
}

// Payout lists the fund movements performed when an escrow settles.
type Payout struct {
	Seller   *big.Int
	Buyer    *big.Int
	Platform *big.Int
}

// Total returns the sum of all payout legs.
func (p Payout) Total() *big.Int {
	total := new(big.Int)
	for _, leg := range []*big.Int{p.Seller, p.Buyer, p.Platform} {
		if leg != nil {
			total.Add(total, leg)
		}
	}
	return total
}

// SettlementPayout computes the distribution for an escrow entering a
// terminal status. Completion and expiry pay the seller net of fee; a buyer
// favoured resolution refunds the full amount.
func SettlementPayout(esc *Escrow) (Payout, error) {
	if esc == nil {
		return Payout{}, ErrNotFound
	}
	zero := big.NewInt(0)
	net := esc.Net()
	fee := cloneBigInt(esc.PlatformFee)
	switch {
	case esc.Resolution != nil || esc.Status == StatusResolved:
		if esc.Resolution == nil {
			return Payout{}, fmt.Errorf("%w: resolution missing", ErrInvalidDecision)
		}
		switch esc.Resolution.Kind {
		case DecisionFavorBuyer:
			return Payout{Seller: zero, Buyer: cloneBigInt(esc.Amount), Platform: big.NewInt(0)}, nil
		case DecisionFavorSeller:
			return Payout{Seller: net, Buyer: zero, Platform: fee}, nil
		case DecisionSplit:
			seller, buyer := amount.SplitBps(net, esc.Resolution.SellerBps)
			return Payout{Seller: seller, Buyer: buyer, Platform: fee}, nil
		default:
			return Payout{}, ErrInvalidDecision
		}
	default:
		return Payout{Seller: net, Buyer: zero, Platform: fee}, nil
	}
}
