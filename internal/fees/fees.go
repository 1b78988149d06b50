// Package fees implements the grid-fee policies applied when orders are
// posted, forwarded between market levels, or matched into trades.
//
// Two models are supported: constant (fee per unit of energy) and
// percentage (fee as a fraction of the order price). Both are pure
// functions over shopspring/decimal, never float64 for money. Forwarded
// rates are always derived from the original (pre-fee) rate so that fees
// never compound across market hops.
package fees

import "github.com/shopspring/decimal"

// Policy computes grid-fee-adjusted prices. Implementations hold a single
// immutable rate and no other state.
type Policy interface {
	// Rate returns the configured fee rate. For ConstantFee this is a
	// price per unit of energy; for PercentageFee a fraction of the price.
	Rate() decimal.Decimal

	// AdaptedOfferPrice returns the book price for a freshly posted order
	// with the grid fee added on top of the requested price.
	AdaptedOfferPrice(price, energy decimal.Decimal) decimal.Decimal

	// AdaptedBidPrice returns the book price for a freshly posted bid
	// with the grid fee deducted, since the buyer pays the fee on top of
	// the matched rate.
	AdaptedBidPrice(price, energy decimal.Decimal) decimal.Decimal

	// ForwardedOfferRate returns the energy rate for the mirror of an
	// offer in an adjacent market. originalRate is the rate of the offer
	// before any fee was applied on previous hops.
	ForwardedOfferRate(offerRate, originalRate decimal.Decimal) decimal.Decimal

	// TradeFee returns the fee charged for a trade together with the
	// final trade price (energy * tradeRate). energyPortion is the
	// fraction of the original order this trade represents, in (0, 1];
	// originalPrice is the pre-fee price of the original order.
	TradeFee(energy, tradeRate, energyPortion, originalPrice decimal.Decimal) (fee, tradePrice decimal.Decimal)
}

// ConstantFee charges a fixed amount per unit of energy, independent of the
// order price. The fee of a split fragment scales with the fragment's
// energy, so splitting never changes the total fee.
type ConstantFee struct {
	rate decimal.Decimal
}

// NewConstant creates a constant-fee policy with the given rate per unit
// of energy.
func NewConstant(rate decimal.Decimal) ConstantFee {
	return ConstantFee{rate: rate}
}

func (f ConstantFee) Rate() decimal.Decimal { return f.rate }

func (f ConstantFee) AdaptedOfferPrice(price, energy decimal.Decimal) decimal.Decimal {
	return price.Add(f.rate.Mul(energy))
}

func (f ConstantFee) AdaptedBidPrice(price, energy decimal.Decimal) decimal.Decimal {
	return price.Sub(f.rate.Mul(energy))
}

func (f ConstantFee) ForwardedOfferRate(offerRate, _ decimal.Decimal) decimal.Decimal {
	return offerRate.Add(f.rate)
}

func (f ConstantFee) TradeFee(energy, tradeRate, _, _ decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	fee := f.rate.Mul(energy.Abs())
	return fee, energy.Mul(tradeRate)
}

// PercentageFee charges a fraction of the order price. The fee is computed
// against the original (pre-fee) price, apportioned by energy share for
// partial trades.
type PercentageFee struct {
	rate decimal.Decimal
}

// NewPercentage creates a percentage-fee policy. rate is a fraction, e.g.
// 0.05 for a five percent grid fee.
func NewPercentage(rate decimal.Decimal) PercentageFee {
	return PercentageFee{rate: rate}
}

func (f PercentageFee) Rate() decimal.Decimal { return f.rate }

func (f PercentageFee) AdaptedOfferPrice(price, _ decimal.Decimal) decimal.Decimal {
	return price.Add(price.Mul(f.rate))
}

func (f PercentageFee) AdaptedBidPrice(price, _ decimal.Decimal) decimal.Decimal {
	return price.Sub(price.Mul(f.rate))
}

func (f PercentageFee) ForwardedOfferRate(offerRate, originalRate decimal.Decimal) decimal.Decimal {
	return offerRate.Add(originalRate.Mul(f.rate))
}

func (f PercentageFee) TradeFee(energy, tradeRate, energyPortion, originalPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	fee := originalPrice.Mul(energyPortion).Mul(f.rate)
	return fee, energy.Mul(tradeRate)
}
