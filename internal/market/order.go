// Package market implements the per-slot energy order book: offer and bid
// storage, partial-fill splitting, fee-adjusted trade execution, and the
// trade accounting that keeps energy and price conserved across the book.
//
// All prices, energies and rates use shopspring/decimal, never float64 for
// money. Orders are immutable value types: every state transition replaces
// the stored order wholesale, so no caller ever holds a live alias into the
// book.
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RateTolerance is the epsilon used for energy-rate comparisons. Rates are
// derived through decimal division, so two rates describing the same price
// level can differ in the last digits of the division precision.
var RateTolerance = decimal.New(1, -9) // 1e-9

// Offer is a standing willingness to sell energy at a total price, valid
// for one market time slot. Balancing markets carry signed energy
// (positive = supply, negative = demand); spot markets only positive.
type Offer struct {
	ID           string
	CreationTime time.Time
	Price        decimal.Decimal // total, not per-unit
	Energy       decimal.Decimal
	Seller       string
	SellerOrigin string // ultimate originator, preserved across forwarding hops

	// OriginalPrice is the price before any grid-fee adjustment. Residual
	// prices are recomputed from it so that fees are applied exactly once
	// per fragment instead of compounding.
	OriginalPrice decimal.Decimal

	Attributes   map[string]any
	Requirements []map[string]any
	TimeSlot     time.Time
}

// EnergyRate returns the per-unit price of the offer.
func (o Offer) EnergyRate() decimal.Decimal {
	return o.Price.Div(o.Energy)
}

// OriginalRate returns the per-unit price before fee adjustments.
func (o Offer) OriginalRate() decimal.Decimal {
	return o.OriginalPrice.Div(o.Energy)
}

func (o Offer) String() string {
	return fmt.Sprintf("<Offer('%.8s', '%s kWh @ %s', '%s'>",
		o.ID, o.Energy.String(), o.Price.String(), o.Seller)
}

// Bid is the buyer-side counterpart of Offer, present in two-sided markets
// only.
type Bid struct {
	ID            string
	CreationTime  time.Time
	Price         decimal.Decimal
	Energy        decimal.Decimal
	Buyer         string
	BuyerOrigin   string
	OriginalPrice decimal.Decimal
	Attributes    map[string]any
	Requirements  []map[string]any
	TimeSlot      time.Time
}

// EnergyRate returns the per-unit price of the bid.
func (b Bid) EnergyRate() decimal.Decimal {
	return b.Price.Div(b.Energy)
}

func (b Bid) String() string {
	return fmt.Sprintf("<Bid('%.8s', '%s kWh @ %s', '%s'>",
		b.ID, b.Energy.String(), b.Price.String(), b.Buyer)
}

// Trade is the immutable record of a completed match. Exactly one of Offer
// and Bid is set, holding the matched order post-split, i.e. exactly the
// traded quantity. Residual (if present) is the unmatched remainder that
// was re-inserted into the book:
//
//	traded energy + residual energy == original energy
//	traded price  + residual price  == original price
//
// within decimal tolerance.
type Trade struct {
	ID           string
	CreationTime time.Time

	Offer *Offer
	Bid   *Bid

	Seller       string
	Buyer        string
	SellerOrigin string
	BuyerOrigin  string

	Residual    *Offer
	ResidualBid *Bid

	TradedEnergy decimal.Decimal
	TradePrice   decimal.Decimal
	FeePrice     decimal.Decimal
	TimeSlot     time.Time
}

// Rate returns the per-unit trade price.
func (t Trade) Rate() decimal.Decimal {
	return t.TradePrice.Div(t.TradedEnergy)
}

func (t Trade) String() string {
	return fmt.Sprintf("<Trade('%.8s', '%s kWh @ %s', '%s' -> '%s')>",
		t.ID, t.TradedEnergy.String(), t.TradePrice.String(), t.Seller, t.Buyer)
}
