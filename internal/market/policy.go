package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DeviceRegistry answers whether a device identity may submit balancing
// offers. It is injected explicitly; the market never consults ambient
// global state.
type DeviceRegistry interface {
	IsRegistered(name string) bool
}

// OrderPolicy captures the differences between market variants: spot books
// hold unsigned (positive) energy and accept submissions from anyone, while
// balancing books hold signed energy and gate submissions through a device
// registry. The rest of the order-book mechanics is shared.
type OrderPolicy interface {
	// ValidateOfferEnergy rejects orders whose energy is invalid for this
	// book (non-positive for spot, zero for balancing).
	ValidateOfferEnergy(energy decimal.Decimal) error

	// ValidateAcceptedEnergy rejects acceptance quantities that are zero,
	// exceed the offer in magnitude, or (balancing only) mismatch the
	// offer's sign.
	ValidateAcceptedEnergy(offer Offer, energy decimal.Decimal) error

	// CheckSubmission gates offer submission by seller identity. Calls
	// flagged as agent-originated bypass the gate.
	CheckSubmission(seller string, fromAgent bool) error

	// Balancing reports whether this policy describes a balancing book,
	// which selects the balancing event kinds and aggregates.
	Balancing() bool
}

// SpotPolicy is the order policy for ordinary one- and two-sided spot
// markets: positive energy, open submission.
type SpotPolicy struct{}

func (SpotPolicy) ValidateOfferEnergy(energy decimal.Decimal) error {
	if energy.Sign() <= 0 {
		return fmt.Errorf("%w: energy must be positive, got %s", ErrInvalidOffer, energy)
	}
	return nil
}

func (SpotPolicy) ValidateAcceptedEnergy(offer Offer, energy decimal.Decimal) error {
	if energy.Sign() <= 0 {
		return fmt.Errorf("%w: energy must be positive, got %s", ErrInvalidTrade, energy)
	}
	if energy.GreaterThan(offer.Energy) {
		return fmt.Errorf("%w: energy %s exceeds offered energy %s",
			ErrInvalidTrade, energy, offer.Energy)
	}
	return nil
}

func (SpotPolicy) CheckSubmission(string, bool) error { return nil }

func (SpotPolicy) Balancing() bool { return false }

// BalancingPolicy is the order policy for balancing (ancillary-services)
// markets: signed energy and registry-gated submission.
type BalancingPolicy struct {
	Registry DeviceRegistry
}

func (BalancingPolicy) ValidateOfferEnergy(energy decimal.Decimal) error {
	if energy.IsZero() {
		return fmt.Errorf("%w: energy cannot be zero", ErrInvalidOffer)
	}
	return nil
}

func (BalancingPolicy) ValidateAcceptedEnergy(offer Offer, energy decimal.Decimal) error {
	if energy.IsZero() {
		return fmt.Errorf("%w: energy cannot be zero", ErrInvalidBalancingTrade)
	}
	if offer.Energy.Sign() > 0 && energy.Sign() < 0 ||
		offer.Energy.Sign() < 0 && energy.Sign() > 0 {
		return fmt.Errorf("%w: energy %s and balancing offer %s are not compatible",
			ErrInvalidBalancingTrade, energy, offer.Energy)
	}
	if energy.Abs().GreaterThan(offer.Energy.Abs()) {
		return fmt.Errorf("%w: energy %s exceeds offered energy %s",
			ErrInvalidBalancingTrade, energy, offer.Energy)
	}
	return nil
}

func (p BalancingPolicy) CheckSubmission(seller string, fromAgent bool) error {
	if fromAgent {
		return nil
	}
	if p.Registry == nil || !p.Registry.IsRegistered(seller) {
		return fmt.Errorf("%w: %s", ErrNotRegistered, seller)
	}
	return nil
}

func (BalancingPolicy) Balancing() bool { return true }
