package market

import "errors"

var (
	// ErrReadOnlyMarket is returned when a mutating operation is attempted
	// on a market that has been closed (rotated into the past).
	ErrReadOnlyMarket = errors.New("market: market is read-only")

	// ErrInvalidOffer is returned when an offer fails validation at
	// submission time (zero/negative energy, invalid rate, negative price
	// after grid fees).
	ErrInvalidOffer = errors.New("market: invalid offer")

	// ErrInvalidBid is the bid-side counterpart of ErrInvalidOffer.
	ErrInvalidBid = errors.New("market: invalid bid")

	// ErrOfferNotFound is returned when the referenced offer id is not in
	// the book: it was already consumed, deleted, or never existed.
	ErrOfferNotFound = errors.New("market: offer not found")

	// ErrBidNotFound is the bid-side counterpart of ErrOfferNotFound.
	ErrBidNotFound = errors.New("market: bid not found")

	// ErrInvalidTrade is returned when an acceptance request is
	// inconsistent with the order: self-trade, zero energy, or a quantity
	// exceeding the offered energy.
	ErrInvalidTrade = errors.New("market: invalid trade")

	// ErrInvalidBalancingTrade is the balancing-market variant of
	// ErrInvalidTrade; it additionally covers sign mismatches between the
	// requested energy and the signed balancing offer.
	ErrInvalidBalancingTrade = errors.New("market: invalid balancing trade")

	// ErrNotRegistered is returned when a balancing offer is submitted by
	// a device that is absent from the device registry.
	ErrNotRegistered = errors.New("market: device not in registry")
)
