package market

import "time"

// EventKind identifies the type of a market notification.
type EventKind int

const (
	EventOfferCreated EventKind = iota
	EventOfferDeleted
	EventOfferSplit
	EventOfferTraded
	EventBidCreated
	EventBidDeleted
	EventBidSplit
	EventBidTraded
	EventBalancingOfferCreated
	EventBalancingOfferDeleted
	EventBalancingOfferSplit
	EventBalancingTrade
)

var eventKindNames = map[EventKind]string{
	EventOfferCreated:          "offer_created",
	EventOfferDeleted:          "offer_deleted",
	EventOfferSplit:            "offer_split",
	EventOfferTraded:           "offer_traded",
	EventBidCreated:            "bid_created",
	EventBidDeleted:            "bid_deleted",
	EventBidSplit:              "bid_split",
	EventBidTraded:             "bid_traded",
	EventBalancingOfferCreated: "balancing_offer_created",
	EventBalancingOfferDeleted: "balancing_offer_deleted",
	EventBalancingOfferSplit:   "balancing_offer_split",
	EventBalancingTrade:        "balancing_trade",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a discrete notification record emitted by a market after one of
// its mutations has been committed. Which pointer fields are set depends on
// Kind: created/deleted events carry Offer or Bid, split events carry the
// original/accepted/residual triple, trade events carry Trade.
type Event struct {
	Kind       EventKind
	MarketID   string
	MarketName string
	TimeSlot   time.Time

	Offer *Offer
	Bid   *Bid
	Trade *Trade

	OriginalOffer *Offer
	AcceptedOffer *Offer
	ResidualOffer *Offer

	OriginalBid *Bid
	AcceptedBid *Bid
	ResidualBid *Bid
}

// Listener receives market events synchronously, in emission order, as part
// of the mutation that triggered them. The market's own state is already
// committed when a listener runs; a listener error aborts delivery to
// subsequent listeners and propagates to the caller of the triggering
// operation.
type Listener func(Event) error
