package market

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BidRequest is the parameter set for PostBid, symmetric to OfferRequest.
type BidRequest struct {
	Price       decimal.Decimal
	Energy      decimal.Decimal
	Buyer       string
	BuyerOrigin string

	BidID         string
	OriginalPrice *decimal.Decimal

	// AdaptPriceWithFees deducts this market's grid fee from the
	// requested price before the bid enters the book: the buyer pays the
	// fee on top of whatever rate the bid eventually matches at.
	AdaptPriceWithFees bool

	SuppressEvent bool
	SkipHistory   bool

	Attributes   map[string]any
	Requirements []map[string]any
}

// PostBid validates and stores a new bid. Reusing an existing bid id
// replaces that bid in place. Two-sided markets only.
func (m *Market) PostBid(req BidRequest) (Bid, error) {
	if !m.twoSided {
		return Bid{}, fmt.Errorf("%w: market is one-sided", ErrInvalidBid)
	}
	if m.ReadOnly {
		return Bid{}, ErrReadOnlyMarket
	}
	if req.Energy.Sign() <= 0 {
		return Bid{}, fmt.Errorf("%w: energy must be positive, got %s", ErrInvalidBid, req.Energy)
	}

	originalPrice := req.Price
	if req.OriginalPrice != nil {
		originalPrice = *req.OriginalPrice
	}

	price := req.Price
	if req.AdaptPriceWithFees {
		price = m.fee.AdaptedBidPrice(price, req.Energy)
	}
	if price.Sign() < 0 {
		return Bid{}, fmt.Errorf("%w: negative price %s after grid fees, bid cannot be posted",
			ErrInvalidBid, price)
	}

	id := req.BidID
	if id == "" {
		id = uuid.New().String()
	}

	bid := Bid{
		ID:            id,
		CreationTime:  m.now(),
		Price:         price,
		Energy:        req.Energy,
		Buyer:         req.Buyer,
		BuyerOrigin:   req.BuyerOrigin,
		OriginalPrice: originalPrice,
		Attributes:    req.Attributes,
		Requirements:  req.Requirements,
		TimeSlot:      m.TimeSlot,
	}
	m.bids[id] = bid
	if !req.SkipHistory {
		m.bidHistory = append(m.bidHistory, bid)
	}
	slog.Debug("bid posted", "market", m.Name, "bid", bid.String())

	if !req.SuppressEvent {
		if err := m.notify(Event{Kind: EventBidCreated, Bid: &bid}); err != nil {
			return bid, err
		}
	}
	return bid, nil
}

// DeleteBid removes a bid from the book and emits a deletion event.
func (m *Market) DeleteBid(bidID string) error {
	if m.ReadOnly {
		return ErrReadOnlyMarket
	}
	bid, ok := m.bids[bidID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBidNotFound, bidID)
	}
	delete(m.bids, bidID)
	slog.Debug("bid deleted", "market", m.Name, "bid", bid.String())

	return m.notify(Event{Kind: EventBidDeleted, Bid: &bid})
}

// SplitBid mirrors SplitOffer for the buyer side: the accepted fragment
// keeps the original id, the residual gets a fresh id and an apportioned
// original price.
func (m *Market) SplitBid(original Bid, energy decimal.Decimal, origBidPrice decimal.Decimal) (Bid, Bid, error) {
	delete(m.bids, original.ID)

	portion := energy.Div(original.Energy)
	accepted, err := m.PostBid(BidRequest{
		BidID:         original.ID,
		Price:         original.Price.Mul(portion),
		Energy:        energy,
		Buyer:         original.Buyer,
		BuyerOrigin:   original.BuyerOrigin,
		SuppressEvent: true,
		Attributes:    original.Attributes,
		Requirements:  original.Requirements,
	})
	if err != nil {
		m.bids[original.ID] = original
		return Bid{}, Bid{}, err
	}

	residualPortion := decimal.NewFromInt(1).Sub(portion)
	residualOriginal := origBidPrice.Mul(residualPortion)
	residual, err := m.PostBid(BidRequest{
		Price:         original.Price.Mul(residualPortion),
		Energy:        original.Energy.Sub(energy),
		Buyer:         original.Buyer,
		BuyerOrigin:   original.BuyerOrigin,
		OriginalPrice: &residualOriginal,
		SuppressEvent: true,
		Attributes:    original.Attributes,
		Requirements:  original.Requirements,
	})
	if err != nil {
		delete(m.bids, accepted.ID)
		m.bids[original.ID] = original
		return Bid{}, Bid{}, err
	}

	slog.Debug("bid split", "market", m.Name,
		"original", original.String(), "accepted", accepted.String(), "residual", residual.String())

	err = m.notify(Event{
		Kind:        EventBidSplit,
		OriginalBid: &original,
		AcceptedBid: &accepted,
		ResidualBid: &residual,
	})
	return accepted, residual, err
}

// AcceptBidRequest is the parameter set for AcceptBid.
type AcceptBidRequest struct {
	BidID        string
	Seller       string
	SellerOrigin string

	Energy    *decimal.Decimal
	TradeRate *decimal.Decimal

	AlreadyTracked bool
}

// AcceptBid executes a trade against a bid on behalf of a seller, with the
// same full/partial semantics as AcceptOffer (bid-split event before the
// trade event, transactional rollback on failure).
func (m *Market) AcceptBid(req AcceptBidRequest) (Trade, error) {
	if m.ReadOnly {
		return Trade{}, ErrReadOnlyMarket
	}
	original, ok := m.bids[req.BidID]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrBidNotFound, req.BidID)
	}
	delete(m.bids, req.BidID)

	restore := func(err error) (Trade, error) {
		m.bids[original.ID] = original
		return Trade{}, err
	}

	if req.Seller == original.Buyer {
		return restore(fmt.Errorf("%w: buyer %s cannot sell into its own bid",
			ErrInvalidTrade, original.Buyer))
	}

	energy := original.Energy
	if req.Energy != nil {
		energy = *req.Energy
	}
	tradeRate := original.EnergyRate()
	if req.TradeRate != nil {
		tradeRate = *req.TradeRate
	}
	switch {
	case energy.Sign() <= 0:
		return restore(fmt.Errorf("%w: energy must be positive, got %s", ErrInvalidTrade, energy))
	case energy.GreaterThan(original.Energy):
		return restore(fmt.Errorf("%w: energy %s exceeds bid energy %s",
			ErrInvalidTrade, energy, original.Energy))
	}

	origBidPrice := original.OriginalPrice
	bid := original
	var residual *Bid
	fee := decimal.Zero
	var tradePrice decimal.Decimal

	if energy.LessThan(original.Energy) {
		// Partial fill: never trade above the bid's own rate.
		if tradeRate.Sub(RateTolerance).GreaterThan(original.EnergyRate()) {
			return restore(fmt.Errorf("%w: trade rate %s above bid rate %s",
				ErrInvalidTrade, tradeRate, original.EnergyRate()))
		}
		accepted, res, err := m.SplitBid(original, energy, origBidPrice)
		if err != nil {
			return Trade{}, err
		}
		if req.AlreadyTracked {
			tradePrice = energy.Mul(tradeRate)
		} else {
			portion := energy.Div(original.Energy)
			fee, tradePrice = m.fee.TradeFee(energy, tradeRate, portion, origBidPrice)
		}
		if req.TradeRate == nil {
			// Settle at the fragment's exact book price instead of
			// re-multiplying the possibly rounded rate.
			tradePrice = accepted.Price
		}
		bid = accepted
		bid.Price = tradePrice
		residual = &res
	} else {
		if req.AlreadyTracked {
			tradePrice = energy.Mul(tradeRate)
		} else {
			fee, tradePrice = m.fee.TradeFee(energy, tradeRate, decimal.NewFromInt(1), origBidPrice)
		}
		if req.TradeRate == nil {
			tradePrice = original.Price
		}
		bid.Price = tradePrice
	}

	delete(m.bids, bid.ID)

	trade := Trade{
		ID:           uuid.New().String(),
		CreationTime: m.now(),
		Bid:          &bid,
		Seller:       req.Seller,
		Buyer:        bid.Buyer,
		SellerOrigin: req.SellerOrigin,
		BuyerOrigin:  bid.BuyerOrigin,
		ResidualBid:  residual,
		TradedEnergy: energy,
		TradePrice:   tradePrice,
		FeePrice:     fee,
		TimeSlot:     m.TimeSlot,
	}
	m.trades = append(m.trades, trade)

	if !req.AlreadyTracked {
		m.updateStatsAfterTrade(trade)
		slog.Info("bid trade executed", "market", m.Name, "trade", trade.String())
	}

	err := m.notify(Event{Kind: EventBidTraded, Trade: &trade})
	return trade, err
}

// GetBid returns a copy of the live bid with the given id.
func (m *Market) GetBid(id string) (Bid, bool) {
	b, ok := m.bids[id]
	return b, ok
}

// Bids returns a copy of the live bid book.
func (m *Market) Bids() map[string]Bid {
	out := make(map[string]Bid, len(m.bids))
	for id, b := range m.bids {
		out[id] = b
	}
	return out
}

// BidHistory returns every bid ever posted.
func (m *Market) BidHistory() []Bid {
	out := make([]Bid, len(m.bidHistory))
	copy(out, m.bidHistory)
	return out
}
