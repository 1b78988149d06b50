package market

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/PinkDiamond1/gsy-e/internal/fees"
)

// Validator vets the price/energy of an incoming order beyond the basic
// policy checks, e.g. enforcing a rate band. A nil validator accepts
// everything the policy accepts.
type Validator func(price, energy decimal.Decimal) error

// Config carries the construction parameters shared by all market variants.
// Zero values select sensible defaults: a zero constant fee, local
// settlement, and wall-clock time.
type Config struct {
	Name       string
	TimeSlot   time.Time
	Fee        fees.Policy
	Settlement SettlementInterface
	Validator  Validator
	Now        func() time.Time
}

// Market is one order book for a single (grid area, time slot) pair. The
// same mechanics serve spot, settlement and balancing books; the variant
// differences are captured by the OrderPolicy. Markets are not safe for
// concurrent use: the simulation driver owns each instance exclusively for
// the duration of a tick.
type Market struct {
	ID       string
	Name     string
	TimeSlot time.Time
	ReadOnly bool

	fee        fees.Policy
	policy     OrderPolicy
	settlement SettlementInterface
	validator  Validator
	now        func() time.Time
	twoSided   bool

	offers     map[string]Offer
	offerOrder []string // insertion order of offer ids, for stable tie-breaks
	bids       map[string]Bid

	offerHistory []Offer
	bidHistory   []Bid
	trades       []Trade

	tradedEnergy           map[string]decimal.Decimal
	accumulatedTradePrice  decimal.Decimal
	accumulatedTradeEnergy decimal.Decimal

	// balancing aggregates, split by supply (positive) and demand
	// (negative) traded energy
	accumulatedSupplyPrice  decimal.Decimal
	accumulatedSupplyEnergy decimal.Decimal
	accumulatedDemandPrice  decimal.Decimal
	accumulatedDemandEnergy decimal.Decimal

	listeners []Listener
}

func newMarket(cfg Config, policy OrderPolicy, twoSided bool) *Market {
	if cfg.Fee == nil {
		cfg.Fee = fees.NewConstant(decimal.Zero)
	}
	if cfg.Settlement == nil {
		cfg.Settlement = LocalSettlement{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Market{
		ID:           uuid.New().String(),
		Name:         cfg.Name,
		TimeSlot:     cfg.TimeSlot,
		fee:          cfg.Fee,
		policy:       policy,
		settlement:   cfg.Settlement,
		validator:    cfg.Validator,
		now:          cfg.Now,
		twoSided:     twoSided,
		offers:       make(map[string]Offer),
		tradedEnergy: make(map[string]decimal.Decimal),
	}
	if twoSided {
		m.bids = make(map[string]Bid)
	}
	return m
}

// NewOneSided creates a spot market holding offers only.
func NewOneSided(cfg Config) *Market {
	return newMarket(cfg, SpotPolicy{}, false)
}

// NewTwoSided creates a spot market holding both offers and bids.
func NewTwoSided(cfg Config) *Market {
	return newMarket(cfg, SpotPolicy{}, true)
}

// NewSettlement creates a two-sided market used for post-delivery
// settlement of energy deviations. Mechanically identical to a two-sided
// spot market.
func NewSettlement(cfg Config) *Market {
	return newMarket(cfg, SpotPolicy{}, true)
}

// NewBalancing creates a balancing market: one-sided, signed energy,
// submissions gated through the device registry.
func NewBalancing(cfg Config, registry DeviceRegistry) *Market {
	return newMarket(cfg, BalancingPolicy{Registry: registry}, false)
}

// FeePolicy returns the market's grid-fee policy. Forwarding engines use
// it to re-derive fee-adjusted prices for this market.
func (m *Market) FeePolicy() fees.Policy { return m.fee }

// Balancing reports whether this is a balancing book.
func (m *Market) Balancing() bool { return m.policy.Balancing() }

// AddListener registers a notification listener. Listeners are invoked
// synchronously, in registration order.
func (m *Market) AddListener(l Listener) {
	m.listeners = append(m.listeners, l)
}

func (m *Market) notify(evt Event) error {
	evt.MarketID = m.ID
	evt.MarketName = m.Name
	evt.TimeSlot = m.TimeSlot
	for _, l := range m.listeners {
		if err := l(evt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Market) offerEventKind(spot, balancing EventKind) EventKind {
	if m.policy.Balancing() {
		return balancing
	}
	return spot
}

// --- Offer submission ---

// OfferRequest is the parameter set for PostOffer. Zero values select the
// defaults: a fresh uuid id, OriginalPrice equal to the requested price,
// no fee adaptation, event dispatch and history recording enabled.
type OfferRequest struct {
	Price        decimal.Decimal
	Energy       decimal.Decimal
	Seller       string
	SellerOrigin string

	OfferID       string
	OriginalPrice *decimal.Decimal

	// AdaptPriceWithFees adds this market's grid fee to the requested
	// price before the offer enters the book. Forwarded and residual
	// offers arrive with fees already folded in and leave this false.
	AdaptPriceWithFees bool

	// FromAgent marks submissions originating from a forwarding engine,
	// which bypass the balancing-market registry gate.
	FromAgent bool

	SuppressEvent bool
	SkipHistory   bool

	Attributes   map[string]any
	Requirements []map[string]any
}

// PostOffer validates and stores a new offer, appends it to the offer
// history and emits an offer-created event.
func (m *Market) PostOffer(req OfferRequest) (Offer, error) {
	if err := m.policy.CheckSubmission(req.Seller, req.FromAgent); err != nil {
		return Offer{}, err
	}
	if m.ReadOnly {
		return Offer{}, ErrReadOnlyMarket
	}
	if err := m.policy.ValidateOfferEnergy(req.Energy); err != nil {
		return Offer{}, err
	}
	if m.validator != nil {
		if err := m.validator(req.Price, req.Energy); err != nil {
			return Offer{}, fmt.Errorf("%w: %v", ErrInvalidOffer, err)
		}
	}

	originalPrice := req.Price
	if req.OriginalPrice != nil {
		originalPrice = *req.OriginalPrice
	}

	price := req.Price
	if req.AdaptPriceWithFees {
		price = m.fee.AdaptedOfferPrice(price, req.Energy)
	}
	if price.Sign() < 0 && req.Energy.Sign() > 0 {
		return Offer{}, fmt.Errorf("%w: negative price %s after grid fees",
			ErrInvalidOffer, price)
	}

	id := req.OfferID
	if id == "" {
		id = uuid.New().String()
	}

	offer := Offer{
		ID:            id,
		CreationTime:  m.now(),
		Price:         price,
		Energy:        req.Energy,
		Seller:        req.Seller,
		SellerOrigin:  req.SellerOrigin,
		OriginalPrice: originalPrice,
		Attributes:    req.Attributes,
		Requirements:  req.Requirements,
		TimeSlot:      m.TimeSlot,
	}

	if _, exists := m.offers[id]; !exists {
		m.offerOrder = append(m.offerOrder, id)
	}
	m.offers[id] = offer
	if !req.SkipHistory {
		m.offerHistory = append(m.offerHistory, offer)
	}
	slog.Debug("offer posted", "market", m.Name, "offer", offer.String())

	if !req.SuppressEvent {
		kind := m.offerEventKind(EventOfferCreated, EventBalancingOfferCreated)
		if err := m.notify(Event{Kind: kind, Offer: &offer}); err != nil {
			return offer, err
		}
	}
	return offer, nil
}

// DeleteOffer removes an offer from the book and emits a deletion event.
// Deleting a stale id fails with ErrOfferNotFound; deletion never succeeds
// twice for the same id.
func (m *Market) DeleteOffer(offerID string) error {
	if m.ReadOnly {
		return ErrReadOnlyMarket
	}
	offer, ok := m.offers[offerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
	}
	delete(m.offers, offerID)
	slog.Debug("offer deleted", "market", m.Name, "offer", offer.String())

	kind := m.offerEventKind(EventOfferDeleted, EventBalancingOfferDeleted)
	return m.notify(Event{Kind: kind, Offer: &offer})
}

// --- Splitting ---

// SplitOffer replaces an offer with two new ones: an accepted fragment for
// the traded quantity, reusing the original id so external forwarders keep
// a stable handle, and a residual fragment under a fresh id. Prices are
// apportioned linearly by energy share; the residual's original (pre-fee)
// price is derived from origOfferPrice so fees are recomputed once per
// fragment rather than compounding. A split event is emitted after both
// fragments are in the book.
func (m *Market) SplitOffer(original Offer, energy decimal.Decimal, origOfferPrice decimal.Decimal) (Offer, Offer, error) {
	delete(m.offers, original.ID)

	portion := energy.Div(original.Energy)
	accepted, err := m.PostOffer(OfferRequest{
		OfferID:       original.ID,
		Price:         original.Price.Mul(portion),
		Energy:        energy,
		Seller:        original.Seller,
		SellerOrigin:  original.SellerOrigin,
		FromAgent:     true,
		SuppressEvent: true,
		Attributes:    original.Attributes,
		Requirements:  original.Requirements,
	})
	if err != nil {
		m.offers[original.ID] = original
		return Offer{}, Offer{}, err
	}

	residualPortion := decimal.NewFromInt(1).Sub(portion)
	residualOriginal := origOfferPrice.Mul(residualPortion)
	residual, err := m.PostOffer(OfferRequest{
		Price:         original.Price.Mul(residualPortion),
		Energy:        original.Energy.Sub(energy),
		Seller:        original.Seller,
		SellerOrigin:  original.SellerOrigin,
		OriginalPrice: &residualOriginal,
		FromAgent:     true,
		SuppressEvent: true,
		Attributes:    original.Attributes,
		Requirements:  original.Requirements,
	})
	if err != nil {
		delete(m.offers, accepted.ID)
		m.offers[original.ID] = original
		return Offer{}, Offer{}, err
	}

	slog.Debug("offer split", "market", m.Name,
		"original", original.String(), "accepted", accepted.String(), "residual", residual.String())

	kind := m.offerEventKind(EventOfferSplit, EventBalancingOfferSplit)
	err = m.notify(Event{
		Kind:          kind,
		OriginalOffer: &original,
		AcceptedOffer: &accepted,
		ResidualOffer: &residual,
	})
	return accepted, residual, err
}

// --- Acceptance ---

// AcceptOfferRequest is the parameter set for AcceptOffer. A nil Energy
// accepts the full offer; a nil TradeRate trades at the offer's rate.
type AcceptOfferRequest struct {
	OfferID     string
	Buyer       string
	BuyerOrigin string

	Energy    *decimal.Decimal
	TradeRate *decimal.Decimal

	// AlreadyTracked marks trades that were already counted on the paired
	// market of a forwarding engine: statistics are not updated again and
	// the trade price is energy*rate with no second fee application.
	AlreadyTracked bool
}

// AcceptOffer executes a trade against an offer. Full acceptance removes
// the offer; partial acceptance splits it first (split event before trade
// event). On any validation failure the book is restored to its exact
// prior state before the error is returned.
func (m *Market) AcceptOffer(req AcceptOfferRequest) (Trade, error) {
	if m.ReadOnly {
		return Trade{}, ErrReadOnlyMarket
	}
	original, ok := m.offers[req.OfferID]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrOfferNotFound, req.OfferID)
	}
	delete(m.offers, req.OfferID)

	restore := func(err error) (Trade, error) {
		m.offers[original.ID] = original
		return Trade{}, err
	}

	if req.Buyer == original.Seller {
		return restore(fmt.Errorf("%w: seller %s cannot buy its own offer",
			ErrInvalidTrade, original.Seller))
	}

	energy := original.Energy
	if req.Energy != nil {
		energy = *req.Energy
	}
	tradeRate := original.EnergyRate()
	if req.TradeRate != nil {
		tradeRate = *req.TradeRate
	}
	if err := m.policy.ValidateAcceptedEnergy(original, energy); err != nil {
		return restore(err)
	}

	origOfferPrice := original.OriginalPrice
	offer := original
	var residual *Offer
	fee := decimal.Zero
	var tradePrice decimal.Decimal

	if energy.Abs().LessThan(original.Energy.Abs()) {
		// Partial fill: never trade below the offer's own rate.
		if tradeRate.Add(RateTolerance).LessThan(original.EnergyRate()) {
			return restore(fmt.Errorf("%w: trade rate %s below offer rate %s",
				ErrInvalidTrade, tradeRate, original.EnergyRate()))
		}
		accepted, res, err := m.SplitOffer(original, energy, origOfferPrice)
		if err != nil {
			return Trade{}, err
		}
		if req.AlreadyTracked {
			tradePrice = energy.Mul(tradeRate)
		} else {
			portion := energy.Div(original.Energy)
			fee, tradePrice = m.fee.TradeFee(energy, tradeRate, portion, origOfferPrice)
		}
		if req.TradeRate == nil {
			// Pay-as-offer: settle at the fragment's exact book price
			// instead of re-multiplying the possibly rounded rate.
			tradePrice = accepted.Price
		}
		offer = accepted
		offer.Price = tradePrice
		residual = &res
	} else {
		if req.AlreadyTracked {
			tradePrice = energy.Mul(tradeRate)
		} else {
			fee, tradePrice = m.fee.TradeFee(energy, tradeRate, decimal.NewFromInt(1), origOfferPrice)
		}
		if req.TradeRate == nil {
			tradePrice = original.Price
		}
		offer.Price = tradePrice
	}

	// The accepted fragment was re-inserted under the original id by
	// SplitOffer; consume it now.
	delete(m.offers, offer.ID)

	tradeID, residual := m.settlement.HandleTrade(offer, req.Buyer, original, residual)
	trade := Trade{
		ID:           tradeID,
		CreationTime: m.now(),
		Offer:        &offer,
		Seller:       offer.Seller,
		Buyer:        req.Buyer,
		SellerOrigin: offer.SellerOrigin,
		BuyerOrigin:  req.BuyerOrigin,
		Residual:     residual,
		TradedEnergy: energy,
		TradePrice:   tradePrice,
		FeePrice:     fee,
		TimeSlot:     m.TimeSlot,
	}
	m.trades = append(m.trades, trade)

	if !req.AlreadyTracked {
		m.updateStatsAfterTrade(trade)
		slog.Info("trade executed", "market", m.Name, "trade", trade.String())
	}

	kind := m.offerEventKind(EventOfferTraded, EventBalancingTrade)
	err := m.notify(Event{Kind: kind, Trade: &trade})
	return trade, err
}

func (m *Market) updateStatsAfterTrade(trade Trade) {
	m.tradedEnergy[trade.Seller] = m.tradedEnergy[trade.Seller].Add(trade.TradedEnergy)
	m.tradedEnergy[trade.Buyer] = m.tradedEnergy[trade.Buyer].Sub(trade.TradedEnergy)
	m.accumulatedTradePrice = m.accumulatedTradePrice.Add(trade.TradePrice)
	m.accumulatedTradeEnergy = m.accumulatedTradeEnergy.Add(trade.TradedEnergy)

	if m.policy.Balancing() {
		switch trade.TradedEnergy.Sign() {
		case 1:
			m.accumulatedSupplyPrice = m.accumulatedSupplyPrice.Add(trade.TradePrice)
			m.accumulatedSupplyEnergy = m.accumulatedSupplyEnergy.Add(trade.TradedEnergy)
		case -1:
			m.accumulatedDemandPrice = m.accumulatedDemandPrice.Add(trade.TradePrice)
			m.accumulatedDemandEnergy = m.accumulatedDemandEnergy.Add(trade.TradedEnergy.Abs())
		}
	}
}

// --- Queries ---

// GetOffer returns a copy of the live offer with the given id.
func (m *Market) GetOffer(id string) (Offer, bool) {
	o, ok := m.offers[id]
	return o, ok
}

// Offers returns a copy of the live offer book.
func (m *Market) Offers() map[string]Offer {
	out := make(map[string]Offer, len(m.offers))
	for id, o := range m.offers {
		out[id] = o
	}
	return out
}

// OpenOffers returns the live offers in insertion order.
func (m *Market) OpenOffers() []Offer { return m.liveOffersInOrder() }

// Trades returns the chronological trade log.
func (m *Market) Trades() []Trade {
	out := make([]Trade, len(m.trades))
	copy(out, m.trades)
	return out
}

// OfferHistory returns every offer ever posted, including consumed ones.
func (m *Market) OfferHistory() []Offer {
	out := make([]Offer, len(m.offerHistory))
	copy(out, m.offerHistory)
	return out
}

// TradedEnergy returns the net traded energy per identity: positive for
// net sellers, negative for net buyers. The values sum to zero.
func (m *Market) TradedEnergy() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m.tradedEnergy))
	for name, e := range m.tradedEnergy {
		out[name] = e
	}
	return out
}

// TradedEnergyOf returns the net traded energy of one identity.
func (m *Market) TradedEnergyOf(name string) decimal.Decimal {
	return m.tradedEnergy[name]
}

// BoughtEnergy returns the total energy bought by an identity.
func (m *Market) BoughtEnergy(buyer string) decimal.Decimal {
	total := decimal.Zero
	for _, t := range m.trades {
		if t.Buyer == buyer {
			total = total.Add(t.TradedEnergy)
		}
	}
	return total
}

// SoldEnergy returns the total energy sold by an identity.
func (m *Market) SoldEnergy(seller string) decimal.Decimal {
	total := decimal.Zero
	for _, t := range m.trades {
		if t.Seller == seller {
			total = total.Add(t.TradedEnergy)
		}
	}
	return total
}

// AvgOfferPrice returns the energy-weighted average rate of the live
// offers, rounded to four places. Zero for an empty book.
func (m *Market) AvgOfferPrice() decimal.Decimal {
	price := decimal.Zero
	energy := decimal.Zero
	for _, o := range m.offers {
		price = price.Add(o.Price)
		energy = energy.Add(o.Energy)
	}
	if energy.IsZero() {
		return decimal.Zero
	}
	return price.Div(energy).Round(4)
}

// AvgTradePrice returns the energy-weighted average rate over all trades,
// rounded to four places.
func (m *Market) AvgTradePrice() decimal.Decimal {
	if m.accumulatedTradeEnergy.IsZero() {
		return decimal.Zero
	}
	return m.accumulatedTradePrice.Div(m.accumulatedTradeEnergy).Round(4)
}

// AvgSupplyBalancingRate returns the average rate of positive-energy
// balancing trades.
func (m *Market) AvgSupplyBalancingRate() decimal.Decimal {
	if m.accumulatedSupplyEnergy.IsZero() {
		return decimal.Zero
	}
	return m.accumulatedSupplyPrice.Div(m.accumulatedSupplyEnergy).Round(4)
}

// AvgDemandBalancingRate returns the average rate of negative-energy
// balancing trades.
func (m *Market) AvgDemandBalancingRate() decimal.Decimal {
	if m.accumulatedDemandEnergy.IsZero() {
		return decimal.Zero
	}
	return m.accumulatedDemandPrice.Div(m.accumulatedDemandEnergy).Round(4)
}

// SortedOffers returns the live offers ascending by energy rate, ties
// broken by insertion order.
func (m *Market) SortedOffers() []Offer {
	out := m.liveOffersInOrder()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].EnergyRate().LessThan(out[j].EnergyRate())
	})
	return out
}

// MostAffordableOffers returns the set of offers in the cheapest rate
// tier, i.e. all offers whose rate is within RateTolerance of the minimum.
func (m *Market) MostAffordableOffers() []Offer {
	live := m.liveOffersInOrder()
	if len(live) == 0 {
		return nil
	}
	cheapest := live[0].EnergyRate()
	for _, o := range live[1:] {
		if r := o.EnergyRate(); r.LessThan(cheapest) {
			cheapest = r
		}
	}
	var out []Offer
	for _, o := range live {
		if o.EnergyRate().Sub(cheapest).Abs().LessThanOrEqual(RateTolerance) {
			out = append(out, o)
		}
	}
	return out
}

func (m *Market) liveOffersInOrder() []Offer {
	out := make([]Offer, 0, len(m.offers))
	for _, id := range m.offerOrder {
		if o, ok := m.offers[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (m *Market) String() string {
	return fmt.Sprintf("<Market %s offers: %d bids: %d trades: %d>",
		m.Name, len(m.offers), len(m.bids), len(m.trades))
}
