// Package agent implements the inter-market forwarding engines that make a
// pair of adjacent markets behave as one exchange: eligible offers of the
// source market are mirrored into the target market, and trade, delete and
// split events on either side are reconciled onto the other.
//
// Engines hold only ids and copies of order data, never live references
// into a book. Benign races (an offer gone by the time of reconciliation)
// are absorbed; directional invariant violations abort the simulation step.
package agent

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/PinkDiamond1/gsy-e/internal/market"
)

// ErrForwardingInvariant marks programming-error-level inconsistencies in
// the forwarding state: self-forwarding, a broken rate ordering, or an
// unknown trade-id combination. These must stop the simulation step;
// continuing would corrupt the global conservation invariants.
var ErrForwardingInvariant = errors.New("agent: forwarding invariant violated")

// OfferInfo pairs the copy of a source-market offer with the copy of its
// mirror in the target market.
type OfferInfo struct {
	Source market.Offer
	Target market.Offer
}

type postFunc func(e *Engine, offer market.Offer) (market.Offer, error)

// Engine forwards offers from a source market into a target market and
// keeps the two books consistent. One Engine covers one direction of one
// market pair; the two directions of an area boundary share an Owner.
type Engine struct {
	Name        string
	Source      *market.Market
	Target      *market.Market
	MinOfferAge int

	owner *Owner
	post  postFunc

	// offerAge maps source offer id to the tick it was first seen.
	offerAge map[string]int
	// forwarded is reachable from both the source and the target offer
	// id; both keys are always added and removed together.
	forwarded map[string]OfferInfo
}

func newEngine(name string, source, target *market.Market, minOfferAge int, owner *Owner, post postFunc) *Engine {
	e := &Engine{
		Name:        name,
		Source:      source,
		Target:      target,
		MinOfferAge: minOfferAge,
		owner:       owner,
		post:        post,
		offerAge:    make(map[string]int),
		forwarded:   make(map[string]OfferInfo),
	}
	owner.addEngine(e)
	return e
}

// NewEngine creates a spot-market forwarding engine. The mirror's price is
// the source offer's rate adjusted by the target market's fee policy.
func NewEngine(name string, source, target *market.Market, minOfferAge int, owner *Owner) *Engine {
	return newEngine(name, source, target, minOfferAge, owner, postSpotOffer)
}

// NewBalancingEngine creates a forwarding engine for balancing markets:
// mirrors go through the balancing submission path with the registry gate
// bypassed, price carried over unchanged.
func NewBalancingEngine(name string, source, target *market.Market, minOfferAge int, owner *Owner) *Engine {
	return newEngine(name, source, target, minOfferAge, owner, postBalancingOffer)
}

func postSpotOffer(e *Engine, offer market.Offer) (market.Offer, error) {
	rate := e.Target.FeePolicy().ForwardedOfferRate(offer.EnergyRate(), offer.OriginalRate())
	origPrice := offer.OriginalPrice
	return e.Target.PostOffer(market.OfferRequest{
		Price:         rate.Mul(offer.Energy),
		Energy:        offer.Energy,
		Seller:        e.owner.Name,
		SellerOrigin:  offer.SellerOrigin,
		OriginalPrice: &origPrice,
		FromAgent:     true,
		Attributes:    offer.Attributes,
		Requirements:  offer.Requirements,
	})
}

func postBalancingOffer(e *Engine, offer market.Offer) (market.Offer, error) {
	return e.Target.PostOffer(market.OfferRequest{
		Price:        offer.Price,
		Energy:       offer.Energy,
		Seller:       e.owner.Name,
		SellerOrigin: offer.SellerOrigin,
		FromAgent:    true,
	})
}

// Propagate records first-seen ticks for new source offers and forwards
// every tracked offer whose age has reached MinOfferAge. Offers that have
// left the source book or belong to the counterpart engine are dropped
// from tracking; offers whose fee-adjusted price would be negative are
// skipped and retried on a later tick.
func (e *Engine) Propagate(currentTick int) error {
	for id := range e.Source.Offers() {
		if _, ok := e.offerAge[id]; !ok {
			e.offerAge[id] = currentTick
		}
	}

	// Forwarding can trigger trades that mutate offerAge, so walk a
	// snapshot.
	type aged struct {
		id  string
		age int
	}
	pending := make([]aged, 0, len(e.offerAge))
	for id, age := range e.offerAge {
		pending = append(pending, aged{id, age})
	}

	for _, p := range pending {
		if _, ok := e.forwarded[p.id]; ok {
			continue
		}
		if currentTick-p.age < e.MinOfferAge {
			continue
		}
		offer, ok := e.Source.GetOffer(p.id)
		if !ok {
			// Offer has gone; a forward earlier in this loop may
			// already have consumed it.
			delete(e.offerAge, p.id)
			continue
		}
		if !e.owner.UsableOffer(offer) {
			// Counterpart engine's own mirror; forwarding it back
			// would loop.
			delete(e.offerAge, p.id)
			continue
		}
		if offer.Seller == e.owner.Name {
			return fmt.Errorf("%w: offer %s would be forwarded back to its own seller %s",
				ErrForwardingInvariant, offer.ID, offer.Seller)
		}
		fwd, err := e.Forward(offer)
		if err != nil {
			return err
		}
		if fwd != nil {
			slog.Debug("offer forwarded", "engine", e.Name,
				"source", offer.String(), "target", fwd.String())
		}
	}
	return nil
}

// Forward mirrors a single source offer into the target market under the
// owner's identity, preserving the seller origin, and records the pair.
// Returns nil without a record when the target rejects the offer, e.g.
// when grid fees would make the price negative.
func (e *Engine) Forward(offer market.Offer) (*market.Offer, error) {
	if offer.Price.Sign() < 0 {
		slog.Debug("offer not forwarded, price below zero", "engine", e.Name, "offer", offer.ID)
		return nil, nil
	}
	fwd, err := e.post(e, offer)
	if err != nil {
		if errors.Is(err, market.ErrInvalidOffer) || errors.Is(err, market.ErrReadOnlyMarket) {
			slog.Debug("offer not forwarded, target market rejected it",
				"engine", e.Name, "offer", offer.ID, "err", err)
			return nil, nil
		}
		return nil, err
	}
	e.addForwarded(offer, fwd)
	return &fwd, nil
}

// OnTrade reconciles a trade that consumed either side of a forwarded
// pair. A target-side trade buys back the matching quantity on the source
// offer at the fee-corrected rate; a source-side trade deletes the now
// orphaned mirror in the target market.
func (e *Engine) OnTrade(trade market.Trade) error {
	if trade.Offer == nil {
		return nil
	}
	info, ok := e.forwarded[trade.Offer.ID]
	if !ok {
		// Trade doesn't concern us.
		return nil
	}

	switch trade.Offer.ID {
	case info.Target.ID:
		// Mirror was bought in the target market; buy in the source.
		sourceRate := info.Source.EnergyRate()
		targetRate := info.Target.EnergyRate()
		if sourceRate.Abs().GreaterThan(targetRate.Abs().Add(market.RateTolerance)) {
			return fmt.Errorf("%w: source rate %s exceeds target rate %s for offer %s",
				ErrForwardingInvariant, sourceRate, targetRate, info.Source.ID)
		}

		// Subtract the target market's fee so the source-side trade
		// settles at the pre-fee rate.
		tradeRate := trade.Offer.EnergyRate().Sub(trade.FeePrice.Div(trade.Offer.Energy))
		energy := trade.TradedEnergy

		srcTrade, err := e.Source.AcceptOffer(market.AcceptOfferRequest{
			OfferID:     info.Source.ID,
			Buyer:       e.owner.Name,
			BuyerOrigin: trade.BuyerOrigin,
			Energy:      &energy,
			TradeRate:   &tradeRate,
		})
		if err != nil {
			return err
		}
		slog.Debug("forwarded offer bought back", "engine", e.Name, "trade", srcTrade.String())

		e.removeForwarded(info)
		delete(e.offerAge, info.Source.ID)

	case info.Source.ID:
		// Original was bought in the source market by another party;
		// retract the orphaned mirror. The mirror may already be gone.
		if err := e.Target.DeleteOffer(info.Target.ID); err != nil &&
			!errors.Is(err, market.ErrOfferNotFound) {
			slog.Error("error deleting forwarded offer", "engine", e.Name, "err", err)
		}
		e.removeForwarded(info)
		delete(e.offerAge, info.Source.ID)

	default:
		return fmt.Errorf("%w: trade id %s matches a forward record through neither side",
			ErrForwardingInvariant, trade.Offer.ID)
	}
	return nil
}

// OnOfferDeleted drops the age entry of a deleted source offer and, if the
// offer had a live mirror, retracts the mirror and the forward record.
func (e *Engine) OnOfferDeleted(offer market.Offer) error {
	delete(e.offerAge, offer.ID)

	info, ok := e.forwarded[offer.ID]
	if !ok || info.Source.ID != offer.ID {
		// Deletion doesn't concern us, or the mirror itself was
		// deleted, which OnTrade handles on the source side.
		return nil
	}
	if err := e.Target.DeleteOffer(info.Target.ID); err != nil &&
		!errors.Is(err, market.ErrOfferNotFound) {
		slog.Error("error deleting forwarded offer", "engine", e.Name, "err", err)
		return nil
	}
	e.removeForwarded(info)
	return nil
}

// OnOfferSplit mirrors a split that happened in either market onto the
// paired market's corresponding offer and rewires the forward records to
// the two new fragments.
func (e *Engine) OnOfferSplit(marketID string, original, accepted, residual market.Offer) error {
	if _, ok := e.forwarded[accepted.ID]; !ok {
		return nil
	}
	info, ok := e.forwarded[original.ID]
	if !ok {
		return nil
	}

	switch marketID {
	case e.Target.ID:
		// Split happened in the target market; mirror it in the source.
		local := info.Source
		localAccepted, localResidual, err := e.Source.SplitOffer(local, accepted.Energy, local.OriginalPrice)
		if err != nil {
			return err
		}
		e.addForwarded(localResidual, residual)
		e.addForwarded(localAccepted, accepted)

		if age, tracked := e.offerAge[info.Source.ID]; tracked {
			delete(e.offerAge, info.Source.ID)
			e.offerAge[localResidual.ID] = age
		}
		slog.Debug("mirrored target-side split", "engine", e.Name,
			"original", local.String(), "accepted", localAccepted.String(), "residual", localResidual.String())

	case e.Source.ID:
		// Split happened in the source market; mirror it in the target.
		if !e.owner.UsableOffer(accepted) || accepted.Seller == e.owner.Name {
			return nil
		}
		local := info.Target
		localAccepted, localResidual, err := e.Target.SplitOffer(local, accepted.Energy, local.OriginalPrice)
		if err != nil {
			return err
		}
		e.addForwarded(residual, localResidual)
		e.addForwarded(accepted, localAccepted)

		if age, tracked := e.offerAge[original.ID]; tracked {
			delete(e.offerAge, original.ID)
			e.offerAge[residual.ID] = age
		}
		slog.Debug("mirrored source-side split", "engine", e.Name,
			"original", local.String(), "accepted", localAccepted.String(), "residual", localResidual.String())
	}
	return nil
}

// ForwardedCount reports the number of live forward records (one per
// offer pair).
func (e *Engine) ForwardedCount() int { return len(e.forwarded) / 2 }

// Tracked reports whether an offer id currently has a forward record.
func (e *Engine) Tracked(offerID string) bool {
	_, ok := e.forwarded[offerID]
	return ok
}

// TrackedAge reports whether an offer id has an age entry.
func (e *Engine) TrackedAge(offerID string) bool {
	_, ok := e.offerAge[offerID]
	return ok
}

func (e *Engine) addForwarded(source, target market.Offer) {
	info := OfferInfo{Source: source, Target: target}
	e.forwarded[source.ID] = info
	e.forwarded[target.ID] = info
}

func (e *Engine) removeForwarded(info OfferInfo) {
	delete(e.forwarded, info.Source.ID)
	delete(e.forwarded, info.Target.ID)
}
