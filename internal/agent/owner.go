package agent

import "github.com/PinkDiamond1/gsy-e/internal/market"

// Owner represents one inter-area trading agent. It owns the engines for
// both directions of a market pair (and optionally the balancing pair of
// the same boundary) and fans market events out to them. Forwarded orders
// are posted under the Owner's name.
type Owner struct {
	Name    string
	engines []*Engine
}

func NewOwner(name string) *Owner {
	return &Owner{Name: name}
}

func (o *Owner) addEngine(e *Engine) {
	o.engines = append(o.engines, e)
}

// Engines returns the engines registered with this owner, in registration
// order.
func (o *Owner) Engines() []*Engine { return o.engines }

// UsableOffer reports whether an offer may be forwarded by any of this
// owner's engines. An offer that is itself the mirror created by a sibling
// engine must not be forwarded again or it would bounce between the two
// markets forever.
func (o *Owner) UsableOffer(offer market.Offer) bool {
	for _, e := range o.engines {
		if _, ok := e.forwarded[offer.ID]; ok {
			return false
		}
	}
	return true
}

// Propagate runs one forwarding pass on every engine.
func (o *Owner) Propagate(currentTick int) error {
	for _, e := range o.engines {
		if err := e.Propagate(currentTick); err != nil {
			return err
		}
	}
	return nil
}

// HandleEvent dispatches a market event to every engine. Both markets of
// each pair must be subscribed with the same owner listener so that trades
// and splits on either side reach the engines.
func (o *Owner) HandleEvent(evt market.Event) error {
	switch evt.Kind {
	case market.EventOfferTraded, market.EventBalancingTrade:
		if evt.Trade == nil {
			return nil
		}
		for _, e := range o.engines {
			if err := e.OnTrade(*evt.Trade); err != nil {
				return err
			}
		}
	case market.EventOfferDeleted, market.EventBalancingOfferDeleted:
		if evt.Offer == nil {
			return nil
		}
		for _, e := range o.engines {
			if err := e.OnOfferDeleted(*evt.Offer); err != nil {
				return err
			}
		}
	case market.EventOfferSplit, market.EventBalancingOfferSplit:
		if evt.OriginalOffer == nil || evt.AcceptedOffer == nil || evt.ResidualOffer == nil {
			return nil
		}
		for _, e := range o.engines {
			if err := e.OnOfferSplit(evt.MarketID, *evt.OriginalOffer, *evt.AcceptedOffer, *evt.ResidualOffer); err != nil {
				return err
			}
		}
	}
	return nil
}

// Listener adapts the owner to the market event listener signature.
func (o *Owner) Listener() market.Listener {
	return o.HandleEvent
}
