package market

import "github.com/google/uuid"

// SettlementInterface is the hook invoked for every executed trade before
// the trade record is assembled. A distributed-ledger backend can assign
// its own trade ids and rewrite the residual; the default implementation
// does neither.
type SettlementInterface interface {
	// HandleTrade returns the id for the new trade and the (possibly
	// replaced) residual offer.
	HandleTrade(offer Offer, buyer string, original Offer, residual *Offer) (string, *Offer)
}

// LocalSettlement is the default, ledger-less settlement hook: it generates
// a local unique trade id and passes the residual through unchanged.
type LocalSettlement struct{}

func (LocalSettlement) HandleTrade(_ Offer, _ string, _ Offer, residual *Offer) (string, *Offer) {
	return uuid.New().String(), residual
}
