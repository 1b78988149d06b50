// Package report persists completed trades for post-run analysis. The
// simulation core stays synchronous and in-memory; recording happens on
// the market event stream so a slow sink never holds a book lock.
package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PinkDiamond1/gsy-e/internal/market"
)

// TradeRecord is the flattened, sink-agnostic form of a trade.
type TradeRecord struct {
	ID           string
	MarketName   string
	TimeSlot     time.Time
	Seller       string
	Buyer        string
	SellerOrigin string
	BuyerOrigin  string
	Energy       decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
	Rate         decimal.Decimal
	Balancing    bool
	RecordedAt   time.Time
}

// Recorder is a sink for trade records.
type Recorder interface {
	RecordTrade(ctx context.Context, rec TradeRecord) error
	TradesByMarket(ctx context.Context, marketName string) ([]TradeRecord, error)
}

func recordFromEvent(evt market.Event, now time.Time) (TradeRecord, bool) {
	if evt.Trade == nil {
		return TradeRecord{}, false
	}
	t := evt.Trade
	return TradeRecord{
		ID:           t.ID,
		MarketName:   evt.MarketName,
		TimeSlot:     evt.TimeSlot,
		Seller:       t.Seller,
		Buyer:        t.Buyer,
		SellerOrigin: t.SellerOrigin,
		BuyerOrigin:  t.BuyerOrigin,
		Energy:       t.TradedEnergy,
		Price:        t.TradePrice,
		Fee:          t.FeePrice,
		Rate:         t.Rate(),
		Balancing:    evt.Kind == market.EventBalancingTrade,
		RecordedAt:   now,
	}, true
}

// Listener adapts a Recorder to the market event stream. Only trade
// events are recorded; everything else passes through untouched.
func Listener(ctx context.Context, rec Recorder) market.Listener {
	return func(evt market.Event) error {
		switch evt.Kind {
		case market.EventOfferTraded, market.EventBidTraded, market.EventBalancingTrade:
			r, ok := recordFromEvent(evt, time.Now())
			if !ok {
				return nil
			}
			return rec.RecordTrade(ctx, r)
		}
		return nil
	}
}
