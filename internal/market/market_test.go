package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/PinkDiamond1/gsy-e/internal/fees"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestMarket(t *testing.T) *Market {
	t.Helper()
	return NewOneSided(Config{Name: "test"})
}

func postOffer(t *testing.T, m *Market, price, energy float64, seller string) Offer {
	t.Helper()
	offer, err := m.PostOffer(OfferRequest{
		Price:        d(price),
		Energy:       d(energy),
		Seller:       seller,
		SellerOrigin: seller,
	})
	if err != nil {
		t.Fatalf("post offer: %v", err)
	}
	return offer
}

// --- Posting tests ---

func TestPostOffer(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")

	got, ok := m.GetOffer(offer.ID)
	if !ok {
		t.Fatal("offer not in book")
	}
	if !got.Price.Equal(d(20)) || !got.Energy.Equal(d(10)) || got.Seller != "A" {
		t.Errorf("stored offer differs: %s", got.String())
	}
	if !got.EnergyRate().Equal(d(2)) {
		t.Errorf("expected rate 2, got %s", got.EnergyRate())
	}
	if len(m.OfferHistory()) != 1 {
		t.Errorf("expected 1 history entry, got %d", len(m.OfferHistory()))
	}
}

func TestPostOffer_InvalidEnergy(t *testing.T) {
	m := newTestMarket(t)
	for _, energy := range []float64{0, -1} {
		_, err := m.PostOffer(OfferRequest{Price: d(10), Energy: d(energy), Seller: "A"})
		if !errors.Is(err, ErrInvalidOffer) {
			t.Errorf("energy %v: expected ErrInvalidOffer, got %v", energy, err)
		}
	}
}

func TestPostOffer_ReadOnly(t *testing.T) {
	m := newTestMarket(t)
	m.ReadOnly = true
	_, err := m.PostOffer(OfferRequest{Price: d(10), Energy: d(1), Seller: "A"})
	if !errors.Is(err, ErrReadOnlyMarket) {
		t.Errorf("expected ErrReadOnlyMarket, got %v", err)
	}
}

func TestPostOffer_FeeAdaptation(t *testing.T) {
	m := NewOneSided(Config{Name: "test", Fee: fees.NewConstant(d(0.5))})
	offer, err := m.PostOffer(OfferRequest{
		Price: d(20), Energy: d(10), Seller: "A", AdaptPriceWithFees: true,
	})
	if err != nil {
		t.Fatalf("post offer: %v", err)
	}
	if !offer.Price.Equal(d(25)) {
		t.Errorf("expected fee-adjusted price 25, got %s", offer.Price)
	}
	if !offer.OriginalPrice.Equal(d(20)) {
		t.Errorf("original price should stay 20, got %s", offer.OriginalPrice)
	}
}

// --- Deletion tests ---

func TestDeleteOffer(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")

	if err := m.DeleteOffer(offer.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := m.GetOffer(offer.ID); ok {
		t.Error("offer still in book after deletion")
	}
	if err := m.DeleteOffer(offer.ID); !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("second delete: expected ErrOfferNotFound, got %v", err)
	}
}

func TestDeleteOffer_ReadOnlyCheckedFirst(t *testing.T) {
	m := newTestMarket(t)
	m.ReadOnly = true
	if err := m.DeleteOffer("missing"); !errors.Is(err, ErrReadOnlyMarket) {
		t.Errorf("expected ErrReadOnlyMarket, got %v", err)
	}
}

// --- Acceptance tests ---

func TestAcceptOffer_Full(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")

	trade, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !trade.TradedEnergy.Equal(d(10)) || !trade.TradePrice.Equal(d(20)) {
		t.Errorf("unexpected trade %s", trade.String())
	}
	if trade.Residual != nil {
		t.Error("full acceptance should not leave a residual")
	}
	if _, ok := m.GetOffer(offer.ID); ok {
		t.Error("offer still in book after full acceptance")
	}
	if len(m.Trades()) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(m.Trades()))
	}
}

func TestAcceptOffer_FullOddEnergy(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 7, 956, "A")

	trade, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !trade.TradedEnergy.Equal(d(956)) {
		t.Errorf("expected traded energy 956, got %s", trade.TradedEnergy)
	}
	if !trade.TradePrice.Equal(d(7)) {
		t.Errorf("expected trade price 7, got %s", trade.TradePrice)
	}
}

func TestAcceptOffer_Partial(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")

	energy := d(5)
	trade, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B", Energy: &energy})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if trade.Offer.ID != offer.ID {
		t.Error("trade should consume the fragment under the original id")
	}
	if !trade.TradedEnergy.Equal(d(5)) || !trade.TradePrice.Equal(d(10)) {
		t.Errorf("unexpected trade %s", trade.String())
	}
	if trade.Residual == nil {
		t.Fatal("partial acceptance must leave a residual")
	}
	if trade.Residual.ID == offer.ID {
		t.Error("residual must get a fresh id")
	}
	if !trade.Residual.Energy.Equal(d(5)) || !trade.Residual.Price.Equal(d(10)) {
		t.Errorf("unexpected residual %s", trade.Residual.String())
	}
	if _, ok := m.GetOffer(trade.Residual.ID); !ok {
		t.Error("residual not in book")
	}
	if _, ok := m.GetOffer(offer.ID); ok {
		t.Error("accepted fragment still in book")
	}
}

func TestSplitOffer_Exactness(t *testing.T) {
	// An awkward portion must leave accepted + residual summing exactly
	// to the original, with no drift.
	m := newTestMarket(t)
	offer := postOffer(t, m, 7, 956, "A")

	accepted, residual, err := m.SplitOffer(offer, d(119.5), offer.OriginalPrice)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if total := accepted.Energy.Add(residual.Energy); !total.Equal(d(956)) {
		t.Errorf("energy not conserved across split: %s", total)
	}
	if total := accepted.Price.Add(residual.Price); !total.Equal(d(7)) {
		t.Errorf("price not conserved across split: %s", total)
	}
	if accepted.ID != offer.ID {
		t.Error("accepted fragment must keep the original id")
	}
}

func TestAcceptOffer_PartialConservation(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 8, "A") // rate 2.5

	energy := d(3)
	trade, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B", Energy: &energy})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if total := trade.TradedEnergy.Add(trade.Residual.Energy); !total.Equal(d(8)) {
		t.Errorf("energy not conserved: %s", total)
	}
	if total := trade.TradePrice.Add(trade.Residual.Price); !total.Equal(d(20)) {
		t.Errorf("price not conserved: %s", total)
	}
}

func TestAcceptOffer_NotFound(t *testing.T) {
	m := newTestMarket(t)
	_, err := m.AcceptOffer(AcceptOfferRequest{OfferID: "missing", Buyer: "B"})
	if !errors.Is(err, ErrOfferNotFound) {
		t.Errorf("expected ErrOfferNotFound, got %v", err)
	}
}

func TestAcceptOffer_SelfTrade(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")
	_, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "A"})
	if !errors.Is(err, ErrInvalidTrade) {
		t.Errorf("expected ErrInvalidTrade, got %v", err)
	}
	if _, ok := m.GetOffer(offer.ID); !ok {
		t.Error("offer must be restored after rejected self-trade")
	}
}

func TestAcceptOffer_ExcessEnergy(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")
	energy := d(11)
	_, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B", Energy: &energy})
	if !errors.Is(err, ErrInvalidTrade) {
		t.Errorf("expected ErrInvalidTrade, got %v", err)
	}
	if _, ok := m.GetOffer(offer.ID); !ok {
		t.Error("offer must be restored after rejected acceptance")
	}
}

func TestAcceptOffer_PartialBelowOfferRate(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")
	energy := d(5)
	rate := d(1.5)
	_, err := m.AcceptOffer(AcceptOfferRequest{
		OfferID: offer.ID, Buyer: "B", Energy: &energy, TradeRate: &rate,
	})
	if !errors.Is(err, ErrInvalidTrade) {
		t.Errorf("expected ErrInvalidTrade for rate below offer rate, got %v", err)
	}
	if got, ok := m.GetOffer(offer.ID); !ok || !got.Energy.Equal(d(10)) {
		t.Error("offer must be restored unchanged after rejected partial")
	}
}

func TestAcceptOffer_AlreadyTracked(t *testing.T) {
	// Trades already counted on the paired market: no fee, no stats.
	m := NewOneSided(Config{Name: "test", Fee: fees.NewConstant(d(1))})
	offer := postOffer(t, m, 20, 10, "A")

	trade, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B", AlreadyTracked: true})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !trade.FeePrice.IsZero() {
		t.Errorf("already-tracked trade must not charge a fee again, got %s", trade.FeePrice)
	}
	if !trade.TradePrice.Equal(d(20)) {
		t.Errorf("expected trade price 20, got %s", trade.TradePrice)
	}
	if !m.TradedEnergyOf("A").IsZero() || !m.TradedEnergyOf("B").IsZero() {
		t.Error("already-tracked trade must not update statistics")
	}
	if len(m.Trades()) != 1 {
		t.Error("already-tracked trade must still be logged")
	}
}

func TestAcceptOffer_AlreadyTrackedPartial(t *testing.T) {
	// The fee exemption must also hold for partial fills.
	m := NewOneSided(Config{Name: "test", Fee: fees.NewConstant(d(1))})
	offer := postOffer(t, m, 20, 10, "A")

	energy := d(4)
	rate := d(2)
	trade, err := m.AcceptOffer(AcceptOfferRequest{
		OfferID: offer.ID, Buyer: "B",
		Energy: &energy, TradeRate: &rate,
		AlreadyTracked: true,
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !trade.FeePrice.IsZero() {
		t.Errorf("already-tracked partial must not charge a fee again, got %s", trade.FeePrice)
	}
	if !trade.TradePrice.Equal(d(8)) {
		t.Errorf("expected trade price 8, got %s", trade.TradePrice)
	}
	if !m.TradedEnergyOf("A").IsZero() || !m.TradedEnergyOf("B").IsZero() {
		t.Error("already-tracked partial must not update statistics")
	}
	if trade.Residual == nil || !trade.Residual.Energy.Equal(d(6)) {
		t.Error("residual of 6 kWh must stay in the book")
	}
}

func TestAcceptOffer_ReadOnly(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")
	m.ReadOnly = true
	_, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B"})
	if !errors.Is(err, ErrReadOnlyMarket) {
		t.Errorf("expected ErrReadOnlyMarket, got %v", err)
	}
}

// --- Statistics tests ---

func TestTradedEnergyConservation(t *testing.T) {
	m := newTestMarket(t)
	o1 := postOffer(t, m, 20, 10, "A")
	o2 := postOffer(t, m, 9, 3, "C")

	if _, err := m.AcceptOffer(AcceptOfferRequest{OfferID: o1.ID, Buyer: "B"}); err != nil {
		t.Fatal(err)
	}
	half := d(1.5)
	if _, err := m.AcceptOffer(AcceptOfferRequest{OfferID: o2.ID, Buyer: "B", Energy: &half}); err != nil {
		t.Fatal(err)
	}

	if !m.TradedEnergyOf("A").Equal(d(10)) {
		t.Errorf("seller A: expected 10, got %s", m.TradedEnergyOf("A"))
	}
	if !m.TradedEnergyOf("C").Equal(d(1.5)) {
		t.Errorf("seller C: expected 1.5, got %s", m.TradedEnergyOf("C"))
	}
	if !m.TradedEnergyOf("B").Equal(d(-11.5)) {
		t.Errorf("buyer B: expected -11.5, got %s", m.TradedEnergyOf("B"))
	}

	sum := decimal.Zero
	for _, e := range m.TradedEnergy() {
		sum = sum.Add(e)
	}
	if !sum.IsZero() {
		t.Errorf("traded energy must sum to zero, got %s", sum)
	}
}

func TestBoughtAndSoldEnergy(t *testing.T) {
	m := newTestMarket(t)
	o1 := postOffer(t, m, 20, 10, "A")
	if _, err := m.AcceptOffer(AcceptOfferRequest{OfferID: o1.ID, Buyer: "B"}); err != nil {
		t.Fatal(err)
	}
	if !m.SoldEnergy("A").Equal(d(10)) {
		t.Errorf("sold: expected 10, got %s", m.SoldEnergy("A"))
	}
	if !m.BoughtEnergy("B").Equal(d(10)) {
		t.Errorf("bought: expected 10, got %s", m.BoughtEnergy("B"))
	}
}

func TestAvgOfferPrice(t *testing.T) {
	m := newTestMarket(t)
	if !m.AvgOfferPrice().IsZero() {
		t.Error("empty book should average to zero")
	}
	postOffer(t, m, 20, 10, "A")
	postOffer(t, m, 9, 3, "B")
	// (20+9)/(10+3) rounded to four places
	want := d(29).Div(d(13)).Round(4)
	if !m.AvgOfferPrice().Equal(want) {
		t.Errorf("expected %s, got %s", want, m.AvgOfferPrice())
	}
}

func TestAvgTradePrice(t *testing.T) {
	m := newTestMarket(t)
	o1 := postOffer(t, m, 20, 10, "A")
	if _, err := m.AcceptOffer(AcceptOfferRequest{OfferID: o1.ID, Buyer: "B"}); err != nil {
		t.Fatal(err)
	}
	if !m.AvgTradePrice().Equal(d(2)) {
		t.Errorf("expected 2, got %s", m.AvgTradePrice())
	}
}

// --- Ordering tests ---

func TestSortedOffers(t *testing.T) {
	m := newTestMarket(t)
	postOffer(t, m, 30, 10, "A") // rate 3
	cheap := postOffer(t, m, 10, 10, "B")
	postOffer(t, m, 20, 10, "C") // rate 2

	sorted := m.SortedOffers()
	if len(sorted) != 3 {
		t.Fatalf("expected 3 offers, got %d", len(sorted))
	}
	if sorted[0].ID != cheap.ID {
		t.Error("cheapest offer must sort first")
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].EnergyRate().LessThan(sorted[i-1].EnergyRate()) {
			t.Error("offers not ascending by rate")
		}
	}
}

func TestSortedOffers_StableTieBreak(t *testing.T) {
	m := newTestMarket(t)
	first := postOffer(t, m, 20, 10, "A")
	second := postOffer(t, m, 10, 5, "B") // same rate 2
	sorted := m.SortedOffers()
	if sorted[0].ID != first.ID || sorted[1].ID != second.ID {
		t.Error("equal rates must keep insertion order")
	}
}

func TestMostAffordableOffers(t *testing.T) {
	m := newTestMarket(t)
	postOffer(t, m, 30, 10, "A")
	b := postOffer(t, m, 10, 10, "B")
	c := postOffer(t, m, 5, 5, "C") // same rate as B

	cheapest := m.MostAffordableOffers()
	if len(cheapest) != 2 {
		t.Fatalf("expected 2 offers in cheapest tier, got %d", len(cheapest))
	}
	ids := map[string]bool{cheapest[0].ID: true, cheapest[1].ID: true}
	if !ids[b.ID] || !ids[c.ID] {
		t.Error("cheapest tier should hold B and C")
	}
}

// --- Event tests ---

func TestEvents_SplitBeforeTrade(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")

	var kinds []EventKind
	m.AddListener(func(evt Event) error {
		kinds = append(kinds, evt.Kind)
		return nil
	})

	energy := d(4)
	if _, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B", Energy: &energy}); err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 2 || kinds[0] != EventOfferSplit || kinds[1] != EventOfferTraded {
		t.Errorf("expected split then trade, got %v", kinds)
	}
}

func TestEvents_ListenerErrorPropagates(t *testing.T) {
	m := newTestMarket(t)
	boom := errors.New("listener failure")
	m.AddListener(func(Event) error { return boom })

	_, err := m.PostOffer(OfferRequest{Price: d(10), Energy: d(1), Seller: "A"})
	if !errors.Is(err, boom) {
		t.Errorf("expected listener error, got %v", err)
	}
	// State is committed before listeners run.
	if len(m.OpenOffers()) != 1 {
		t.Error("offer should be in book despite listener error")
	}
}

func TestEvents_SuppressedOnSplitFragments(t *testing.T) {
	m := newTestMarket(t)
	offer := postOffer(t, m, 20, 10, "A")

	var created int
	m.AddListener(func(evt Event) error {
		if evt.Kind == EventOfferCreated {
			created++
		}
		return nil
	})

	energy := d(4)
	if _, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B", Energy: &energy}); err != nil {
		t.Fatal(err)
	}
	if created != 0 {
		t.Errorf("split fragments must not emit created events, got %d", created)
	}
}

// --- Fee integration tests ---

func TestAcceptOffer_ConstantFeeCharged(t *testing.T) {
	m := NewOneSided(Config{Name: "test", Fee: fees.NewConstant(d(0.5))})
	offer, err := m.PostOffer(OfferRequest{
		Price: d(20), Energy: d(10), Seller: "A", AdaptPriceWithFees: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	trade, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B"})
	if err != nil {
		t.Fatal(err)
	}
	if !trade.FeePrice.Equal(d(5)) {
		t.Errorf("expected fee 5, got %s", trade.FeePrice)
	}
	// Trade settles at the fee-adjusted book rate.
	if !trade.TradePrice.Equal(d(25)) {
		t.Errorf("expected trade price 25, got %s", trade.TradePrice)
	}
}

func TestAcceptOffer_PartialFeeApportioned(t *testing.T) {
	m := NewOneSided(Config{Name: "test", Fee: fees.NewPercentage(d(0.1))})
	offer, err := m.PostOffer(OfferRequest{
		Price: d(20), Energy: d(10), Seller: "A", AdaptPriceWithFees: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	energy := d(5)
	trade, err := m.AcceptOffer(AcceptOfferRequest{OfferID: offer.ID, Buyer: "B", Energy: &energy})
	if err != nil {
		t.Fatal(err)
	}
	// Half of the 10% fee on the pre-fee price of 20.
	if !trade.FeePrice.Equal(d(1)) {
		t.Errorf("expected fee 1, got %s", trade.FeePrice)
	}
}
