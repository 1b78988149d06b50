// Package api provides the HTTP handlers for querying a finished
// simulation: the area hierarchy, per-slot market summaries and the
// recorded trades.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/PinkDiamond1/gsy-e/internal/market"
	"github.com/PinkDiamond1/gsy-e/internal/report"
	"github.com/PinkDiamond1/gsy-e/internal/sim"
)

// Server serves read-only queries over a completed simulation run.
type Server struct {
	sim      *sim.Simulation
	recorder report.Recorder
}

func NewServer(s *sim.Simulation, rec report.Recorder) *Server {
	return &Server{sim: s, recorder: rec}
}

// --- Response types ---

// AreaSummary is one node of the hierarchy.
type AreaSummary struct {
	Name     string        `json:"name"`
	Children []AreaSummary `json:"children,omitempty"`
}

// MarketSummary is the per-slot aggregate of one market.
type MarketSummary struct {
	TimeSlot      string          `json:"time_slot"`
	Balancing     bool            `json:"balancing"`
	Trades        int             `json:"trades"`
	TradedVolume  decimal.Decimal `json:"traded_volume"`
	AvgTradePrice decimal.Decimal `json:"avg_trade_price"`
	AvgOfferPrice decimal.Decimal `json:"avg_offer_price"`
	OpenOffers    int             `json:"open_offers"`
}

// TradeSummary is one recorded trade.
type TradeSummary struct {
	ID       string          `json:"id"`
	TimeSlot string          `json:"time_slot"`
	Seller   string          `json:"seller"`
	Buyer    string          `json:"buyer"`
	Energy   decimal.Decimal `json:"energy"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	Rate     decimal.Decimal `json:"rate"`
}

// --- HTTP Handlers ---

// ListAreas handles GET /api/v1/areas
func (s *Server) ListAreas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, summarizeArea(s.sim.Root()))
}

func summarizeArea(n *sim.Node) AreaSummary {
	out := AreaSummary{Name: n.Area.Name}
	for _, c := range n.Children {
		out.Children = append(out.Children, summarizeArea(c))
	}
	return out
}

// ListMarkets handles GET /api/v1/areas/{area}/markets
func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	node, ok := s.sim.FindNode(chi.URLParam(r, "area"))
	if !ok {
		writeError(w, "area not found", http.StatusNotFound)
		return
	}

	var out []MarketSummary
	for _, m := range node.PastSpot() {
		out = append(out, summarizeMarket(m, false))
	}
	for _, m := range node.PastBalancing() {
		out = append(out, summarizeMarket(m, true))
	}
	writeJSON(w, out)
}

func summarizeMarket(m *market.Market, balancing bool) MarketSummary {
	volume := decimal.Zero
	for _, t := range m.Trades() {
		volume = volume.Add(t.TradedEnergy.Abs())
	}
	return MarketSummary{
		TimeSlot:      m.TimeSlot.Format("15:04"),
		Balancing:     balancing,
		Trades:        len(m.Trades()),
		TradedVolume:  volume,
		AvgTradePrice: m.AvgTradePrice(),
		AvgOfferPrice: m.AvgOfferPrice(),
		OpenOffers:    len(m.OpenOffers()),
	}
}

// ListTrades handles GET /api/v1/areas/{area}/trades
func (s *Server) ListTrades(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "area")
	if _, ok := s.sim.FindNode(name); !ok {
		writeError(w, "area not found", http.StatusNotFound)
		return
	}
	records, err := s.recorder.TradesByMarket(r.Context(), name)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]TradeSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, TradeSummary{
			ID:       rec.ID,
			TimeSlot: rec.TimeSlot.Format("15:04"),
			Seller:   rec.Seller,
			Buyer:    rec.Buyer,
			Energy:   rec.Energy,
			Price:    rec.Price,
			Fee:      rec.Fee,
			Rate:     rec.Rate,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
