// Package stream broadcasts market events to WebSocket clients so that
// dashboards can follow a running simulation live.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PinkDiamond1/gsy-e/internal/market"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type     string `json:"type"`
	Market   string `json:"market"`
	TimeSlot string `json:"time_slot,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Seller   string `json:"seller,omitempty"`
	Buyer    string `json:"buyer,omitempty"`
	Energy   string `json:"energy,omitempty"`
	Price    string `json:"price,omitempty"`
	Rate     string `json:"rate,omitempty"`
	Fee      string `json:"fee,omitempty"`
}

// Hub manages WebSocket connections and broadcasts market events to all
// connected clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			// Full lock: a failed write removes the client from the map,
			// which must exclude the ping pumps' membership reads.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the tick loop.
	}
}

// Listener adapts the hub to the market event stream. Broadcasting never
// returns an error; a slow or absent client must not affect matching.
func (h *Hub) Listener() market.Listener {
	return func(evt market.Event) error {
		msg := Message{
			Type:     evt.Kind.String(),
			Market:   evt.MarketName,
			TimeSlot: evt.TimeSlot.Format("15:04"),
		}
		switch {
		case evt.Trade != nil:
			t := evt.Trade
			msg.OrderID = t.ID
			msg.Seller = t.Seller
			msg.Buyer = t.Buyer
			msg.Energy = t.TradedEnergy.String()
			msg.Price = t.TradePrice.String()
			msg.Rate = t.Rate().String()
			msg.Fee = t.FeePrice.String()
		case evt.Offer != nil:
			o := evt.Offer
			msg.OrderID = o.ID
			msg.Seller = o.Seller
			msg.Energy = o.Energy.String()
			msg.Price = o.Price.String()
			msg.Rate = o.EnergyRate().String()
		case evt.Bid != nil:
			b := evt.Bid
			msg.OrderID = b.ID
			msg.Buyer = b.Buyer
			msg.Energy = b.Energy.String()
			msg.Price = b.Price.String()
			msg.Rate = b.EnergyRate().String()
		}
		h.Broadcast(msg)
		return nil
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
