package sim

import (
	"time"

	"github.com/PinkDiamond1/gsy-e/internal/market"
)

// rotator retires a node's current market at each slot boundary. The most
// recent retired markets stay readable (but read-only) for reporting;
// anything older is dropped.
type rotator struct {
	keep int
	past []*market.Market
}

func newRotator(keep int) *rotator {
	if keep < 0 {
		keep = 0
	}
	return &rotator{keep: keep}
}

// retire marks a market read-only and moves it into the past buffer,
// evicting the oldest entries beyond the keep limit.
func (r *rotator) retire(m *market.Market) {
	if m == nil {
		return
	}
	m.ReadOnly = true
	r.past = append(r.past, m)
	if excess := len(r.past) - r.keep; excess > 0 {
		r.past = append([]*market.Market(nil), r.past[excess:]...)
	}
}

// Past returns the retired markets still held, oldest first.
func (r *rotator) Past() []*market.Market {
	out := make([]*market.Market, len(r.past))
	copy(out, r.past)
	return out
}

// SlotLength is the market slot length.
const SlotLength = 15 * time.Minute

// slotTime returns the time slot of the given slot index.
func slotTime(start time.Time, slot int) time.Time {
	return start.Add(time.Duration(slot) * SlotLength)
}
