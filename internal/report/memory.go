package report

import (
	"context"
	"sync"
)

// MemoryRecorder keeps trade records in memory. It is the default sink
// for simulations and tests.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records []TradeRecord
}

func NewMemory() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) RecordTrade(_ context.Context, rec TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *MemoryRecorder) TradesByMarket(_ context.Context, marketName string) ([]TradeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []TradeRecord
	for _, rec := range r.records {
		if rec.MarketName == marketName {
			out = append(out, rec)
		}
	}
	return out, nil
}

// All returns every record in insertion order.
func (r *MemoryRecorder) All() []TradeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TradeRecord, len(r.records))
	copy(out, r.records)
	return out
}
