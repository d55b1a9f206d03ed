package oracle

import (
	"fmt"
	"sync"
)

// PriceCache is the in-process MarkPriceSource fed by keeper pushes.
// Out-of-sequence updates are dropped silently so replays stay idempotent.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]*cachedPrice
}

type cachedPrice struct {
	price     int64
	sequence  int64
	timestamp int64 // epoch micros
}

func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]*cachedPrice)}
}

// Put records a price update. Stale or duplicate sequences are ignored.
func (pc *PriceCache) Put(marketID string, price, sequence, timestamp int64) error {
	if price <= 0 || price > 1_000_000 {
		return fmt.Errorf("mark price out of range for %s: %d", marketID, price)
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	if cur, ok := pc.prices[marketID]; ok && sequence <= cur.sequence {
		return nil
	}

	pc.prices[marketID] = &cachedPrice{
		price:     price,
		sequence:  sequence,
		timestamp: timestamp,
	}
	return nil
}

func (pc *PriceCache) GetMarkPrice(marketID string) (int64, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	cur, ok := pc.prices[marketID]
	if !ok {
		return 0, fmt.Errorf("no mark price for market %s", marketID)
	}
	return cur.price, nil
}

func (pc *PriceCache) IsPriceStale(marketID string, maxAgeMicros, now int64) bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	cur, ok := pc.prices[marketID]
	if !ok {
		return true
	}
	return now-cur.timestamp > maxAgeMicros
}

// Snapshot returns all cached prices keyed by market, for persistence.
func (pc *PriceCache) Snapshot() map[string]int64 {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	out := make(map[string]int64, len(pc.prices))
	for k, v := range pc.prices {
		out[k] = v.price
	}
	return out
}
