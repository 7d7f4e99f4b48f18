// Package state holds the in-memory authoritative copies of positions,
// orders, realized/unrealized P&L, rolling trade counts, and the quote and
// contract metadata caches. All mutators are invoked from the per-account
// dispatcher serializer; reads take snapshots for rule evaluation.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-riskd/pkg/types"
)

type quoteEntry struct {
	quote    types.GatewayQuote
	ingested time.Time
}

// QuoteCache keeps the latest quote per contract. Not persisted — the
// stream refills it after any restart or reconnect.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]quoteEntry
	now    func() time.Time
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]quoteEntry), now: time.Now}
}

// Update overwrites the cached quote for the contract.
func (c *QuoteCache) Update(contractID string, q types.GatewayQuote) {
	c.mu.Lock()
	c.quotes[contractID] = quoteEntry{quote: q, ingested: c.now()}
	c.mu.Unlock()
}

// Last returns the latest trade price for the contract.
func (c *QuoteCache) Last(contractID string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.quotes[contractID]
	if !ok {
		return decimal.Zero, false
	}
	return e.quote.LastPrice, true
}

// Quote returns the full cached quote.
func (c *QuoteCache) Quote(contractID string) (types.GatewayQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.quotes[contractID]
	return e.quote, ok
}

// Age returns how long ago the contract's quote was ingested locally.
func (c *QuoteCache) Age(contractID string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.quotes[contractID]
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.ingested), true
}

// IsStale reports whether the quote is missing or older than maxAge.
func (c *QuoteCache) IsStale(contractID string, maxAge time.Duration) bool {
	age, ok := c.Age(contractID)
	return !ok || age > maxAge
}
