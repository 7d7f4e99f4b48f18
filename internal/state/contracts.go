package state

import (
	"context"
	"fmt"
	"sync"

	"futures-riskd/pkg/types"
)

// ContractFetcher resolves contract metadata from the gateway
// (POST /api/Contract/search). Implemented by the gateway client.
type ContractFetcher interface {
	SearchContract(ctx context.Context, contractID string) (types.ContractMeta, error)
}

// ContractCache caches tick size/value per contract. Metadata is stable
// within a trading session; Reset drops everything for a daily refresh.
type ContractCache struct {
	mu      sync.RWMutex
	metas   map[string]types.ContractMeta
	fetcher ContractFetcher
}

// NewContractCache creates a cache backed by the given fetcher.
func NewContractCache(fetcher ContractFetcher) *ContractCache {
	return &ContractCache{metas: make(map[string]types.ContractMeta), fetcher: fetcher}
}

// Get returns metadata for the contract, fetching synchronously on a miss.
func (c *ContractCache) Get(ctx context.Context, contractID string) (types.ContractMeta, error) {
	c.mu.RLock()
	meta, ok := c.metas[contractID]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	fetched, err := c.fetcher.SearchContract(ctx, contractID)
	if err != nil {
		return types.ContractMeta{}, fmt.Errorf("contract search %s: %w", contractID, err)
	}
	if fetched.ContractID == "" {
		return types.ContractMeta{}, fmt.Errorf("contract %s not found", contractID)
	}

	c.mu.Lock()
	c.metas[contractID] = fetched
	c.mu.Unlock()
	return fetched, nil
}

// Cached returns metadata without fetching.
func (c *ContractCache) Cached(contractID string) (types.ContractMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.metas[contractID]
	return meta, ok
}

// Put stores metadata directly (startup warmup, tests).
func (c *ContractCache) Put(meta types.ContractMeta) {
	c.mu.Lock()
	c.metas[meta.ContractID] = meta
	c.mu.Unlock()
}

// Reset clears the cache so metadata is re-fetched next session.
func (c *ContractCache) Reset() {
	c.mu.Lock()
	c.metas = make(map[string]types.ContractMeta)
	c.mu.Unlock()
}
