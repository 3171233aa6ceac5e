// Package registry holds the canonical identity of assets and trading pairs.
// It is constructed once at startup, warmed from configuration, and passed by
// reference into the coordinator and ledger. Read-mostly after warm-up.
package registry

import (
	"fmt"
	"sync"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

type pairKey struct {
	platform domain.Platform
	symbol   string
}

// Registry is the trading pair and asset registry. All methods are safe for
// concurrent use; lookups take a read lock only.
type Registry struct {
	mu     sync.RWMutex
	assets map[string]domain.Asset
	pairs  map[pairKey]domain.TradingPair
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		assets: make(map[string]domain.Asset),
		pairs:  make(map[pairKey]domain.TradingPair),
	}
}

// RegisterAsset adds an asset. Re-registering an identical asset is a no-op;
// registering the same symbol with a different precision fails with
// domain.ErrDuplicateAsset, since asset identity is immutable once known.
func (r *Registry) RegisterAsset(a domain.Asset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.assets[a.Symbol]
	if ok {
		if existing.Precision != a.Precision {
			return fmt.Errorf("registry: register %s: %w", a.Symbol, domain.ErrDuplicateAsset)
		}
		return nil
	}
	r.assets[a.Symbol] = a
	return nil
}

// Asset looks up an asset by symbol.
func (r *Registry) Asset(symbol string) (domain.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[symbol]
	if !ok {
		return domain.Asset{}, fmt.Errorf("registry: asset %s: %w", symbol, domain.ErrNotFound)
	}
	return a, nil
}

// RegisterPair maps a platform-specific symbol to a trading pair. Both base
// and quote assets must already be registered.
func (r *Registry) RegisterPair(p domain.TradingPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.assets[p.Base]; !ok {
		return fmt.Errorf("registry: pair %s base: %w", p, domain.ErrNotFound)
	}
	if _, ok := r.assets[p.Quote]; !ok {
		return fmt.Errorf("registry: pair %s quote: %w", p, domain.ErrNotFound)
	}
	r.pairs[pairKey{platform: p.Platform, symbol: p.Symbol}] = p
	return nil
}

// Resolve returns the trading pair a platform trades under the given symbol.
// It fails with domain.ErrUnknownSymbol when unmapped.
func (r *Registry) Resolve(platform domain.Platform, symbol string) (domain.TradingPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pairs[pairKey{platform: platform, symbol: symbol}]
	if !ok {
		return domain.TradingPair{}, fmt.Errorf("registry: resolve %s on %s: %w", symbol, platform, domain.ErrUnknownSymbol)
	}
	return p, nil
}

// Pairs returns all registered pairs for a platform.
func (r *Registry) Pairs(platform domain.Platform) []domain.TradingPair {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.TradingPair
	for k, p := range r.pairs {
		if k.platform == platform {
			out = append(out, p)
		}
	}
	return out
}
