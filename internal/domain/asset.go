// Package domain defines the core types of the operation lifecycle and
// balance reconciliation engine: assets, trading pairs, balances, operations,
// normalized platform events, and the interfaces the engine requires from
// storage, caching, and platform connectors.
package domain

import "fmt"

// Platform identifies an execution venue (exchange or protocol).
type Platform string

func (p Platform) String() string { return string(p) }

// Asset is the canonical identity of a tradable asset. Immutable once
// registered; Precision is the number of decimal places amounts of this
// asset are quoted in.
type Asset struct {
	Symbol    string
	Name      string
	Precision int32
}

func (a Asset) String() string {
	return a.Symbol
}

// TradingPair binds a base/quote asset pair to the symbol a specific platform
// trades it under. Many TradingPairs may map to the same (base, quote) across
// platforms.
type TradingPair struct {
	Platform Platform
	Base     string
	Quote    string
	// Symbol is the platform-specific instrument symbol, e.g. "BTCUSDT".
	Symbol string
}

func (p TradingPair) String() string {
	return fmt.Sprintf("%s-%s@%s", p.Base, p.Quote, p.Platform)
}
