// Package rules implements the pre-submission trading-rules gate. The
// coordinator consults it before any funds are reserved; a rejection here
// never touches the ledger.
package rules

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Rule holds the trading constraints a platform enforces for one pair.
// Zero-valued limits are not enforced.
type Rule struct {
	Pair              domain.TradingPair
	MinOrderSize      decimal.Decimal
	MaxOrderSize      decimal.Decimal
	MinPriceIncrement decimal.Decimal
	MinNotional       decimal.Decimal
	SupportsLimit     bool
	SupportsMarket    bool
	Live              bool
}

type ruleKey struct {
	platform domain.Platform
	symbol   string
}

// Engine validates proposed operations against per-pair rules. Like the
// registry it is warmed at startup and read-mostly afterwards.
type Engine struct {
	mu    sync.RWMutex
	rules map[ruleKey]Rule
}

// NewEngine creates an empty rules Engine. A pair without a rule passes
// validation; platforms that publish no constraints should not block trading.
func NewEngine() *Engine {
	return &Engine{rules: make(map[ruleKey]Rule)}
}

// SetRule installs or replaces the rule for the rule's pair.
func (e *Engine) SetRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[ruleKey{platform: r.Pair.Platform, symbol: r.Pair.Symbol}] = r
}

// Rule returns the installed rule for (platform, symbol).
func (e *Engine) Rule(platform domain.Platform, symbol string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[ruleKey{platform: platform, symbol: symbol}]
	return r, ok
}

// Validate checks a proposed operation. Failures wrap domain.ErrValidation
// with the violated constraint.
func (e *Engine) Validate(op domain.Operation) error {
	if !op.Quantity.IsPositive() {
		return fail("quantity must be positive")
	}
	switch op.Side {
	case domain.SideBuy, domain.SideSell:
	default:
		return fail("unknown side %q", op.Side)
	}
	// Every order needs a price: it is the limit for limit orders and the
	// reservation reference for market orders.
	if !op.Price.IsPositive() {
		return fail("price must be positive")
	}

	r, ok := e.Rule(op.Platform, op.Pair.Symbol)
	if !ok {
		return nil
	}
	if !r.Live {
		return fail("%s is not live on %s", op.Pair.Symbol, op.Platform)
	}
	switch op.Type {
	case domain.OrderTypeLimit:
		if !r.SupportsLimit {
			return fail("limit orders not supported for %s", op.Pair.Symbol)
		}
	case domain.OrderTypeMarket:
		if !r.SupportsMarket {
			return fail("market orders not supported for %s", op.Pair.Symbol)
		}
	default:
		return fail("unknown order type %q", op.Type)
	}
	if r.MinOrderSize.IsPositive() && op.Quantity.LessThan(r.MinOrderSize) {
		return fail("quantity %s below minimum %s", op.Quantity, r.MinOrderSize)
	}
	if r.MaxOrderSize.IsPositive() && op.Quantity.GreaterThan(r.MaxOrderSize) {
		return fail("quantity %s above maximum %s", op.Quantity, r.MaxOrderSize)
	}
	if r.MinPriceIncrement.IsPositive() && op.Type == domain.OrderTypeLimit {
		if !op.Price.Mod(r.MinPriceIncrement).IsZero() {
			return fail("price %s not a multiple of tick size %s", op.Price, r.MinPriceIncrement)
		}
	}
	if r.MinNotional.IsPositive() {
		notional := op.Quantity.Mul(op.Price)
		if notional.LessThan(r.MinNotional) {
			return fail("notional %s below minimum %s", notional, r.MinNotional)
		}
	}
	return nil
}

func fail(format string, args ...any) error {
	return fmt.Errorf("rules: %s: %w", fmt.Sprintf(format, args...), domain.ErrValidation)
}
