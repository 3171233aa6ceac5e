package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceKey identifies one tracked balance bucket.
type BalanceKey struct {
	Platform Platform
	Asset    string
}

func (k BalanceKey) String() string {
	return string(k.Platform) + "/" + k.Asset
}

// Balance is the tracked funds state for one (platform, asset) pair.
// Invariant: Total == Available + Locked and all three are >= 0 at every
// observable instant. Balances are mutated only through ledger transactions;
// values handed to callers are always copies.
type Balance struct {
	Platform  Platform
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Key returns the balance's (platform, asset) key.
func (b Balance) Key() BalanceKey {
	return BalanceKey{Platform: b.Platform, Asset: b.Asset}
}

// Consistent reports whether the balance satisfies the ledger invariant.
func (b Balance) Consistent() bool {
	if b.Total.IsNegative() || b.Available.IsNegative() || b.Locked.IsNegative() {
		return false
	}
	return b.Total.Equal(b.Available.Add(b.Locked))
}
