package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// BalanceCache implements domain.BalanceCache using Redis hashes. Each
// balance is a hash at "balance:{platform}:{asset}" with fields total,
// available, locked, and ts (Unix nanoseconds); a per-platform set at
// "balance:index:{platform}" tracks which assets exist. The cache is a read
// view only, the ledger never consults it.
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

func balanceKey(key domain.BalanceKey) string {
	return "balance:" + string(key.Platform) + ":" + key.Asset
}

func balanceIndexKey(platform domain.Platform) string {
	return "balance:index:" + string(platform)
}

// Set writes the latest view of one balance.
func (bc *BalanceCache) Set(ctx context.Context, b domain.Balance) error {
	key := b.Key()
	fields := map[string]interface{}{
		"total":     b.Total.String(),
		"available": b.Available.String(),
		"locked":    b.Locked.String(),
		"ts":        strconv.FormatInt(b.UpdatedAt.UnixNano(), 10),
	}

	pipe := bc.rdb.Pipeline()
	pipe.HSet(ctx, balanceKey(key), fields)
	pipe.SAdd(ctx, balanceIndexKey(key.Platform), key.Asset)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", key, err)
	}
	return nil
}

// Get returns the cached view of one balance. It returns domain.ErrNotFound
// when the key does not exist.
func (bc *BalanceCache) Get(ctx context.Context, key domain.BalanceKey) (domain.Balance, error) {
	vals, err := bc.rdb.HGetAll(ctx, balanceKey(key)).Result()
	if err != nil {
		return domain.Balance{}, fmt.Errorf("redis: get balance %s: %w", key, err)
	}
	if len(vals) == 0 {
		return domain.Balance{}, domain.ErrNotFound
	}
	return balanceFromHash(key, vals)
}

// ListByPlatform returns the cached balances for every asset in the
// platform's index. Assets whose hash expired are skipped.
func (bc *BalanceCache) ListByPlatform(ctx context.Context, platform domain.Platform) ([]domain.Balance, error) {
	assets, err := bc.rdb.SMembers(ctx, balanceIndexKey(platform)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list balance index %s: %w", platform, err)
	}
	if len(assets) == 0 {
		return nil, nil
	}

	pipe := bc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(assets))
	for _, asset := range assets {
		key := domain.BalanceKey{Platform: platform, Asset: asset}
		cmds[asset] = pipe.HGetAll(ctx, balanceKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: list balances %s: %w", platform, err)
	}

	balances := make([]domain.Balance, 0, len(assets))
	for _, asset := range assets {
		vals, err := cmds[asset].Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		b, err := balanceFromHash(domain.BalanceKey{Platform: platform, Asset: asset}, vals)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, nil
}

func balanceFromHash(key domain.BalanceKey, vals map[string]string) (domain.Balance, error) {
	b := domain.Balance{Platform: key.Platform, Asset: key.Asset}

	var err error
	if b.Total, err = decimal.NewFromString(vals["total"]); err != nil {
		return domain.Balance{}, fmt.Errorf("redis: balance %s total %q: %w", key, vals["total"], err)
	}
	if b.Available, err = decimal.NewFromString(vals["available"]); err != nil {
		return domain.Balance{}, fmt.Errorf("redis: balance %s available %q: %w", key, vals["available"], err)
	}
	if b.Locked, err = decimal.NewFromString(vals["locked"]); err != nil {
		return domain.Balance{}, fmt.Errorf("redis: balance %s locked %q: %w", key, vals["locked"], err)
	}
	if ts, err := strconv.ParseInt(vals["ts"], 10, 64); err == nil {
		b.UpdatedAt = time.Unix(0, ts)
	}
	return b, nil
}

// Compile-time interface check.
var _ domain.BalanceCache = (*BalanceCache)(nil)
