package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// BalanceStore implements domain.BalanceStore using PostgreSQL.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a BalanceStore backed by the given pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// Upsert writes one tracked balance row.
func (s *BalanceStore) Upsert(ctx context.Context, b domain.Balance) error {
	const query = `
		INSERT INTO balances (platform, asset, total, available, locked, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (platform, asset) DO UPDATE SET
			total = EXCLUDED.total,
			available = EXCLUDED.available,
			locked = EXCLUDED.locked,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		string(b.Platform), b.Asset,
		b.Total.String(), b.Available.String(), b.Locked.String(),
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert balance %s: %w", b.Key(), err)
	}
	return nil
}

// Get returns one tracked balance row.
func (s *BalanceStore) Get(ctx context.Context, key domain.BalanceKey) (domain.Balance, error) {
	const query = `
		SELECT platform, asset, total::text, available::text, locked::text, updated_at
		FROM balances WHERE platform = $1 AND asset = $2`

	b, err := scanBalance(s.pool.QueryRow(ctx, query, string(key.Platform), key.Asset))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Balance{}, domain.ErrNotFound
		}
		return domain.Balance{}, fmt.Errorf("postgres: get balance %s: %w", key, err)
	}
	return b, nil
}

// ListByPlatform returns every tracked balance row for a platform.
func (s *BalanceStore) ListByPlatform(ctx context.Context, platform domain.Platform) ([]domain.Balance, error) {
	const query = `
		SELECT platform, asset, total::text, available::text, locked::text, updated_at
		FROM balances WHERE platform = $1 ORDER BY asset ASC`

	rows, err := s.pool.Query(ctx, query, string(platform))
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances: %w", err)
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: balance rows: %w", err)
	}
	return balances, nil
}

func scanBalance(scanner interface{ Scan(dest ...any) error }) (domain.Balance, error) {
	var b domain.Balance
	var platform, total, available, locked string

	if err := scanner.Scan(&platform, &b.Asset, &total, &available, &locked, &b.UpdatedAt); err != nil {
		return domain.Balance{}, err
	}
	b.Platform = domain.Platform(platform)

	var err error
	if b.Total, err = decimal.NewFromString(total); err != nil {
		return domain.Balance{}, fmt.Errorf("total %q: %w", total, err)
	}
	if b.Available, err = decimal.NewFromString(available); err != nil {
		return domain.Balance{}, fmt.Errorf("available %q: %w", available, err)
	}
	if b.Locked, err = decimal.NewFromString(locked); err != nil {
		return domain.Balance{}, fmt.Errorf("locked %q: %w", locked, err)
	}
	return b, nil
}
