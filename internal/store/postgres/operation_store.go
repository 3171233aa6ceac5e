package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// terminalStates is the SQL literal list of final operation states.
const terminalStates = `('filled', 'cancelled', 'rejected', 'expired')`

// OperationStore implements domain.OperationStore using PostgreSQL.
type OperationStore struct {
	pool *pgxpool.Pool
}

// NewOperationStore creates an OperationStore backed by the given pool.
func NewOperationStore(pool *pgxpool.Pool) *OperationStore {
	return &OperationStore{pool: pool}
}

// Create inserts a new operation row.
func (s *OperationStore) Create(ctx context.Context, op domain.Operation) error {
	fillsJSON, err := marshalFills(op.Fills)
	if err != nil {
		return fmt.Errorf("postgres: marshal fills for %s: %w", op.ID, err)
	}

	const query = `
		INSERT INTO operations (
			id, platform_order_id, platform, base_asset, quote_asset, symbol,
			side, order_type, time_in_force, quantity, price, expires_at,
			state, filled_quantity, avg_fill_price, last_seq, fills,
			reservation_id, not_found_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19, $20, $21
		)`

	_, err = s.pool.Exec(ctx, query,
		op.ID, op.PlatformOrderID, string(op.Platform),
		op.Pair.Base, op.Pair.Quote, op.Pair.Symbol,
		string(op.Side), string(op.Type), string(op.TimeInForce),
		op.Quantity.String(), op.Price.String(), nullableTime(op.ExpiresAt),
		string(op.State), op.FilledQuantity.String(), op.AvgFillPrice.String(),
		int64(op.LastSeq), fillsJSON,
		op.ReservationID, op.NotFoundCount, op.CreatedAt, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create operation %s: %w", op.ID, err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing operation row.
func (s *OperationStore) Update(ctx context.Context, op domain.Operation) error {
	fillsJSON, err := marshalFills(op.Fills)
	if err != nil {
		return fmt.Errorf("postgres: marshal fills for %s: %w", op.ID, err)
	}

	const query = `
		UPDATE operations SET
			platform_order_id = $2,
			state = $3,
			filled_quantity = $4,
			avg_fill_price = $5,
			last_seq = $6,
			fills = $7,
			not_found_count = $8,
			updated_at = $9
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		op.ID, op.PlatformOrderID, string(op.State),
		op.FilledQuantity.String(), op.AvgFillPrice.String(),
		int64(op.LastSeq), fillsJSON, op.NotFoundCount, op.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update operation %s: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one operation by its local id.
func (s *OperationStore) GetByID(ctx context.Context, id string) (domain.Operation, error) {
	query := `SELECT ` + operationSelectCols + ` FROM operations WHERE id = $1`
	op, err := scanOperation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Operation{}, domain.ErrNotFound
		}
		return domain.Operation{}, fmt.Errorf("postgres: get operation %s: %w", id, err)
	}
	return op, nil
}

// ListWorking returns every non-terminal operation for a platform, oldest
// first. Used to rebuild the in-memory operation table on startup.
func (s *OperationStore) ListWorking(ctx context.Context, platform domain.Platform) ([]domain.Operation, error) {
	query := `SELECT ` + operationSelectCols + `
		FROM operations
		WHERE platform = $1 AND state NOT IN ` + terminalStates + `
		ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, string(platform))
	if err != nil {
		return nil, fmt.Errorf("postgres: list working operations: %w", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

// ListByPlatform returns operations for a platform, newest first.
func (s *OperationStore) ListByPlatform(ctx context.Context, platform domain.Platform, opts domain.ListOpts) ([]domain.Operation, error) {
	query := `SELECT ` + operationSelectCols + ` FROM operations WHERE platform = $1`
	args := []any{string(platform)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND updated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list operations: %w", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

// ListTerminalBefore returns terminal operations last updated strictly before
// the cutoff, oldest first.
func (s *OperationStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Operation, error) {
	query := `SELECT ` + operationSelectCols + `
		FROM operations
		WHERE state IN ` + terminalStates + ` AND updated_at < $1
		ORDER BY updated_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list terminal operations: %w", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

// DeleteTerminalBefore removes terminal operations last updated strictly
// before the cutoff and reports how many rows went away.
func (s *OperationStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM operations
		WHERE state IN ` + terminalStates + ` AND updated_at < $1`

	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal operations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Numeric columns are read back as text so decimals round-trip without any
// float conversion.
const operationSelectCols = `id, platform_order_id, platform, base_asset,
	quote_asset, symbol, side, order_type, time_in_force, quantity::text,
	price::text, expires_at, state, filled_quantity::text,
	avg_fill_price::text, last_seq, fills, reservation_id, not_found_count,
	created_at, updated_at`

func scanOperation(scanner interface{ Scan(dest ...any) error }) (domain.Operation, error) {
	var op domain.Operation
	var platform, side, orderType, tif, state string
	var quantity, price, filledQty, avgPrice string
	var expiresAt *time.Time
	var lastSeq int64
	var fillsJSON []byte

	err := scanner.Scan(
		&op.ID, &op.PlatformOrderID, &platform,
		&op.Pair.Base, &op.Pair.Quote, &op.Pair.Symbol,
		&side, &orderType, &tif, &quantity, &price,
		&expiresAt, &state, &filledQty, &avgPrice, &lastSeq, &fillsJSON,
		&op.ReservationID, &op.NotFoundCount, &op.CreatedAt, &op.UpdatedAt,
	)
	if err != nil {
		return domain.Operation{}, err
	}

	op.Platform = domain.Platform(platform)
	op.Pair.Platform = op.Platform
	op.Side = domain.Side(side)
	op.Type = domain.OrderType(orderType)
	op.TimeInForce = domain.TimeInForce(tif)
	op.State = domain.OperationState(state)
	op.LastSeq = uint64(lastSeq)
	if expiresAt != nil {
		op.ExpiresAt = *expiresAt
	}

	if op.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return domain.Operation{}, fmt.Errorf("quantity %q: %w", quantity, err)
	}
	if op.Price, err = decimal.NewFromString(price); err != nil {
		return domain.Operation{}, fmt.Errorf("price %q: %w", price, err)
	}
	if op.FilledQuantity, err = decimal.NewFromString(filledQty); err != nil {
		return domain.Operation{}, fmt.Errorf("filled_quantity %q: %w", filledQty, err)
	}
	if op.AvgFillPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return domain.Operation{}, fmt.Errorf("avg_fill_price %q: %w", avgPrice, err)
	}

	op.Fills = make(map[string]domain.Fill)
	if len(fillsJSON) > 0 {
		if err := json.Unmarshal(fillsJSON, &op.Fills); err != nil {
			return domain.Operation{}, fmt.Errorf("fills: %w", err)
		}
	}
	return op, nil
}

func collectOperations(rows pgx.Rows) ([]domain.Operation, error) {
	var ops []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: operation rows: %w", err)
	}
	return ops, nil
}

func marshalFills(fills map[string]domain.Fill) ([]byte, error) {
	if fills == nil {
		fills = map[string]domain.Fill{}
	}
	return json.Marshal(fills)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
