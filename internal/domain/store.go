package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OperationStore persists the operation journal. Every state transition is
// recorded so lifecycle history survives a restart.
type OperationStore interface {
	Create(ctx context.Context, op Operation) error
	Update(ctx context.Context, op Operation) error
	GetByID(ctx context.Context, id string) (Operation, error)
	ListWorking(ctx context.Context, platform Platform) ([]Operation, error)
	ListByPlatform(ctx context.Context, platform Platform, opts ListOpts) ([]Operation, error)
	// ListTerminalBefore returns terminal operations last updated strictly
	// before the cutoff, for archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]Operation, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
}

// BalanceStore persists ledger balance snapshots.
type BalanceStore interface {
	Upsert(ctx context.Context, b Balance) error
	Get(ctx context.Context, key BalanceKey) (Balance, error)
	ListByPlatform(ctx context.Context, platform Platform) ([]Balance, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of lifecycle transitions and
// surfaced signals.
type AuditStore interface {
	Append(ctx context.Context, event string, detail map[string]any) error
	ListRecent(ctx context.Context, limit int) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}
