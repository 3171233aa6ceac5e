package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Restore reloads working operations from the journal into memory and
// re-establishes their ledger reservations. Call once at startup, after the
// ledger has been seeded with balances and before any platform events are
// pumped. Reservation ids are not stable across restarts; each restored
// operation gets a fresh one sized to its remaining exposure.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	c.mu.RLock()
	platforms := make([]domain.Platform, 0, len(c.adapters))
	for p := range c.adapters {
		platforms = append(platforms, p)
	}
	c.mu.RUnlock()

	var restored int
	for _, platform := range platforms {
		ops, err := c.store.ListWorking(ctx, platform)
		if err != nil {
			return fmt.Errorf("coordinator: restore %s: %w", platform, err)
		}
		for i := range ops {
			op := ops[i]
			if amount := op.ReservedAmount(); amount.IsPositive() {
				resID, err := c.ledger.Reserve(op.Platform, op.ReservedAsset(), amount)
				if err != nil {
					c.logger.WarnContext(ctx, "restore: reservation failed, operation tracked without funds lock",
						slog.String("operation_id", op.ID),
						slog.String("platform", string(op.Platform)),
						slog.String("error", err.Error()),
					)
				} else {
					op.ReservationID = resID
				}
			}

			c.mu.Lock()
			c.ops[op.ID] = &op
			if op.PlatformOrderID != "" {
				c.byPlatformID[pidKey{platform: op.Platform, orderID: op.PlatformOrderID}] = op.ID
			}
			c.mu.Unlock()
			restored++
		}
	}

	c.logger.InfoContext(ctx, "working operations restored",
		slog.Int("count", restored),
	)
	return nil
}
