package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// Recover reconciles local working operations and ledger balances against
// fresh platform snapshots after a connection gap. Events that happened
// during the gap are never replayed; divergence is resolved from the
// snapshots alone.
func (c *Coordinator) Recover(ctx context.Context, platform domain.Platform) error {
	adapter, err := c.adapter(platform)
	if err != nil {
		return err
	}
	log := c.logger.With(slog.String("platform", string(platform)))

	remote, err := adapter.SnapshotOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: open-order snapshot: %w", err)
	}
	balances, err := adapter.SnapshotBalances(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: balance snapshot: %w", err)
	}

	remoteByID := make(map[string]domain.OpenOrder, len(remote))
	for _, oo := range remote {
		remoteByID[oo.PlatformOrderID] = oo
	}

	var resolvedMissing, resolvedLost, stillOpen int
	for _, op := range c.workingOps(platform) {
		unlock := c.opmu.Lock(op.ID)
		if op.State.Terminal() {
			unlock()
			continue
		}
		switch {
		case op.PlatformOrderID == "":
			// Submitted but never acknowledged. The order may still be in
			// flight server side, so tolerate a few missed snapshots before
			// declaring it lost.
			op.NotFoundCount++
			if op.NotFoundCount >= c.cfg.LostOperationLimit {
				out := c.machine.ResolveLost(op)
				c.execute(ctx, op, out)
				c.raise(ctx, domain.LostOperationSignal{
					Platform:    platform,
					OperationID: op.ID,
					Misses:      op.NotFoundCount,
					At:          time.Now().UTC(),
				})
				resolvedLost++
			} else {
				c.persist(ctx, op)
			}
		default:
			if _, present := remoteByID[op.PlatformOrderID]; present {
				if op.NotFoundCount != 0 {
					op.NotFoundCount = 0
					c.persist(ctx, op)
				}
				stillOpen++
			} else {
				// Acknowledged but gone from the platform: it terminated
				// during the gap. The terminal state is inferred from the
				// locally recorded fills.
				out := c.machine.ResolveMissing(op)
				c.execute(ctx, op, out)
				resolvedMissing++
			}
		}
		unlock()
	}

	tracked := c.trackedPlatformIDs(platform)
	for _, oo := range remote {
		if _, ok := tracked[oo.PlatformOrderID]; ok {
			continue
		}
		// Never auto-adopt or auto-cancel an order this engine did not
		// place; surface it for an operator.
		c.raise(ctx, domain.UnknownRemoteOrderSignal{
			Platform:        platform,
			PlatformOrderID: oo.PlatformOrderID,
			Remaining:       oo.Remaining,
			At:              time.Now().UTC(),
		})
		log.Warn("unknown remote order",
			slog.String("platform_order_id", oo.PlatformOrderID),
			slog.String("remaining", oo.Remaining.String()),
		)
	}

	c.mergeBalances(ctx, platform, balances)

	log.Info("recovery complete",
		slog.Int("remote_open", len(remote)),
		slog.Int("still_open", stillOpen),
		slog.Int("resolved_missing", resolvedMissing),
		slog.Int("resolved_lost", resolvedLost),
	)
	return nil
}

func (c *Coordinator) trackedPlatformIDs(platform domain.Platform) map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]struct{})
	for key, opID := range c.byPlatformID {
		if key.platform != platform {
			continue
		}
		if op, ok := c.ops[opID]; ok && op != nil {
			out[key.orderID] = struct{}{}
		}
	}
	return out
}
