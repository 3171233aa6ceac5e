package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/tradecore/internal/blob/s3"
	"github.com/alanyoungcy/tradecore/internal/cache/redis"
	"github.com/alanyoungcy/tradecore/internal/coordinator"
	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/feed"
	"github.com/alanyoungcy/tradecore/internal/ledger"
	"github.com/alanyoungcy/tradecore/internal/lifecycle"
	"github.com/alanyoungcy/tradecore/internal/platform/remote"
	"github.com/alanyoungcy/tradecore/internal/platform/sim"
	"github.com/alanyoungcy/tradecore/internal/registry"
	"github.com/alanyoungcy/tradecore/internal/rules"
)

// sessionLockTTL bounds how long a crashed process can hold a platform
// session. A clean shutdown releases the lock immediately.
const sessionLockTTL = 30 * time.Minute

// engine bundles the domain components built from configuration.
type engine struct {
	registry    *registry.Registry
	ledger      *ledger.Ledger
	rules       *rules.Engine
	machine     *lifecycle.Machine
	coordinator *coordinator.Coordinator
}

// buildEngine constructs the registry, ledger, rules gate, state machine, and
// coordinator from configuration and attaches the infrastructure deps.
func (a *App) buildEngine(deps *Dependencies) (*engine, error) {
	drift, err := a.cfg.Engine.DriftDecimal()
	if err != nil {
		return nil, fmt.Errorf("engine: drift_tolerance: %w", err)
	}
	fill, err := a.cfg.Engine.FillDecimal()
	if err != nil {
		return nil, fmt.Errorf("engine: fill_tolerance: %w", err)
	}

	reg := registry.New()
	for _, ac := range a.cfg.Assets {
		if err := reg.RegisterAsset(domain.Asset{
			Symbol:    ac.Symbol,
			Name:      ac.Name,
			Precision: int32(ac.Precision),
		}); err != nil {
			return nil, fmt.Errorf("engine: register asset %s: %w", ac.Symbol, err)
		}
	}
	for _, pc := range a.cfg.Pairs {
		if err := reg.RegisterPair(domain.TradingPair{
			Platform: domain.Platform(pc.Platform),
			Base:     pc.Base,
			Quote:    pc.Quote,
			Symbol:   pc.Symbol,
		}); err != nil {
			return nil, fmt.Errorf("engine: register pair %s/%s: %w", pc.Platform, pc.Symbol, err)
		}
	}

	ruleEngine := rules.NewEngine()
	for _, rc := range a.cfg.Rules {
		pair, err := reg.Resolve(domain.Platform(rc.Platform), rc.Symbol)
		if err != nil {
			return nil, fmt.Errorf("engine: rule for %s/%s: %w", rc.Platform, rc.Symbol, err)
		}
		rule := rules.Rule{
			Pair:           pair,
			SupportsLimit:  rc.SupportsLimit,
			SupportsMarket: rc.SupportsMarket,
			Live:           rc.Live,
		}
		for _, bound := range []struct {
			value string
			dst   *decimal.Decimal
		}{
			{rc.MinOrderSize, &rule.MinOrderSize},
			{rc.MaxOrderSize, &rule.MaxOrderSize},
			{rc.MinPriceIncrement, &rule.MinPriceIncrement},
			{rc.MinNotional, &rule.MinNotional},
		} {
			if bound.value == "" {
				continue
			}
			d, err := decimal.NewFromString(bound.value)
			if err != nil {
				return nil, fmt.Errorf("engine: rule for %s/%s: %w", rc.Platform, rc.Symbol, err)
			}
			*bound.dst = d
		}
		ruleEngine.SetRule(rule)
	}

	led := ledger.New(drift, a.logger)
	machine := lifecycle.NewMachine(fill, a.logger)

	coord := coordinator.New(reg, led, ruleEngine, machine, coordinator.Config{
		LostOperationLimit: a.cfg.Engine.LostOperationLimit,
		ExpiryInterval:     a.cfg.Engine.ExpiryInterval.Duration,
		SubmitRateLimit:    a.cfg.Engine.SubmitRateLimit,
		SubmitRateWindow:   a.cfg.Engine.SubmitRateWindow.Duration,
	}, a.logger)
	coord.SetStore(deps.OperationStore)
	coord.SetRateLimiter(deps.RateLimiter)
	coord.SetSink(newEngineSink(led, deps, a.logger))

	return &engine{
		registry:    reg,
		ledger:      led,
		rules:       ruleEngine,
		machine:     machine,
		coordinator: coord,
	}, nil
}

// seedLedger loads the persisted balance view for a platform into the
// in-memory ledger. Reservations are re-established separately by
// Coordinator.Restore, so only the total is deposited here.
func (a *App) seedLedger(ctx context.Context, eng *engine, deps *Dependencies, platform domain.Platform) error {
	balances, err := deps.BalanceStore.ListByPlatform(ctx, platform)
	if err != nil {
		return fmt.Errorf("seed ledger %s: %w", platform, err)
	}
	for _, b := range balances {
		if err := eng.ledger.Deposit(b.Platform, b.Asset, b.Total); err != nil {
			return fmt.Errorf("seed ledger %s/%s: %w", platform, b.Asset, err)
		}
	}
	return nil
}

// acquireSession takes the distributed per-platform session lock so at most
// one coordinator process drives a venue at a time.
func (a *App) acquireSession(ctx context.Context, deps *Dependencies, platform domain.Platform) error {
	unlock, err := deps.LockManager.Acquire(ctx, redis.SessionKey(string(platform)), sessionLockTTL)
	if err != nil {
		return fmt.Errorf("acquire session for %s: %w", platform, err)
	}
	a.closers = append(a.closers, unlock)
	return nil
}

// TradeMode connects to the configured gateway venues, restores working
// operations, reconciles against fresh snapshots, and then runs the event
// pumps, expiry sweeper, signal feeder, and retention job until cancelled.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Int("platforms", len(a.cfg.Platforms)),
	)

	eng, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	adapters := make([]domain.PlatformAdapter, 0, len(a.cfg.Platforms))
	for _, pc := range a.cfg.Platforms {
		platform := domain.Platform(pc.Name)
		if err := a.acquireSession(ctx, deps, platform); err != nil {
			return fmt.Errorf("trade mode: %w", err)
		}
		adapter := remote.NewAdapter(remote.Config{
			Platform: platform,
			BaseURL:  pc.BaseURL,
			WSURL:    pc.WSURL,
			APIKey:   pc.APIKey,
		}, a.logger)
		eng.coordinator.RegisterAdapter(adapter)
		adapters = append(adapters, adapter)

		if err := a.seedLedger(ctx, eng, deps, platform); err != nil {
			return fmt.Errorf("trade mode: %w", err)
		}
	}

	if err := eng.coordinator.Restore(ctx); err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	// Reconcile each venue before pumping live events so the first event
	// lands on an already-consistent picture.
	for _, adapter := range adapters {
		if err := eng.coordinator.Recover(ctx, adapter.Platform()); err != nil {
			a.logger.WarnContext(ctx, "initial reconcile failed",
				slog.String("platform", string(adapter.Platform())),
				slog.String("error", err.Error()),
			)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, adapter := range adapters {
		adapter := adapter
		g.Go(func() error {
			return eng.coordinator.RunPlatform(ctx, adapter)
		})
	}
	g.Go(func() error {
		return eng.coordinator.RunExpiry(ctx)
	})

	feeder := feed.NewSignalFeeder(deps.SignalBus, deps.Notifier, redis.ChannelLifecycle, redis.ChannelSignals, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})

	if a.cfg.Retention.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.runRetention(ctx, deps)
		})
	}

	return g.Wait()
}

// PaperMode runs the engine against the built-in simulated venue. Orders are
// accepted and filled locally; nothing leaves the process.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.String("platform", a.cfg.Paper.Platform),
	)

	eng, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	platform := domain.Platform(a.cfg.Paper.Platform)
	if err := a.acquireSession(ctx, deps, platform); err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	simCfg := sim.DefaultConfig()
	simCfg.Platform = platform
	venue := sim.New(simCfg, a.logger)
	eng.coordinator.RegisterAdapter(venue)

	// Seed both sides of the book so the simulator's snapshots agree with
	// the ledger from the first reconcile.
	for _, d := range a.cfg.Paper.Deposits {
		amount, err := decimal.NewFromString(d.Amount)
		if err != nil {
			return fmt.Errorf("paper mode: deposit %s: %w", d.Asset, err)
		}
		venue.Deposit(d.Asset, amount)
		if err := eng.ledger.Deposit(platform, d.Asset, amount); err != nil {
			return fmt.Errorf("paper mode: deposit %s: %w", d.Asset, err)
		}
	}

	if err := eng.coordinator.Restore(ctx); err != nil {
		return fmt.Errorf("paper mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.coordinator.RunPlatform(ctx, venue)
	})
	g.Go(func() error {
		return eng.coordinator.RunExpiry(ctx)
	})

	feeder := feed.NewSignalFeeder(deps.SignalBus, deps.Notifier, redis.ChannelLifecycle, redis.ChannelSignals, a.logger)
	g.Go(func() error {
		return feeder.Run(ctx)
	})

	if a.cfg.Retention.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			return a.runRetention(ctx, deps)
		})
	}

	return g.Wait()
}

// runRetention periodically archives aged-out terminal operations and audit
// rows to object storage, deleting operation rows only after the archive
// object is confirmed present.
func (a *App) runRetention(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Retention.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.archiveOnce(ctx, deps)
		}
	}
}

func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) {
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Retention.Days)
	log := a.logger.With(slog.Time("before", before))

	archived, err := deps.Archiver.ArchiveOperations(ctx, before)
	if err != nil {
		log.WarnContext(ctx, "archive operations failed", slog.String("error", err.Error()))
		return
	}
	if archived > 0 {
		ok, err := deps.BlobReader.Exists(ctx, s3blob.OperationsPath(before))
		switch {
		case err != nil:
			log.WarnContext(ctx, "verify archive failed, keeping rows", slog.String("error", err.Error()))
		case !ok:
			log.WarnContext(ctx, "archive object missing, keeping rows")
		default:
			deleted, err := deps.OperationStore.DeleteTerminalBefore(ctx, before)
			if err != nil {
				log.WarnContext(ctx, "delete archived operations failed", slog.String("error", err.Error()))
			} else {
				log.InfoContext(ctx, "operations archived",
					slog.Int64("archived", archived),
					slog.Int64("deleted", deleted),
				)
			}
		}
	}

	if _, err := deps.Archiver.ArchiveAuditLog(ctx, before); err != nil {
		log.WarnContext(ctx, "archive audit log failed", slog.String("error", err.Error()))
	}
}
