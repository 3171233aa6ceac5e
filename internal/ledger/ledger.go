// Package ledger tracks available vs. locked funds per (platform, asset) and
// owns the reservation lifecycle: reserve, release, settle, snapshot merge.
// It is pure state; adapters and stores never mutate balances directly.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradecore/internal/domain"
	"github.com/alanyoungcy/tradecore/internal/keymutex"
)

// Credit describes proceeds credited by a settlement, possibly on a different
// asset or platform than the reservation.
type Credit struct {
	Platform domain.Platform
	Asset    string
	Amount   decimal.Decimal
}

type reservationState int

const (
	reservationOpen reservationState = iota
	reservationReleased
	reservationSettled
)

type reservation struct {
	id       string
	key      domain.BalanceKey
	amount   decimal.Decimal
	state    reservationState
	openedAt time.Time
}

// Ledger is the balance ledger. Logical mutations for a given
// (platform, asset) key are serialized through a sharded keyed mutex so
// check-then-act sequences (reserve, disposition) are atomic per key while
// unrelated keys proceed concurrently. Reservation disposition (release or
// settle) commits exactly once: whichever caller arrives first wins, later
// callers get domain.ErrAlreadyReleased.
type Ledger struct {
	km     *keymutex.KeyedMutex
	logger *slog.Logger

	mu       sync.RWMutex
	balances map[domain.BalanceKey]*domain.Balance

	resMu        sync.Mutex
	reservations map[string]*reservation

	driftTolerance decimal.Decimal
}

// New creates an empty Ledger. driftTolerance is the absolute divergence
// between tracked and platform-reported totals above which MergeSnapshot
// raises a drift signal.
func New(driftTolerance decimal.Decimal, logger *slog.Logger) *Ledger {
	return &Ledger{
		km:             keymutex.New(0),
		logger:         logger.With(slog.String("component", "ledger")),
		balances:       make(map[domain.BalanceKey]*domain.Balance),
		reservations:   make(map[string]*reservation),
		driftTolerance: driftTolerance,
	}
}

// update applies fn to the balance bucket for key under the map lock,
// creating a zero bucket when absent. Callers must already hold the key's
// keyed mutex.
func (l *Ledger) update(key domain.BalanceKey, fn func(b *domain.Balance)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[key]
	if !ok {
		b = &domain.Balance{Platform: key.Platform, Asset: key.Asset}
		l.balances[key] = b
	}
	fn(b)
	b.UpdatedAt = time.Now().UTC()
}

// read returns a copy of the bucket for key, zero when absent.
func (l *Ledger) read(key domain.BalanceKey) domain.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if b, ok := l.balances[key]; ok {
		return *b
	}
	return domain.Balance{Platform: key.Platform, Asset: key.Asset}
}

// Deposit credits amount to both total and available. It is how funds enter
// the ledger (external deposits, warm-up from a trusted snapshot).
func (l *Ledger) Deposit(platform domain.Platform, asset string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("ledger: deposit %s %s: negative amount", platform, asset)
	}
	key := domain.BalanceKey{Platform: platform, Asset: asset}
	unlock := l.km.Lock(key.String())
	defer unlock()

	l.update(key, func(b *domain.Balance) {
		b.Total = b.Total.Add(amount)
		b.Available = b.Available.Add(amount)
	})
	return nil
}

// Reserve moves amount from available to locked and records a reservation.
// It fails with domain.ErrInsufficientFunds when available < amount, leaving
// no state behind.
func (l *Ledger) Reserve(platform domain.Platform, asset string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", fmt.Errorf("ledger: reserve %s %s: non-positive amount", platform, asset)
	}
	key := domain.BalanceKey{Platform: platform, Asset: asset}
	unlock := l.km.Lock(key.String())
	defer unlock()

	if l.read(key).Available.LessThan(amount) {
		return "", fmt.Errorf("ledger: reserve %s %s of %s: %w",
			amount, asset, platform, domain.ErrInsufficientFunds)
	}

	l.update(key, func(b *domain.Balance) {
		b.Available = b.Available.Sub(amount)
		b.Locked = b.Locked.Add(amount)
	})

	res := &reservation{
		id:       uuid.New().String(),
		key:      key,
		amount:   amount,
		state:    reservationOpen,
		openedAt: time.Now().UTC(),
	}
	l.resMu.Lock()
	l.reservations[res.id] = res
	l.resMu.Unlock()

	l.logger.Debug("funds reserved",
		slog.String("reservation_id", res.id),
		slog.String("platform", string(platform)),
		slog.String("asset", asset),
		slog.String("amount", amount.String()),
	)
	return res.id, nil
}

// Release moves a reservation's full amount back to available. A release of
// an already-disposed reservation is a no-op reported as
// domain.ErrAlreadyReleased; an id the ledger has never issued is
// domain.ErrUnknownReservation.
func (l *Ledger) Release(reservationID string) error {
	l.resMu.Lock()
	res, ok := l.reservations[reservationID]
	l.resMu.Unlock()
	if !ok {
		return fmt.Errorf("ledger: release %s: %w", reservationID, domain.ErrUnknownReservation)
	}

	unlock := l.km.Lock(res.key.String())
	defer unlock()

	if res.state != reservationOpen {
		return fmt.Errorf("ledger: release %s: %w", reservationID, domain.ErrAlreadyReleased)
	}
	res.state = reservationReleased

	l.update(res.key, func(b *domain.Balance) {
		b.Locked = b.Locked.Sub(res.amount)
		b.Available = b.Available.Add(res.amount)
	})

	l.logger.Debug("reservation released",
		slog.String("reservation_id", reservationID),
		slog.String("amount", res.amount.String()),
	)
	return nil
}

// Settle permanently consumes consumed from the reservation's locked funds
// and credits proceeds to its own (platform, asset) bucket. Any unconsumed
// remainder of the reservation is released back to available. Like Release,
// disposition commits exactly once.
func (l *Ledger) Settle(reservationID string, consumed decimal.Decimal, proceeds Credit) error {
	l.resMu.Lock()
	res, ok := l.reservations[reservationID]
	l.resMu.Unlock()
	if !ok {
		return fmt.Errorf("ledger: settle %s: %w", reservationID, domain.ErrUnknownReservation)
	}
	if consumed.IsNegative() || consumed.GreaterThan(res.amount) {
		return fmt.Errorf("ledger: settle %s: consumed %s outside reservation of %s",
			reservationID, consumed, res.amount)
	}

	unlock := l.km.Lock(res.key.String())
	if res.state != reservationOpen {
		unlock()
		return fmt.Errorf("ledger: settle %s: %w", reservationID, domain.ErrAlreadyReleased)
	}
	res.state = reservationSettled

	remainder := res.amount.Sub(consumed)
	l.update(res.key, func(b *domain.Balance) {
		b.Locked = b.Locked.Sub(res.amount)
		b.Available = b.Available.Add(remainder)
		b.Total = b.Total.Sub(consumed)
	})
	unlock()

	// Proceeds land on a possibly different key; taken after the reservation
	// key is unlocked so cross-asset settlements never hold two key locks.
	if proceeds.Amount.IsPositive() {
		creditKey := domain.BalanceKey{Platform: proceeds.Platform, Asset: proceeds.Asset}
		creditUnlock := l.km.Lock(creditKey.String())
		l.update(creditKey, func(b *domain.Balance) {
			b.Total = b.Total.Add(proceeds.Amount)
			b.Available = b.Available.Add(proceeds.Amount)
		})
		creditUnlock()
	}

	l.logger.Debug("reservation settled",
		slog.String("reservation_id", reservationID),
		slog.String("consumed", consumed.String()),
		slog.String("released", remainder.String()),
		slog.String("proceeds", proceeds.Amount.String()),
		slog.String("proceeds_asset", proceeds.Asset),
	)
	return nil
}

// MergeSnapshot compares a platform-reported total against the tracked total.
// Divergence beyond the configured tolerance is returned as a DriftSignal,
// never silently corrected; remediation is an operator decision.
func (l *Ledger) MergeSnapshot(platform domain.Platform, asset string, observedTotal decimal.Decimal) *domain.DriftSignal {
	key := domain.BalanceKey{Platform: platform, Asset: asset}
	unlock := l.km.Lock(key.String())
	defer unlock()

	tracked := l.read(key).Total
	diff := observedTotal.Sub(tracked)
	if diff.Abs().LessThanOrEqual(l.driftTolerance) {
		return nil
	}

	sig := &domain.DriftSignal{
		Platform: platform,
		Asset:    asset,
		Tracked:  tracked,
		Observed: observedTotal,
		Diff:     diff,
		At:       time.Now().UTC(),
	}
	l.logger.Warn("balance drift detected",
		slog.String("platform", string(platform)),
		slog.String("asset", asset),
		slog.String("tracked", tracked.String()),
		slog.String("observed", observedTotal.String()),
		slog.String("diff", diff.String()),
	)
	return sig
}

// Balance returns a copy of the tracked balance for (platform, asset). A
// never-touched key reads as zero.
func (l *Ledger) Balance(platform domain.Platform, asset string) domain.Balance {
	return l.read(domain.BalanceKey{Platform: platform, Asset: asset})
}

// Balances returns copies of every tracked balance for a platform.
func (l *Ledger) Balances(platform domain.Platform) []domain.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Balance
	for key, b := range l.balances {
		if key.Platform == platform {
			out = append(out, *b)
		}
	}
	return out
}

// OpenReservations returns the number of undisposed reservations, for tests
// and diagnostics.
func (l *Ledger) OpenReservations() int {
	l.resMu.Lock()
	defer l.resMu.Unlock()

	n := 0
	for _, res := range l.reservations {
		if res.state == reservationOpen {
			n++
		}
	}
	return n
}
