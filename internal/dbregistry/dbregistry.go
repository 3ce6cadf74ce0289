// Package dbregistry implements the Database Registry (§4.H): a
// specialisation of the generic Storage Registry (internal/registry) that
// hands out unopened handles and fires an upgradeneeded event, under an
// exclusive open gate, the first time a handle is opened at a version higher
// than its persisted one.
//
// A Handle is already the unit of exclusion the teacher's cluster.InMemoryLock
// was keyed by name to approximate: the Storage Registry (internal/registry)
// memoizes exactly one Handle per database name, so Open's critical section
// only ever needs to exclude other Opens of the *same* Handle. That collapses
// the teacher's keyed mutex map — with its waiter refcounts and
// spawn-a-goroutine-to-make-Lock-cancellable indirection — down to a single
// 1-buffered channel token owned by the Handle itself, select-cancellable
// with no extra goroutine per Open call.
//
// Grounded on mattcburns-shoal-provision's internal/database.DB for the
// "open a driver, run sequential migration statements" shape that
// Driver/VersionStore generalise.
package dbregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shovelrun/shovel/internal/event"
	"github.com/shovelrun/shovel/internal/metrics"
	"github.com/shovelrun/shovel/internal/shoveler"
)

// migrationAwaitBound is how long Open waits for an upgradeneeded listener's
// pending futures to settle. The spec only names an explicit 30s bound for
// install/activate (§5); migrations get a generous bound instead of no bound
// at all, since an unresponsive migration must not hang a worker forever.
const migrationAwaitBound = 5 * time.Minute

// Row is one result row from a Driver query.
type Row map[string]any

// Driver is the backend contract a concrete database adapter must satisfy
// (§6.2 "Database driver").
type Driver interface {
	All(ctx context.Context, sql string, params []any) ([]Row, error)
	Get(ctx context.Context, sql string, params []any) (Row, error)
	Run(ctx context.Context, sql string, params []any) (affected int64, err error)
	Val(ctx context.Context, sql string, params []any) (any, error)
}

// VersionStore reads and writes the persisted schema version backing the
// `_migrations` table (§6.4). SetVersion must be called inside the same
// exclusive transaction that ran the migration SQL; that requirement is the
// adapter's responsibility, not this package's.
type VersionStore interface {
	Version(ctx context.Context) (int, error)
	SetVersion(ctx context.Context, version int) error
}

// UpgradeEvent is delivered to upgradeneeded listeners.
type UpgradeEvent struct {
	*event.Extendable
	OldVersion int
	NewVersion int
}

// UpgradeListener is called synchronously, in registration order, once per
// Open call that needs a migration.
type UpgradeListener func(*UpgradeEvent)

// Handle is a Database Registry entry: unopened until Open succeeds.
type Handle struct {
	name    string
	driver  Driver
	store   VersionStore
	metrics *metrics.Metrics

	// openGate is a 1-buffered acquire/release token guarding Open's
	// read-check-upgrade-persist sequence. Taking the token is Open's lock
	// acquisition; putting it back is the unlock. A ctx cancellation while
	// waiting just drops out of the select without ever touching the token.
	openGate chan struct{}

	mu        sync.Mutex
	opened    bool
	listeners []UpgradeListener
}

// NewHandle constructs an unopened handle for name, backed by driver and
// store. m may be nil; Open then simply skips recording migration outcomes.
func NewHandle(name string, driver Driver, store VersionStore, m *metrics.Metrics) *Handle {
	h := &Handle{name: name, driver: driver, store: store, metrics: m, openGate: make(chan struct{}, 1)}
	h.openGate <- struct{}{}
	return h
}

// OnUpgradeNeeded registers fn to run when Open finds the persisted version
// behind the requested one.
func (h *Handle) OnUpgradeNeeded(fn UpgradeListener) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Opened reports whether Open has succeeded at least once.
func (h *Handle) Opened() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened
}

// Driver returns the handle's backing driver. Valid to call regardless of
// Opened, matching the spec's note that the handle is "unopened" without
// regard to whether the adapter has dialed anything.
func (h *Handle) Driver() Driver { return h.driver }

// Open acquires the handle's exclusive lock, re-reads the persisted
// version, and if it is behind requested, fires upgradeneeded and awaits its
// pending futures before persisting the new version (§4.H). A second Open at
// a version already reached is a no-op: no upgrade event fires.
//
// Migrations are strictly forward-only: requesting a version at or below the
// persisted one never fires upgradeneeded, even if requested < persisted.
func (h *Handle) Open(ctx context.Context, version int) error {
	select {
	case <-h.openGate:
	case <-ctx.Done():
		return fmt.Errorf("dbregistry: %s: %w", h.name, ctx.Err())
	}
	defer func() { h.openGate <- struct{}{} }()

	persisted, err := h.store.Version(ctx)
	if err != nil {
		return fmt.Errorf("dbregistry: %s: read version: %w", h.name, err)
	}

	if persisted >= version {
		h.mu.Lock()
		h.opened = true
		h.mu.Unlock()
		return nil
	}

	ev := &UpgradeEvent{
		Extendable: event.NewExtendable(event.Upgrade, nil),
		OldVersion: persisted,
		NewVersion: version,
	}

	h.mu.Lock()
	listeners := make([]UpgradeListener, len(h.listeners))
	copy(listeners, h.listeners)
	h.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
	ev.EndDispatch()

	if err := ev.Await(migrationAwaitBound); err != nil {
		if h.metrics != nil {
			h.metrics.ObserveMigration(h.name, "failed")
		}
		return fmt.Errorf("%w: %s: %v", shoveler.MigrationFailed, h.name, err)
	}

	if err := h.store.SetVersion(ctx, version); err != nil {
		if h.metrics != nil {
			h.metrics.ObserveMigration(h.name, "failed")
		}
		return fmt.Errorf("dbregistry: %s: persist version: %w", h.name, err)
	}

	if h.metrics != nil {
		h.metrics.ObserveMigration(h.name, "ok")
	}
	h.mu.Lock()
	h.opened = true
	h.mu.Unlock()
	return nil
}
