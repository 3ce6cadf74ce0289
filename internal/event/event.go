// Package event implements the sealed-sum ServiceWorker event hierarchy:
// ExtendableEvent (install/activate) and FetchEvent (§4.A, §4.B).
//
// The host language's duck-typed event objects are modelled here as a Kind
// enum plus one struct per kind, per the design note in spec §9 ("model as a
// sealed sum: Event = Install | Activate | Fetch"). Promises are modelled as
// plain Go functions run on their own goroutine; waitUntil tracks them the
// way the teacher tracks in-flight goroutines with a counter and a
// WaitGroup-shaped drain.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shovelrun/shovel/internal/shoveler"
)

// Kind identifies which ServiceWorker lifecycle event a value represents.
type Kind int

const (
	Install Kind = iota
	Activate
	Fetch
	// Upgrade tags the Database Registry's upgradeneeded event (§4.H). It
	// is not one of the three ServiceWorker lifecycle kinds routed by the
	// Registration's listener table, but it reuses the same pending-future
	// bookkeeping.
	Upgrade
)

func (k Kind) String() string {
	switch k {
	case Install:
		return "install"
	case Activate:
		return "activate"
	case Fetch:
		return "fetch"
	case Upgrade:
		return "upgradeneeded"
	default:
		return "unknown"
	}
}

// pendingFuture tracks one waitUntil-accepted unit of work.
type pendingFuture struct {
	done chan struct{}
	err  error
}

// Extendable is the base event: a type tag, a mutable list of pending
// futures, and a dispatch-phase flag (§3 "Event").
type Extendable struct {
	kind Kind

	mu            sync.Mutex
	pending       []*pendingFuture
	pendingCount  atomic.Int64
	dispatchPhase atomic.Bool
	wg            sync.WaitGroup

	// onReject is called with every future's error, even though the error
	// is also recorded on the pendingFuture. This is the "best-effort
	// swallow rejection observer" from §4.A: it exists so the host
	// language's unused-rejection channel isn't polluted, while Await (the
	// Go equivalent of Promise.all(getPending())) still observes the error.
	onReject func(error)
}

// NewExtendable constructs an Extendable event already in dispatch phase.
func NewExtendable(kind Kind, onReject func(error)) *Extendable {
	e := &Extendable{kind: kind, onReject: onReject}
	e.dispatchPhase.Store(true)
	return e
}

// Kind returns the event's type tag.
func (e *Extendable) Kind() Kind { return e.kind }

// WaitUntil registers fn as a pending future. It is accepted iff the event is
// currently in its dispatch phase, or at least one other future is still
// pending (so chained waitUntil calls from inside a running future are
// always legal); otherwise it fails with shoveler.InvalidState.
func (e *Extendable) WaitUntil(fn func() error) error {
	if !e.dispatchPhase.Load() && e.pendingCount.Load() == 0 {
		return shoveler.InvalidState
	}

	pf := &pendingFuture{done: make(chan struct{})}
	e.mu.Lock()
	e.pending = append(e.pending, pf)
	e.mu.Unlock()

	e.pendingCount.Add(1)
	e.wg.Add(1)
	go func() {
		defer close(pf.done)
		defer e.wg.Done()
		defer e.pendingCount.Add(-1)

		err := fn()
		pf.err = err
		if err != nil && e.onReject != nil {
			e.onReject(err)
		}
	}()
	return nil
}

// GetPending returns a snapshot of the futures accepted so far.
func (e *Extendable) GetPending() []*pendingFuture {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*pendingFuture, len(e.pending))
	copy(out, e.pending)
	return out
}

// EndDispatch flips the event out of its dispatch phase. Safe to call once;
// later calls are no-ops.
func (e *Extendable) EndDispatch() { e.dispatchPhase.Store(false) }

// InDispatch reports whether the event is still in its synchronous dispatch
// window.
func (e *Extendable) InDispatch() bool { return e.dispatchPhase.Load() }

// Await blocks until every pending future (including ones added after Await
// was called, as long as they were accepted before the counter reached zero)
// has settled, or timeout elapses. It returns the first error observed among
// the futures, in acceptance order, or nil if all succeeded.
//
// Used by Registration.install/activate to enforce the 30s lifecycle bound
// (§5). When timeout elapses first, Await returns shoveler.LifecycleTimeout
// itself; callers decide what to do with it (the Database Registry, for
// example, wraps it as a migration failure).
func (e *Extendable) Await(timeout time.Duration) error {
	settled := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(settled)
	}()

	select {
	case <-settled:
	case <-time.After(timeout):
		return shoveler.LifecycleTimeout
	}

	for _, pf := range e.GetPending() {
		if pf.err != nil {
			return pf.err
		}
	}
	return nil
}
