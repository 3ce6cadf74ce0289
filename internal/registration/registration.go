// Package registration implements the Registration component (§4.E): the
// state machine for one ServiceWorker, its listener table, and the install/
// activate/dispatch operations that drive fetch events through user code.
//
// Grounded on the teacher's session.Session, whose State field pattern
// (a string-ish status guarded by sync.RWMutex, mutated only through
// methods) is generalised here into a monotone six-state machine.
package registration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shovelrun/shovel/internal/cookiejar"
	"github.com/shovelrun/shovel/internal/event"
	"github.com/shovelrun/shovel/internal/logger"
	"github.com/shovelrun/shovel/internal/metrics"
	"github.com/shovelrun/shovel/internal/reqcontext"
	"github.com/shovelrun/shovel/internal/shoveler"
)

// installActivateTimeout is the hard-coded 30s lifecycle bound (§5). Spec §9
// leaves whether this should be configurable as an open question the
// implementer must not resolve by guess; the decision recorded in
// DESIGN.md is to keep it a constant, matching "hard-coded in the source".
const installActivateTimeout = 30 * time.Second

// State is one of the six monotone ServiceWorker states (§3).
type State int

const (
	Parsed State = iota
	Installing
	Installed
	Activating
	Activated
	Redundant
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Activating:
		return "activating"
	case Activated:
		return "activated"
	case Redundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// ListenerType is one of the three ServiceWorker event types routed through
// the Registration's listener table; all other event types bypass
// Registration entirely (§3 "Registration").
type ListenerType int

const (
	OnInstall ListenerType = iota
	OnActivate
	OnFetch
)

// InstallListener runs during install() dispatch. It receives ctx per spec
// §9's resolution for "ambient async context" in a language without
// implicit async-local storage: handlers take the context explicitly rather
// than reading a global.
type InstallListener func(ctx context.Context, ev *event.Extendable)

// ActivateListener runs during activate() dispatch.
type ActivateListener func(ctx context.Context, ev *event.Extendable)

// FetchListener runs during dispatch() for a single request. ctx carries the
// request's cookie jar and recursion depth (internal/reqcontext); a handler
// that calls reqcontext.Jar(ctx) (or globalscope.Handle.CookieStore, which
// wraps it) is the Go-idiomatic equivalent of the host language's ambient
// self.cookieStore.
type FetchListener func(ctx context.Context, fe *event.FetchEvent)

// Registration owns one ServiceWorker's state, listener table, script URL,
// and scope path.
type Registration struct {
	ScriptURL string
	Scope     string

	log     *logger.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	state State

	installListeners  []InstallListener
	activateListeners []ActivateListener
	fetchListeners    []FetchListener
}

// New constructs a Registration in the Parsed state. m may be nil; Install
// and Activate then simply skip recording lifecycle failures.
func New(scriptURL, scope string, m *metrics.Metrics, log *logger.Logger) *Registration {
	return &Registration{
		ScriptURL: scriptURL,
		Scope:     scope,
		log:       log,
		metrics:   m,
		state:     Parsed,
	}
}

// State returns the current lifecycle state.
func (r *Registration) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Registration) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// AddEventListener registers fn for typ, in call order. Listeners are
// invoked in insertion order during dispatch (§4.E "Ordering").
func (r *Registration) AddEventListener(typ ListenerType, fn any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch typ {
	case OnInstall:
		l, ok := fn.(InstallListener)
		if !ok {
			return fmt.Errorf("registration: addEventListener(install): wrong listener type %T", fn)
		}
		r.installListeners = append(r.installListeners, l)
	case OnActivate:
		l, ok := fn.(ActivateListener)
		if !ok {
			return fmt.Errorf("registration: addEventListener(activate): wrong listener type %T", fn)
		}
		r.activateListeners = append(r.activateListeners, l)
	case OnFetch:
		l, ok := fn.(FetchListener)
		if !ok {
			return fmt.Errorf("registration: addEventListener(fetch): wrong listener type %T", fn)
		}
		r.fetchListeners = append(r.fetchListeners, l)
	default:
		return fmt.Errorf("registration: addEventListener: unknown listener type %d", typ)
	}
	return nil
}

// Install transitions parsed -> installing -> installed. Valid only from
// Parsed; on any failure the registration returns to Parsed and the error is
// propagated.
func (r *Registration) Install(ctx context.Context) error {
	if r.State() != Parsed {
		return fmt.Errorf("registration: install: %w (state=%s)", shoveler.InvalidState, r.State())
	}
	r.setState(Installing)

	ev := event.NewExtendable(event.Install, r.logReject("install"))
	r.mu.RLock()
	listeners := append([]InstallListener(nil), r.installListeners...)
	r.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, ev)
	}
	ev.EndDispatch()

	if err := ev.Await(installActivateTimeout); err != nil {
		if r.metrics != nil {
			r.metrics.ObserveLifecycleError("install", lifecycleErrorKind(err))
		}
		r.setState(Parsed)
		return err
	}
	r.setState(Installed)
	return nil
}

// Activate transitions installed -> activating -> activated. Valid only
// from Installed.
func (r *Registration) Activate(ctx context.Context) error {
	if r.State() != Installed {
		return fmt.Errorf("registration: activate: %w (state=%s)", shoveler.InvalidState, r.State())
	}
	r.setState(Activating)

	ev := event.NewExtendable(event.Activate, r.logReject("activate"))
	r.mu.RLock()
	listeners := append([]ActivateListener(nil), r.activateListeners...)
	r.mu.RUnlock()

	for _, l := range listeners {
		l(ctx, ev)
	}
	ev.EndDispatch()

	if err := ev.Await(installActivateTimeout); err != nil {
		if r.metrics != nil {
			r.metrics.ObserveLifecycleError("activate", lifecycleErrorKind(err))
		}
		r.setState(Installed)
		return err
	}
	r.setState(Activated)
	return nil
}

// NewFetchEvent constructs a FetchEvent for req whose background waitUntil
// rejections are reported through this registration's logger instead of
// silently dropped (§4.A's "best-effort swallow rejection observer" needs
// somewhere to report to; Dispatch only ever fails the request for the
// response-producing future itself, per spec.md:46).
func (r *Registration) NewFetchEvent(req *http.Request) *event.FetchEvent {
	return event.NewFetchEvent(req, r.logReject("fetch"))
}

// Dispatch runs a FetchEvent through every registered fetch listener, in
// insertion order, under reqcontext bound to the event's jar. Valid only
// from Activated.
func (r *Registration) Dispatch(ctx context.Context, jar *cookiejar.Jar, fe *event.FetchEvent) (*event.Response, error) {
	if r.State() != Activated {
		return nil, fmt.Errorf("registration: dispatch: %w (state=%s)", shoveler.InvalidState, r.State())
	}

	r.mu.RLock()
	listeners := append([]FetchListener(nil), r.fetchListeners...)
	r.mu.RUnlock()

	var resp *event.Response
	err := reqcontext.Run(ctx, jar, func(ctx context.Context) error {
		for _, l := range listeners {
			dispatchOne(ctx, r, l, fe)
		}
		fe.EndDispatch()

		if !fe.HasResponded() {
			return shoveler.NoResponse
		}
		if err := fe.AwaitResponse(installActivateTimeout); err != nil {
			return err
		}

		got, respErr, _ := fe.GetResponse()
		if respErr != nil {
			return respErr
		}
		if got.Header == nil {
			got.Header = make(map[string][]string)
		}
		for _, line := range jar.SetCookieLines() {
			got.Header.Add("Set-Cookie", line)
		}
		resp = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dispatchOne invokes l, reporting (not propagating) a panic the way §4.E
// requires: "listener exceptions during dispatch are reported to the host's
// error channel but do not themselves fail the request."
func dispatchOne(ctx context.Context, r *Registration, l FetchListener, fe *event.FetchEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logf("listener panic during fetch dispatch: %v", rec)
		}
	}()
	l(ctx, fe)
}

// lifecycleErrorKind maps an Install/Activate failure to the low-cardinality
// label ObserveLifecycleError expects, falling back to "error" for anything
// that isn't a recognised sentinel.
func lifecycleErrorKind(err error) string {
	if errors.Is(err, shoveler.LifecycleTimeout) {
		return "lifecycle_timeout"
	}
	return "error"
}

func (r *Registration) logReject(phase string) func(error) {
	return func(err error) {
		r.logf("%s: pending future rejected: %v", phase, err)
	}
}

func (r *Registration) logf(format string, args ...any) {
	if r.log != nil {
		r.log.Errorf(format, args...)
	}
}
