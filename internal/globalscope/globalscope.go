// Package globalscope implements the Global Scope Installer (§4.F).
//
// The host language patches a process-wide global object; Go has no such
// object, so per spec §9's own resolution ("replace with an explicit
// runtime handle struct threaded into user code; there is no process-wide
// patching"), this package models the patched surface as a Handle struct
// that user code receives directly, while still enforcing the spec's
// process-scoped "install once" invariant — not because Go needs it, but
// because user code written against this runtime's API is meant to behave
// identically whether it assumes a single global or a threaded handle.
//
// Grounded on the teacher's idempotent sync.Once start/stop idiom
// (scheduler.Scheduler.Stop, token.HeartbeatManager), generalised from
// "run once" to "install once, fail fast on a second attempt".
package globalscope

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/shovelrun/shovel/internal/cookiejar"
	"github.com/shovelrun/shovel/internal/dbregistry"
	"github.com/shovelrun/shovel/internal/event"
	"github.com/shovelrun/shovel/internal/logger"
	"github.com/shovelrun/shovel/internal/registration"
	"github.com/shovelrun/shovel/internal/registry"
	"github.com/shovelrun/shovel/internal/reqcontext"
	"github.com/shovelrun/shovel/internal/shoveler"
)

// Cache is the backend contract for self.caches entries (§6.2).
type Cache interface {
	Match(ctx context.Context, req *http.Request) (*event.Response, bool, error)
	Put(ctx context.Context, req *http.Request, resp *event.Response) error
	Delete(ctx context.Context, req *http.Request) (bool, error)
	Keys(ctx context.Context) ([]*http.Request, error)
}

// Directory is the backend contract for self.directories entries (§6.2).
type Directory interface {
	GetFileHandle(ctx context.Context, name string, create bool) (File, error)
	GetDirectoryHandle(ctx context.Context, name string, create bool) (Directory, error)
	Entries(ctx context.Context) ([]string, error)
}

// File is the handle returned by Directory.GetFileHandle.
type File interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// FetchFunc is the native fetch delegate for absolute URLs — whatever the
// host adapter wires up (typically a pooled *http.Client.Do).
type FetchFunc func(ctx context.Context, req *http.Request) (*event.Response, error)

// Clients is the inert notification/clients stub named in §4.F and left
// undefined behaviourally by spec §9's open questions; every method is a
// documented no-op rather than a panic, per the decision recorded in
// SPEC_FULL.md.
type Clients struct{}

// MatchAll always returns no clients.
func (Clients) MatchAll(ctx context.Context) ([]struct{}, error) { return nil, nil }

// Claim is a no-op.
func (Clients) Claim(ctx context.Context) error { return nil }

// Handle is the runtime handle threaded into user code in place of a
// patched global object. It exposes every name named in §4.F.
type Handle struct {
	Registration *registration.Registration
	Caches       *registry.Registry[Cache]
	Directories  *registry.Registry[Directory]
	Databases    *registry.Registry[*dbregistry.Handle]
	Loggers      *logger.Factory
	Clients      Clients
	NativeFetch  FetchFunc
}

// CookieStore returns the cookie jar bound to ctx, mirroring the host
// language's self.cookieStore getter (§4.F).
func (h *Handle) CookieStore(ctx context.Context) *cookiejar.Jar {
	return reqcontext.Jar(ctx)
}

// Fetch implements the fetch override described in §4.F: an absolute URL
// delegates to NativeFetch; a relative URL is routed back through this
// worker's own Registration, with the request context's recursion depth
// checked and incremented first.
func (h *Handle) Fetch(ctx context.Context, target string, headers http.Header, body []byte) (*event.Response, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("globalscope: fetch: parse %q: %w", target, err)
	}

	if u.IsAbs() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("globalscope: fetch: %w", err)
		}
		req.Header = headers
		if h.NativeFetch == nil {
			return nil, fmt.Errorf("globalscope: fetch: no native fetch delegate installed")
		}
		return h.NativeFetch(ctx, req)
	}

	nextCtx, err := reqcontext.EnterFetch(ctx)
	if err != nil {
		return nil, err
	}

	synthetic := "http://local/" + strings.TrimPrefix(target, "/")
	req, err := http.NewRequestWithContext(nextCtx, http.MethodGet, synthetic, nil)
	if err != nil {
		return nil, fmt.Errorf("globalscope: fetch: synthetic request: %w", err)
	}
	req.Header = headers

	jar := reqcontext.Jar(nextCtx)
	if jar == nil {
		jar = cookiejar.New("")
	}
	fe := h.Registration.NewFetchEvent(req)
	return h.Registration.Dispatch(nextCtx, jar, fe)
}

// Installer tracks one process-scoped installation of a Handle.
type Installer struct {
	handle *Handle
}

var (
	installMu sync.Mutex
	installed *Installer
)

// Install installs h as the process's current global scope. Calling Install
// a second time without an intervening Restore fails fast with
// shoveler.InvalidState (§5 "installing twice in the same process is a
// programmer error").
func Install(h *Handle) (*Installer, error) {
	installMu.Lock()
	defer installMu.Unlock()

	if installed != nil {
		return nil, fmt.Errorf("globalscope: install: %w: already installed", shoveler.InvalidState)
	}
	inst := &Installer{handle: h}
	installed = inst
	return inst, nil
}

// Restore reverses Install, making the process scope installable again.
// Restore on an Installer that is not the currently-installed one is a
// no-op, so a stale reference can never undo a later legitimate install.
func (inst *Installer) Restore() {
	installMu.Lock()
	defer installMu.Unlock()
	if installed == inst {
		installed = nil
	}
}

// Current returns the process's currently-installed Handle, or nil if none.
func Current() *Handle {
	installMu.Lock()
	defer installMu.Unlock()
	if installed == nil {
		return nil
	}
	return installed.handle
}
