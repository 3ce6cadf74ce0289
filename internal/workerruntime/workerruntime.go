// Package workerruntime implements the Worker Runtime (§4.I): the one-time
// bootstrap sequence that turns a declarative config plus a user entry
// point into a fully activated Registration ready to serve a message loop.
//
// Grounded on main.go's startup sequence (load config, construct managers,
// start the worker pool, start the scheduler, wait for shutdown signal),
// generalised from "sessions and proxies" to "one ServiceWorker worker".
package workerruntime

import (
	"context"
	"fmt"

	"github.com/shovelrun/shovel/internal/config"
	"github.com/shovelrun/shovel/internal/dbregistry"
	"github.com/shovelrun/shovel/internal/globalscope"
	"github.com/shovelrun/shovel/internal/logger"
	"github.com/shovelrun/shovel/internal/metrics"
	"github.com/shovelrun/shovel/internal/registration"
	"github.com/shovelrun/shovel/internal/registry"
	"github.com/shovelrun/shovel/internal/reify"
	"github.com/shovelrun/shovel/internal/shoveler"
	"github.com/shovelrun/shovel/internal/workerloop"
)

// DatabaseBackend bundles the two halves a database module constructor must
// produce: the query driver and the version store backing dbregistry's
// upgradeneeded/open semantics.
type DatabaseBackend struct {
	Driver dbregistry.Driver
	Store  dbregistry.VersionStore
}

// Entry is the user's worker script: it receives the installed Handle and
// registers its install/activate/fetch listeners against
// handle.Registration. Returning an error aborts the bootstrap before
// install/activate ever runs.
type Entry func(handle *globalscope.Handle) error

// Options configures one worker's bootstrap.
type Options struct {
	ScriptURL string
	Scope     string

	Config *config.Config

	// Constructor registries are populated once at process startup by the
	// concrete backend packages (backends/memcache, backends/sqlitedb,
	// ...); every worker bootstrap shares the same compile-time tables.
	Caches      *reify.Registry[globalscope.Cache]
	Directories *reify.Registry[globalscope.Directory]
	Databases   *reify.Registry[DatabaseBackend]

	NativeFetch globalscope.FetchFunc
	Loggers     *logger.Factory

	// Metrics, if set, is wired into the Registration and every database
	// Handle this bootstrap constructs. Nil is fine: both no-op their
	// observations rather than requiring a caller-supplied instance.
	Metrics *metrics.Metrics

	Entry Entry
}

// Runtime is one bootstrapped, activated worker: a live Registration plus
// the installer handle that reverses the global scope install on shutdown.
type Runtime struct {
	Registration *registration.Registration
	Scope        *globalscope.Handle
	Loggers      *logger.Factory

	installer *globalscope.Installer
}

// Bootstrap runs the full §4.I sequence: reify config into registries,
// construct the Registration, install the global scope, load the user
// entry, then drive install()/activate(). The returned Runtime's
// Registration is Activated and ready for a workerloop.Loop.
func Bootstrap(ctx context.Context, opts Options) (*Runtime, error) {
	loggers := opts.Loggers
	if loggers == nil {
		loggers = logger.NewFactory(logger.LevelInfo)
	}

	caches := registry.New(func(name string) (globalscope.Cache, error) {
		return resolveAndReify(opts.Config.Caches, opts.Caches, name)
	})
	directories := registry.New(func(name string) (globalscope.Directory, error) {
		return resolveAndReify(opts.Config.Directories, opts.Directories, name)
	})
	databases := registry.New(func(name string) (*dbregistry.Handle, error) {
		backend, err := resolveAndReify(opts.Config.Databases, opts.Databases, name)
		if err != nil {
			return nil, err
		}
		return dbregistry.NewHandle(name, backend.Driver, backend.Store, opts.Metrics), nil
	})

	reg := registration.New(opts.ScriptURL, opts.Scope, opts.Metrics, loggers.Get("registration"))

	handle := &globalscope.Handle{
		Registration: reg,
		Caches:       caches,
		Directories:  directories,
		Databases:    databases,
		Loggers:      loggers,
		NativeFetch:  opts.NativeFetch,
	}

	installer, err := globalscope.Install(handle)
	if err != nil {
		return nil, fmt.Errorf("workerruntime: bootstrap: %w", err)
	}

	if opts.Entry == nil {
		installer.Restore()
		return nil, fmt.Errorf("workerruntime: bootstrap: %w: no entry configured", shoveler.ConfigInvalid)
	}
	if err := opts.Entry(handle); err != nil {
		installer.Restore()
		return nil, fmt.Errorf("workerruntime: bootstrap: load entry: %w", err)
	}

	if err := reg.Install(ctx); err != nil {
		installer.Restore()
		return nil, fmt.Errorf("workerruntime: bootstrap: install: %w", err)
	}
	if err := reg.Activate(ctx); err != nil {
		installer.Restore()
		return nil, fmt.Errorf("workerruntime: bootstrap: activate: %w", err)
	}

	return &Runtime{
		Registration: reg,
		Scope:        handle,
		Loggers:      loggers,
		installer:    installer,
	}, nil
}

// NewLoop wraps this runtime's Registration in a message loop reading in
// and writing out (§4.J).
func (rt *Runtime) NewLoop(in <-chan any, out chan<- workerloop.Outbound) *workerloop.Loop {
	return workerloop.New(rt.Registration, rt.Loggers.Get("workerloop"), in, out)
}

// Shutdown reverses the global scope install, freeing the process-scoped
// installer slot for a future worker restart.
func (rt *Runtime) Shutdown() {
	rt.installer.Restore()
}

// resolveAndReify looks name up in section (using reify's exact-then-glob
// rule against the config's source key order) and constructs it from the
// matching compile-time registry.
func resolveAndReify[T any](section config.Section, reg *reify.Registry[T], name string) (T, error) {
	var zero T
	entry, ok := reify.Resolve(section.Entries, section.Order, name)
	if !ok {
		return zero, fmt.Errorf("%w: no config entry matches %q", shoveler.ConfigInvalid, name)
	}
	factory, err := reg.Reify(entry)
	if err != nil {
		return zero, err
	}
	return factory()
}
