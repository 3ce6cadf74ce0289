package workerruntime

import (
	"context"
	"net/http"
	"testing"

	"github.com/shovelrun/shovel/internal/config"
	"github.com/shovelrun/shovel/internal/dbregistry"
	"github.com/shovelrun/shovel/internal/event"
	"github.com/shovelrun/shovel/internal/globalscope"
	"github.com/shovelrun/shovel/internal/reify"
)

type fakeCache struct{}

func (fakeCache) Match(ctx context.Context, req *http.Request) (*event.Response, bool, error) {
	return nil, false, nil
}
func (fakeCache) Put(ctx context.Context, req *http.Request, resp *event.Response) error { return nil }
func (fakeCache) Delete(ctx context.Context, req *http.Request) (bool, error)             { return false, nil }
func (fakeCache) Keys(ctx context.Context) ([]*http.Request, error)                       { return nil, nil }

type fakeDriver struct{}

func (fakeDriver) All(ctx context.Context, sql string, params []any) ([]dbregistry.Row, error) {
	return nil, nil
}
func (fakeDriver) Get(ctx context.Context, sql string, params []any) (dbregistry.Row, error) {
	return nil, nil
}
func (fakeDriver) Run(ctx context.Context, sql string, params []any) (int64, error) { return 0, nil }
func (fakeDriver) Val(ctx context.Context, sql string, params []any) (any, error)   { return nil, nil }

type fakeStore struct{ version int }

func (s *fakeStore) Version(ctx context.Context) (int, error) { return s.version, nil }
func (s *fakeStore) SetVersion(ctx context.Context, v int) error {
	s.version = v
	return nil
}

func testOptions() Options {
	cacheRegistry := reify.NewRegistry[globalscope.Cache]()
	cacheRegistry.Register("memcache", "", func(opts map[string]any) (globalscope.Cache, error) {
		return fakeCache{}, nil
	})
	dbRegistry := reify.NewRegistry[DatabaseBackend]()
	dbRegistry.Register("sqlitedb", "", func(opts map[string]any) (DatabaseBackend, error) {
		return DatabaseBackend{Driver: fakeDriver{}, Store: &fakeStore{}}, nil
	})

	cfg := &config.Config{
		Caches: config.Section{
			Entries: map[string]reify.Entry{"main": {Module: "memcache"}},
			Order:   []string{"main"},
		},
		Databases: config.Section{
			Entries: map[string]reify.Entry{"app": {Module: "sqlitedb"}},
			Order:   []string{"app"},
		},
		Directories: config.Section{Entries: map[string]reify.Entry{}},
	}

	return Options{
		ScriptURL:   "worker.js",
		Scope:       "/",
		Config:      cfg,
		Caches:      cacheRegistry,
		Directories: reify.NewRegistry[globalscope.Directory](),
		Databases:   dbRegistry,
		Entry: func(h *globalscope.Handle) error { return nil },
	}
}

func TestBootstrapActivatesRegistration(t *testing.T) {
	opts := testOptions()
	opts.Entry = func(h *globalscope.Handle) error { return nil }

	rt, err := Bootstrap(context.Background(), opts)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Shutdown()

	if rt.Registration.State().String() != "activated" {
		t.Fatalf("expected activated, got %s", rt.Registration.State())
	}
	if globalscope.Current() != rt.Scope {
		t.Fatalf("expected installed scope to be current")
	}
}

func TestBootstrapResolvesConfiguredCache(t *testing.T) {
	opts := testOptions()
	var gotCache globalscope.Cache
	opts.Entry = func(h *globalscope.Handle) error {
		c, err := h.Caches.Get("main")
		if err != nil {
			return err
		}
		gotCache = c
		return nil
	}

	rt, err := Bootstrap(context.Background(), opts)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Shutdown()

	if gotCache == nil {
		t.Fatal("expected cache to be resolved during entry load")
	}
}

func TestBootstrapFailsOnMissingEntry(t *testing.T) {
	opts := testOptions()
	opts.Entry = nil

	if _, err := Bootstrap(context.Background(), opts); err == nil {
		t.Fatal("expected error for missing entry")
	}
	if globalscope.Current() != nil {
		t.Fatal("expected install to be reversed after bootstrap failure")
	}
}

func TestBootstrapFailsOnUnresolvedCacheName(t *testing.T) {
	opts := testOptions()
	opts.Entry = func(h *globalscope.Handle) error {
		_, err := h.Caches.Get("does-not-exist")
		return err
	}

	if _, err := Bootstrap(context.Background(), opts); err == nil {
		t.Fatal("expected error for unresolved cache name")
	}
}
