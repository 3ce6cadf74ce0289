// Command shoveld is the process entrypoint for the Shovel ServiceWorker
// execution runtime: it loads configuration, reifies the configured
// cache/directory/database backends, bootstraps a pool of worker runtimes,
// starts a Supervisor to dispatch between them, and fronts the pool with an
// illustrative net/http listener (explicitly out of scope per §1, but the
// supervisor needs some HTTP-producing collaborator to be useful as a
// binary).
//
// Grounded on main.go's startup sequence (flags → logger → config →
// managers → pool → signal-driven graceful shutdown), generalised from
// "sessions and a scheduler" to "worker runtimes and a supervisor", and on
// dashboard/server.go's explicit-timeout http.Server construction style.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/shovelrun/shovel/backends/memcache"
	"github.com/shovelrun/shovel/backends/memdir"
	"github.com/shovelrun/shovel/backends/sqlitedb"
	"github.com/shovelrun/shovel/backends/stdlog"
	"github.com/shovelrun/shovel/internal/config"
	"github.com/shovelrun/shovel/internal/event"
	"github.com/shovelrun/shovel/internal/globalscope"
	"github.com/shovelrun/shovel/internal/logger"
	"github.com/shovelrun/shovel/internal/metrics"
	"github.com/shovelrun/shovel/internal/reify"
	"github.com/shovelrun/shovel/internal/supervisor"
	"github.com/shovelrun/shovel/internal/workerloop"
	"github.com/shovelrun/shovel/internal/workerruntime"
)

func main() {
	configFile := flag.String("config", "", "Path to JSON config file (optional; uses defaults if omitted)")
	metricsAddr := flag.String("metrics", ":9090", "Address for the Prometheus metrics endpoint")
	flag.Parse()

	log := logger.NewFactory(logger.LevelInfo).Get("shoveld")
	log.Info("shovel starting up")

	cfg, err := loadConfig(*configFile, log)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	loggers, err := stdlog.Build(cfg.Logging)
	if err != nil {
		log.Errorf("failed to build logger factory: %v", err)
		os.Exit(1)
	}

	m := metrics.New()

	cacheRegistry := reify.NewRegistry[globalscope.Cache]()
	memcache.Register(cacheRegistry)

	dirRegistry := reify.NewRegistry[globalscope.Directory]()
	memdir.Register(dirRegistry)

	dbRegistry := reify.NewRegistry[workerruntime.DatabaseBackend]()
	sqlitedb.Register(dbRegistry)

	nativeFetch := nativeFetchFunc(&http.Client{Timeout: 30 * time.Second})

	newWorker := func(ctx context.Context) (*supervisor.Worker, error) {
		return bootstrapWorker(ctx, cfg, loggers, cacheRegistry, dirRegistry, dbRegistry, nativeFetch, m, log)
	}

	workerCount := cfg.Workers
	if workerCount < 1 {
		workerCount = 1
	}
	log.Infof("bootstrapping %d workers…", workerCount)

	workers := make([]*supervisor.Worker, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		w, err := newWorker(context.Background())
		if err != nil {
			log.Errorf("worker %d bootstrap failed: %v", i, err)
			os.Exit(1)
		}
		workers = append(workers, w)
	}
	log.Infof("%d workers activated", len(workers))

	sup := supervisor.New(supervisor.Options{
		Metrics:   m,
		Log:       log,
		NewWorker: newWorker,
	}, workers)

	listener := &httpListener{sup: sup, log: log}
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      listener,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:         *metricsAddr,
		Handler:      m.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("fetch listener serving on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http listener error: %v", err)
		}
	}()
	go func() {
		log.Infof("metrics endpoint serving on %s", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics listener error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Println()
	log.Infof("received signal %s; shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http listener shutdown: %v", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("metrics listener shutdown: %v", err)
	}

	sup.Shutdown(10 * time.Second)
	log.Info("shovel shut down cleanly")
}

func loadConfig(path string, log *logger.Logger) (*config.Config, error) {
	if path == "" {
		log.Info("using default configuration")
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %q: %w", path, err)
	}
	log.Infof("configuration loaded from %q", path)
	return cfg, nil
}

// bootstrapWorker builds one activated workerruntime.Runtime, starts its
// message loop on a fresh pair of channels, and returns the supervisor-side
// handle for it. It is also the supervisor's NewWorkerFunc, so a lost
// worker is replaced with an identically-configured one.
func bootstrapWorker(
	ctx context.Context,
	cfg *config.Config,
	loggers *logger.Factory,
	caches *reify.Registry[globalscope.Cache],
	dirs *reify.Registry[globalscope.Directory],
	dbs *reify.Registry[workerruntime.DatabaseBackend],
	nativeFetch globalscope.FetchFunc,
	m *metrics.Metrics,
	log *logger.Logger,
) (*supervisor.Worker, error) {
	id := uuid.NewString()

	rt, err := workerruntime.Bootstrap(ctx, workerruntime.Options{
		ScriptURL:   "shoveld://demo-worker",
		Scope:       "/",
		Config:      cfg,
		Caches:      caches,
		Directories: dirs,
		Databases:   dbs,
		NativeFetch: nativeFetch,
		Metrics:     m,
		Loggers:     loggers,
		Entry:       demoEntry,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap worker %s: %w", id, err)
	}

	in := make(chan any, 64)
	out := make(chan workerloop.Outbound, 64)
	loop := rt.NewLoop(in, out)

	go loop.Run(context.Background())

	log.Infof("worker %s activated", id)
	return &supervisor.Worker{ID: id, In: in, Out: out}, nil
}

// nativeFetchFunc adapts a pooled *http.Client into the globalscope.FetchFunc
// contract used for absolute-URL fetches (§4.F).
func nativeFetchFunc(client *http.Client) globalscope.FetchFunc {
	return func(ctx context.Context, req *http.Request) (*event.Response, error) {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("nativeFetch: read body: %w", err)
		}
		return &event.Response{
			Status:     resp.StatusCode,
			StatusText: resp.Status,
			Header:     resp.Header,
			Body:       body,
		}, nil
	}
}
