// Package supervisor implements the Supervisor (§4.K): the process-side
// dispatcher that routes fetch requests to the least-loaded worker, tracks
// in-flight requests by correlation id so responses may arrive out of
// order, applies backpressure once a worker's in-flight cap is reached, and
// restarts workers (within a bounded budget) when one is lost.
//
// Grounded on cluster.MasterControllerServer's atomic id/version counters
// and mutex-guarded slot tracking, combined with worker.WorkerPool's fixed
// goroutine pool plus sync.WaitGroup-drained shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shovelrun/shovel/internal/logger"
	"github.com/shovelrun/shovel/internal/metrics"
	"github.com/shovelrun/shovel/internal/shoveler"
	"github.com/shovelrun/shovel/internal/workerloop"
)

// DefaultInFlightCap is the per-worker in-flight request ceiling (§5) before
// new requests for that worker start queuing.
const DefaultInFlightCap = 256

// DefaultQueueDepth bounds the backpressure queue before Dispatch returns
// shoveler.Overloaded.
const DefaultQueueDepth = 1024

// DefaultRestartBudget is how many automatic worker restarts the supervisor
// performs over its lifetime before giving up and surfacing WorkerLost
// permanently for that slot.
const DefaultRestartBudget = 8

// Worker is one worker's duplex channel pair as seen by the supervisor.
type Worker struct {
	ID  string
	In  chan any
	Out chan workerloop.Outbound

	inFlight atomic.Int64
}

// NewWorkerFunc constructs a replacement worker when one is lost. It is the
// caller's responsibility to bootstrap a fresh workerruntime.Runtime and
// start its message loop against the returned channels.
type NewWorkerFunc func(ctx context.Context) (*Worker, error)

// Options configures a Supervisor.
type Options struct {
	InFlightCap   int
	QueueDepth    int
	RestartBudget int
	Metrics       *metrics.Metrics
	Log           *logger.Logger
	NewWorker     NewWorkerFunc
}

type pendingSlot struct {
	workerIdx int
	resultCh  chan dispatchResult
}

type dispatchResult struct {
	resp workerloop.Response
	err  error
}

// Supervisor owns a worker pool and the in-flight request table correlating
// responses back to callers.
type Supervisor struct {
	opts Options

	mu       sync.Mutex
	workers  []*Worker
	pending  map[uint64]*pendingSlot
	nextID   atomic.Uint64
	restarts int
	closed   bool

	queue chan struct{} // backpressure token bucket
	wg    sync.WaitGroup
}

// New constructs a Supervisor over the given initial workers.
func New(opts Options, workers []*Worker) *Supervisor {
	if opts.InFlightCap <= 0 {
		opts.InFlightCap = DefaultInFlightCap
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.RestartBudget <= 0 {
		opts.RestartBudget = DefaultRestartBudget
	}

	s := &Supervisor{
		opts:    opts,
		workers: workers,
		pending: make(map[uint64]*pendingSlot),
		queue:   make(chan struct{}, opts.QueueDepth),
	}
	for i, w := range workers {
		s.watch(i, w)
	}
	return s
}

// watch starts the goroutine draining one worker's Out channel, demuxing
// Response/ErrorMessage/ReadyMessage, and resolving pending slots.
func (s *Supervisor) watch(idx int, w *Worker) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range w.Out {
			switch m := msg.(type) {
			case workerloop.Response:
				s.resolve(m.ID, dispatchResult{resp: m})
			case workerloop.ErrorMessage:
				if m.ID != nil {
					s.resolve(*m.ID, dispatchResult{err: fmt.Errorf("%s", m.Message)})
				} else if s.opts.Log != nil {
					s.opts.Log.Warningf("supervisor: worker %s reported error: %s", w.ID, m.Message)
				}
			case workerloop.ReadyMessage:
				// Informational only; the worker is already registered.
			}
		}
		// Out closed: the worker is gone.
		s.onWorkerLost(idx, w)
	}()
}

// onWorkerLost fails every pending request assigned to w and attempts a
// bounded restart.
func (s *Supervisor) onWorkerLost(idx int, w *Worker) {
	s.mu.Lock()
	for id, slot := range s.pending {
		if slot.workerIdx == idx {
			delete(s.pending, id)
			slot.resultCh <- dispatchResult{err: shoveler.WorkerLost}
		}
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}
	if s.opts.Log != nil {
		s.opts.Log.Errorf("supervisor: worker %s lost", w.ID)
	}
	s.restart(idx)
}

func (s *Supervisor) restart(idx int) {
	s.mu.Lock()
	if s.restarts >= s.opts.RestartBudget || s.opts.NewWorker == nil {
		s.mu.Unlock()
		if s.opts.Log != nil {
			s.opts.Log.Errorf("supervisor: restart budget exhausted for worker slot %d", idx)
		}
		return
	}
	s.restarts++
	s.mu.Unlock()

	replacement, err := s.opts.NewWorker(context.Background())
	if err != nil {
		if s.opts.Log != nil {
			s.opts.Log.Errorf("supervisor: failed to restart worker slot %d: %v", idx, err)
		}
		return
	}

	s.mu.Lock()
	s.workers[idx] = replacement
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.IncWorkerRestart()
	}
	s.watch(idx, replacement)
}

func (s *Supervisor) resolve(id uint64, result dispatchResult) {
	s.mu.Lock()
	slot, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	if ok {
		s.workers[slot.workerIdx].inFlight.Add(-1)
	}
	s.mu.Unlock()
	if ok {
		slot.resultCh <- result
	}
}

// pickWorker returns the index of the worker with the fewest in-flight
// requests, breaking ties by lowest index.
func (s *Supervisor) pickWorker() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := -1
	var bestLoad int64
	for i, w := range s.workers {
		load := w.inFlight.Load()
		if best == -1 || load < bestLoad {
			best = i
			bestLoad = load
		}
	}
	return best
}

// Dispatch routes req to the least-loaded worker and waits for its reply,
// correlating the response by id regardless of arrival order (§5). Returns
// shoveler.Overloaded if every eligible worker is at its in-flight cap and
// the backpressure queue is full.
func (s *Supervisor) Dispatch(ctx context.Context, req workerloop.Request) (*workerloop.Response, error) {
	start := time.Now()
	resp, err := s.dispatch(ctx, req)
	if s.opts.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.opts.Metrics.ObserveRequest(outcome, time.Since(start))
	}
	return resp, err
}

func (s *Supervisor) dispatch(ctx context.Context, req workerloop.Request) (*workerloop.Response, error) {
	idx := s.pickWorker()
	if idx < 0 {
		return nil, fmt.Errorf("supervisor: dispatch: no workers available")
	}

	s.mu.Lock()
	w := s.workers[idx]
	if w.inFlight.Load() >= int64(s.opts.InFlightCap) {
		select {
		case s.queue <- struct{}{}:
			defer func() { <-s.queue }()
		default:
			s.mu.Unlock()
			return nil, shoveler.Overloaded
		}
	}

	id := s.nextID.Add(1)
	req.ID = id
	resultCh := make(chan dispatchResult, 1)
	s.pending[id] = &pendingSlot{workerIdx: idx, resultCh: resultCh}
	w.inFlight.Add(1)
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.IncInFlight()
		defer s.opts.Metrics.DecInFlight()
	}

	select {
	case w.In <- req:
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		w.inFlight.Add(-1)
		return nil, ctx.Err()
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		return &result.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown drains in-flight requests for up to grace, then closes every
// worker's inbound channel so their message loops exit.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	s.closed = true
	workers := append([]*Worker(nil), s.workers...)
	s.mu.Unlock()

	deadline := time.After(grace)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

drain:
	for {
		s.mu.Lock()
		remaining := len(s.pending)
		s.mu.Unlock()
		if remaining == 0 {
			break drain
		}
		select {
		case <-ticker.C:
		case <-deadline:
			break drain
		}
	}

	for _, w := range workers {
		close(w.In)
	}
	s.wg.Wait()
}
