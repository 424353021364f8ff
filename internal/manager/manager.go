// Package manager implements C8: the driver thread that repeatedly calls
// Schedule then Step, the Enqueue entry point new requests arrive through,
// and Start/Stop lifecycle management. This mirrors the teacher's
// run(ctx)/processBatch main loop — a condition-variable-gated loop that
// sleeps when there is nothing to do and wakes as soon as work arrives.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/continuum-infer/batchd/internal/block"
	"github.com/continuum-infer/batchd/internal/engine"
	"github.com/continuum-infer/batchd/internal/errs"
	"github.com/continuum-infer/batchd/internal/request"
	"github.com/continuum-infer/batchd/internal/schedule"
	"github.com/continuum-infer/batchd/internal/step"
)

// SampleFunc turns one request's rank-scattered step logits into a sampled
// token id. The numerics — temperature, top-k/top-p, whatever a real model
// would use — are an external collaborator's job (spec non-goal); Manager
// only needs the token back so it can append it and let the scheduler's
// own bookkeeping decide, on the next pass, whether the request is done.
type SampleFunc func(req *request.InferRequest) (int32, error)

// Greedy is the default SampleFunc: argmax over rank 0's logits. It exists
// so the server is runnable end to end without a model attached, the same
// role noopForward plays for the forward pass.
func Greedy(req *request.InferRequest) (int32, error) {
	logits := req.LogitsBuf[0]
	if len(logits) == 0 {
		return 0, errs.New(errs.InvalidArgument, fmt.Sprintf("request %s: no logits to sample from", req.ReqID))
	}
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int32(best), nil
}

// Manager is C8. It owns the scheduler and step driver and runs the
// process loop on its own goroutine.
type Manager struct {
	sched  *schedule.Scheduler
	mgr    *block.Manager
	driver *step.Driver
	engine *engine.Context
	sample SampleFunc

	admission *semaphore.Weighted

	modelNamesMu sync.RWMutex
	modelNames   map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}

	mu   sync.Mutex
	cond *sync.Cond
	// pending counts requests queued but not yet drained into the
	// scheduler's waiting queue, used only to wake the loop.
	pending int
}

// New builds a Manager. maxInFlight bounds the number of requests that may
// be concurrently admitted (mirrors the teacher's seqsSem bound on
// concurrently-loaded sequences).
func New(sched *schedule.Scheduler, mgr *block.Manager, driver *step.Driver, eng *engine.Context, sample SampleFunc, maxInFlight int64, models []string) *Manager {
	m := &Manager{
		sched:      sched,
		mgr:        mgr,
		driver:     driver,
		engine:     eng,
		sample:     sample,
		admission:  semaphore.NewWeighted(maxInFlight),
		modelNames: make(map[string]bool, len(models)),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	m.cond = sync.NewCond(&m.mu)
	for _, name := range models {
		m.modelNames[name] = true
	}
	return m
}

// RegisterModel adds a model name requests may target.
func (m *Manager) RegisterModel(name string) {
	m.modelNamesMu.Lock()
	defer m.modelNamesMu.Unlock()
	m.modelNames[name] = true
}

func (m *Manager) knowsModel(name string) bool {
	m.modelNamesMu.RLock()
	defer m.modelNamesMu.RUnlock()
	return m.modelNames[name]
}

// Enqueue admits req, blocking until the admission semaphore has capacity
// or ctx is cancelled. Returns an INVALID_ARGUMENT error immediately if
// req's model isn't registered, without ever touching the semaphore or
// the scheduler's queues.
func (m *Manager) Enqueue(ctx context.Context, req *request.InferRequest) error {
	if !m.knowsModel(req.ModelName) {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unknown model %q", req.ModelName))
	}
	if err := m.admission.Acquire(ctx, 1); err != nil {
		return err
	}

	if err := m.sched.AddInferRequest(req); err != nil {
		m.admission.Release(1)
		return err
	}

	go func() {
		<-req.Done()
		m.admission.Release(1)
	}()

	m.mu.Lock()
	m.pending++
	m.cond.Signal()
	m.mu.Unlock()
	return nil
}

// Start launches the process loop on a new goroutine. Call Stop to shut it
// down; Start must not be called again until the previous loop has fully
// stopped.
func (m *Manager) Start() {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
}

// Stop signals the process loop to exit, waits for it to do so, then marks
// every request still in the scheduler's queues finished with STOPPED —
// per Scenario 5, a clean shutdown must not leave streamResponse callers
// (or Enqueue's admission-release goroutine) waiting on a Done() that will
// never close.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.mu.Lock()
	m.cond.Signal()
	m.mu.Unlock()
	<-m.doneCh

	for _, req := range m.sched.Drain() {
		req.MarkFinished(request.FinishStopped, errs.New(errs.Stopped, "server shutting down"))
	}
}

func (m *Manager) run() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		running, err := m.sched.Schedule()
		if err != nil {
			slog.Error("schedule failed", "err", err)
			continue
		}

		if len(running) == 0 {
			m.waitForWork()
			continue
		}

		if err := m.driver.Step(m.engine, m.mgr, running); err != nil {
			slog.Error("step failed", "err", err)
			continue
		}

		m.sampleStep(running)
	}
}

// sampleStep turns this step's logits into a token for every request that
// is still running, appending it and advancing the request toward decode.
// Whether that's enough to finish the request is decided on the next
// Schedule() pass, not here — this function only ever produces tokens.
func (m *Manager) sampleStep(running []*request.InferRequest) {
	for _, req := range running {
		if req.IsFinished() {
			continue
		}
		tok, err := m.sample(req)
		if err != nil {
			slog.Error("sample failed", "req_id", req.ReqID, "err", err)
			req.MarkFinished(request.FinishError, err)
			continue
		}
		req.AppendToken(tok)
	}
}

// waitForWork blocks until Enqueue signals new work or Stop is called.
func (m *Manager) waitForWork() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.pending == 0 {
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.cond.Wait()
	}
	m.pending = 0
}
