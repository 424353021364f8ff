// scheduler.go implements C6: the admission gate in front of the Strategy,
// plus a read-only Stats snapshot for the HTTP front end and CLI.
package schedule

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/continuum-infer/batchd/internal/batch"
	"github.com/continuum-infer/batchd/internal/block"
	"github.com/continuum-infer/batchd/internal/errs"
	"github.com/continuum-infer/batchd/internal/request"
)

// Scheduler owns the batch state and drives one Strategy over it.
type Scheduler struct {
	cfg      Config
	state    *batch.State
	mgr      *block.Manager
	numRanks int
	strategy Strategy

	seq atomic.Int64
}

// New builds a Scheduler using the continuous-batching strategy.
func New(cfg Config, mgr *block.Manager, numRanks int) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		state:    batch.New(),
		mgr:      mgr,
		numRanks: numRanks,
		strategy: ContinuousBatching{},
	}
}

// AddInferRequest admits a group of requests atomically: either every
// request in the group passes the length/capacity checks and is buffered
// for the next schedule pass, or none are, and the caller is notified
// exactly once with the reason the whole group was rejected.
func (s *Scheduler) AddInferRequest(group ...*request.InferRequest) error {
	if len(group) == 0 {
		return nil
	}

	waiting, running, swapped, buffered := s.state.Counts()
	occupied := waiting + running + swapped + buffered

	reject := func(reason request.FinishReason, err error) error {
		for _, req := range group {
			req.MarkFinished(reason, err)
		}
		return err
	}

	for _, req := range group {
		if s.cfg.MaxTokenLen > 0 && len(req.InputTokens) > s.cfg.MaxTokenLen {
			return reject(request.FinishLength, errs.New(errs.ExceedLength, fmt.Sprintf("request %s: %d tokens exceeds max_token_len %d",
				req.ReqID, len(req.InputTokens), s.cfg.MaxTokenLen)))
		}
	}

	if s.cfg.MaxWaitingQueueLen > 0 && occupied+len(group) > s.cfg.MaxWaitingQueueLen {
		return reject(request.FinishCapacity, errs.New(errs.ExceedCapacity, fmt.Sprintf("queue occupancy %d + %d would exceed max_waiting_queue_len %d",
			occupied, len(group), s.cfg.MaxWaitingQueueLen)))
	}

	for _, req := range group {
		req.Seq = s.seq.Add(1)
	}
	s.state.PushBuffer(group...)
	slog.Debug("admitted request group", "count", len(group))
	return nil
}

// Schedule runs one pass: drain newly admitted requests into Waiting, then
// run the strategy, then return the current Running queue (a snapshot —
// the step driver is free to read it without holding the scheduler's
// internal locks).
func (s *Scheduler) Schedule() ([]*request.InferRequest, error) {
	s.state.DrainBuffer()
	if err := s.strategy.Apply(s.state, s.mgr, s.numRanks, s.cfg); err != nil {
		return nil, err
	}

	s.state.Lock()
	defer s.state.Unlock()
	running := make([]*request.InferRequest, len(s.state.Running))
	copy(running, s.state.Running)
	return running, nil
}

// Drain empties every queue and returns whatever was still in flight. The
// caller owns those requests afterward — Schedule will no longer see them.
func (s *Scheduler) Drain() []*request.InferRequest {
	return s.state.Drain()
}

// Stats is a point-in-time snapshot for monitoring.
type Stats struct {
	Waiting  int
	Running  int
	Swapped  int
	Buffered int

	DeviceFree []int
	DeviceUsed []int
	HostFree   int
	HostUsed   int
}

// Stats reports queue depths and block-pool occupancy.
func (s *Scheduler) Stats() Stats {
	waiting, running, swapped, buffered := s.state.Counts()
	st := Stats{
		Waiting:    waiting,
		Running:    running,
		Swapped:    swapped,
		Buffered:   buffered,
		DeviceFree: make([]int, s.numRanks),
		DeviceUsed: make([]int, s.numRanks),
		HostFree:   s.mgr.HostFreeBlockNumber(),
		HostUsed:   s.mgr.HostUsedBlockNumber(),
	}
	for rank := 0; rank < s.numRanks; rank++ {
		st.DeviceFree[rank] = s.mgr.GetFreeBlockNumber(rank)
		st.DeviceUsed[rank] = s.mgr.GetUsedBlockNumber(rank)
	}
	return st
}
