// Package batch holds the four request queues the scheduler moves requests
// through: a buffer queue absorbing concurrent admissions, and the
// waiting/running/swapped queues the schedule strategy operates on.
package batch

import (
	"sync"

	"github.com/continuum-infer/batchd/internal/request"
)

// State is C4. WaitingBuffer has its own mutex, separate from the mutex
// guarding the other three queues, so PushBuffer never contends with an
// in-flight Schedule() pass — that pass only has to drain the buffer queue
// once, briefly, at its start. (Counts, which AddInferRequest calls for its
// capacity check, does take the queue mutex.)
type State struct {
	bufferMu      sync.Mutex
	WaitingBuffer []*request.InferRequest

	queueMu sync.Mutex
	Waiting []*request.InferRequest
	Running []*request.InferRequest
	Swapped []*request.InferRequest
}

// New returns an empty State.
func New() *State {
	return &State{}
}

// PushBuffer appends requests to the buffer queue. Safe to call
// concurrently with DrainBuffer and with any method touching the other
// three queues.
func (s *State) PushBuffer(reqs ...*request.InferRequest) {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()
	s.WaitingBuffer = append(s.WaitingBuffer, reqs...)
}

// DrainBuffer moves everything out of the buffer queue and appends it to
// Waiting. Called once at the start of each Schedule pass.
func (s *State) DrainBuffer() {
	s.bufferMu.Lock()
	drained := s.WaitingBuffer
	s.WaitingBuffer = nil
	s.bufferMu.Unlock()

	if len(drained) == 0 {
		return
	}
	s.queueMu.Lock()
	s.Waiting = append(s.Waiting, drained...)
	s.queueMu.Unlock()
}

// Lock/Unlock expose the queue mutex directly to the schedule strategy,
// which needs to hold it across several queue mutations within one pass.
func (s *State) Lock()   { s.queueMu.Lock() }
func (s *State) Unlock() { s.queueMu.Unlock() }

// Counts returns a point-in-time snapshot of queue depths, used by
// Scheduler.Stats.
func (s *State) Counts() (waiting, running, swapped, buffered int) {
	s.bufferMu.Lock()
	buffered = len(s.WaitingBuffer)
	s.bufferMu.Unlock()

	s.queueMu.Lock()
	waiting, running, swapped = len(s.Waiting), len(s.Running), len(s.Swapped)
	s.queueMu.Unlock()
	return
}

// Drain empties every queue and returns everything that was in them, in no
// particular order. Used on shutdown: whatever is still in flight is
// handed back to the caller rather than left to wait on a loop that has
// stopped scheduling it.
func (s *State) Drain() []*request.InferRequest {
	s.bufferMu.Lock()
	buffered := s.WaitingBuffer
	s.WaitingBuffer = nil
	s.bufferMu.Unlock()

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	all := make([]*request.InferRequest, 0, len(buffered)+len(s.Waiting)+len(s.Running)+len(s.Swapped))
	all = append(all, buffered...)
	all = append(all, s.Waiting...)
	all = append(all, s.Running...)
	all = append(all, s.Swapped...)
	s.Waiting = nil
	s.Running = nil
	s.Swapped = nil
	return all
}

// RemoveRunning removes req from Running, if present. Callers must hold
// the queue lock.
func RemoveRunning(s *State, req *request.InferRequest) {
	s.Running = remove(s.Running, req)
}

func remove(list []*request.InferRequest, target *request.InferRequest) []*request.InferRequest {
	out := list[:0]
	for _, r := range list {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}
