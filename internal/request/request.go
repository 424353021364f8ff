// Package request defines InferRequest, the unit of work the scheduler,
// block manager, and step driver all operate on.
package request

import (
	"sync"

	"github.com/google/uuid"
)

// Stage is where a request sits in the context/decode lifecycle.
type Stage int

const (
	// Context is the prefill stage: every prompt token is processed in one
	// step before the request starts decoding one token at a time.
	Context Stage = iota
	Decode
)

func (s Stage) String() string {
	if s == Context {
		return "CONTEXT"
	}
	return "DECODE"
}

// FinishReason explains why a request stopped producing tokens.
type FinishReason int

const (
	NotFinished FinishReason = iota
	FinishEOS
	FinishLength
	FinishCapacity
	FinishError
	FinishCancelled
	FinishStopped
)

func (f FinishReason) String() string {
	switch f {
	case FinishEOS:
		return "EOS"
	case FinishLength:
		return "LENGTH"
	case FinishCapacity:
		return "CAPACITY"
	case FinishError:
		return "ERROR"
	case FinishCancelled:
		return "CANCELLED"
	case FinishStopped:
		return "STOPPED"
	default:
		return "NONE"
	}
}

// SamplingConfig is opaque to this package — sampling itself is an external
// collaborator — but the fields schedule-relevant code needs to see (stop
// conditions, max tokens) are surfaced directly.
type SamplingConfig struct {
	MaxNewTokens int
	StopTokenIDs []int32
}

// InferRequest is C3: the scheduler's unit of admission and the step
// driver's unit of tensor assembly.
type InferRequest struct {
	ReqID     string
	ModelName string
	Sampling  SamplingConfig

	InputTokens  []int32
	OutputTokens []int32

	Stage Stage
	Step  int64 // counts decode iterations this request has completed
	Seq   int64 // monotonic admission order, used for FIFO tie-breaking

	// KVCacheBlocks[rank] is the ordered list of device block ids holding
	// this request's KV cache on that rank; SwappedHostBlocks[rank] holds
	// the host-side copy while the request is swapped out.
	KVCacheBlocks     [][]int
	SwappedHostBlocks [][]int
	BlockSize         int
	BlockTokenNum     int

	FinishReason FinishReason
	Finished     bool
	Err          error

	LogitsBuf    [][]float32 // per rank
	LogitsOffset int

	mu       sync.Mutex
	notified bool
	done     chan struct{}
}

// New builds an InferRequest for a prompt, assigning a uuid req_id when
// reqID is empty (mirrors the teacher's session-id generation in its
// HTTP-facing server package).
func New(reqID, modelName string, prompt []int32, sampling SamplingConfig, numRanks int) *InferRequest {
	if reqID == "" {
		reqID = uuid.NewString()
	}
	return &InferRequest{
		ReqID:             reqID,
		ModelName:         modelName,
		Sampling:          sampling,
		InputTokens:       prompt,
		Stage:             Context,
		KVCacheBlocks:     make([][]int, numRanks),
		SwappedHostBlocks: make([][]int, numRanks),
		LogitsBuf:         make([][]float32, numRanks),
		done:              make(chan struct{}),
	}
}

// TotalTokens is the number of tokens currently occupying KV cache slots:
// the full prompt plus whatever has been generated so far.
func (r *InferRequest) TotalTokens() int {
	return len(r.InputTokens) + len(r.OutputTokens)
}

// BlocksNeeded returns how many blocks are required to hold TotalTokens
// tokens, given BlockTokenNum tokens per block.
func (r *InferRequest) BlocksNeeded() int {
	if r.BlockTokenNum <= 0 {
		return 0
	}
	n := r.TotalTokens()
	return (n + r.BlockTokenNum - 1) / r.BlockTokenNum
}

// AppendToken records one generated token and advances the request into
// (or further into) the decode stage. Guarded by the same lock MarkFinished
// uses, since this runs on the driver goroutine while anything reading
// OutputTokens/Finished/FinishReason from outside (an HTTP handler
// cancelling the request, for instance) may run concurrently with it.
func (r *InferRequest) AppendToken(tok int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.OutputTokens = append(r.OutputTokens, tok)
	if r.Stage == Decode {
		r.Step++
	}
	r.Stage = Decode
}

// IsFinished reports whether MarkFinished has been called, safe to call
// concurrently with AppendToken and MarkFinished.
func (r *InferRequest) IsFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Finished
}

// Status returns a consistent snapshot of the tokens generated so far,
// whether the request is finished, and why — all read under the same lock
// AppendToken and MarkFinished use, so a caller polling this from another
// goroutine (internal/httpapi, most notably) never observes a torn update.
func (r *InferRequest) Status() (tokens []int32, finished bool, reason FinishReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tokens = make([]int32, len(r.OutputTokens))
	copy(tokens, r.OutputTokens)
	return tokens, r.Finished, r.FinishReason
}

// MarkFinished sets the terminal state and, the first time it is called,
// closes Done() — later calls are no-ops so "notify exactly once" holds
// even if multiple code paths race to finish the same request.
func (r *InferRequest) MarkFinished(reason FinishReason, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notified {
		return
	}
	r.notified = true
	r.Finished = true
	r.FinishReason = reason
	r.Err = err
	close(r.done)
}

// Done returns a channel closed exactly once, when the request finishes.
func (r *InferRequest) Done() <-chan struct{} { return r.done }
