// strategy.go implements C5: continuous batching with swap-based
// preemption. Each call to Apply runs four passes over the batch state:
// finish-sweep, grow-running (allocate more blocks for requests already in
// Running, preempting victims by swap-out if the pool is exhausted),
// resume-swapped (try to bring swapped requests back in, oldest first),
// and admit-waiting (pull new requests off Waiting up to the batch-size and
// token-budget limits).
package schedule

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/continuum-infer/batchd/internal/batch"
	"github.com/continuum-infer/batchd/internal/block"
	"github.com/continuum-infer/batchd/internal/errs"
	"github.com/continuum-infer/batchd/internal/request"
)

// Strategy decides, for one scheduling pass, which requests run, swap out,
// swap in, or wait.
type Strategy interface {
	Apply(state *batch.State, mgr *block.Manager, numRanks int, cfg Config) error
}

// ContinuousBatching is the only Strategy this repo implements.
type ContinuousBatching struct{}

func (ContinuousBatching) Apply(state *batch.State, mgr *block.Manager, numRanks int, cfg Config) error {
	state.Lock()
	defer state.Unlock()

	sweepFinished(state, mgr, numRanks)
	growRunning(state, mgr, numRanks, cfg)
	resumeSwapped(state, mgr, numRanks, cfg)
	admitWaiting(state, mgr, numRanks, cfg)
	return nil
}

// sweepFinished evaluates the terminal conditions the scheduler itself
// owns — max_new_tokens reached and a stop token id emitted — then removes
// every finished request (whether finished just now or by an external
// caller such as the HTTP cancel handler or a failed sample in Manager)
// from Running and releases its blocks. Must
// run before growRunning so freed blocks are available to requests that
// are still alive.
func sweepFinished(state *batch.State, mgr *block.Manager, numRanks int) {
	for _, req := range state.Running {
		if !req.IsFinished() {
			checkTerminal(req)
		}
	}

	alive := state.Running[:0]
	for _, req := range state.Running {
		if !req.IsFinished() {
			alive = append(alive, req)
			continue
		}
		releaseBlocks(mgr, numRanks, req)
	}
	state.Running = alive
}

// checkTerminal marks req finished if it has hit a condition the scheduler
// is responsible for recognizing: max_new_tokens reached, or its most
// recently generated token is one of its stop token ids. Which token gets
// generated is sampling's call; deciding that generation should stop is
// this function's.
func checkTerminal(req *request.InferRequest) {
	if n := req.Sampling.MaxNewTokens; n > 0 && len(req.OutputTokens) >= n {
		req.MarkFinished(request.FinishLength, nil)
		return
	}
	if len(req.OutputTokens) == 0 {
		return
	}
	last := req.OutputTokens[len(req.OutputTokens)-1]
	for _, stop := range req.Sampling.StopTokenIDs {
		if last == stop {
			req.MarkFinished(request.FinishEOS, nil)
			return
		}
	}
}

func releaseBlocks(mgr *block.Manager, numRanks int, req *request.InferRequest) {
	for rank := 0; rank < numRanks; rank++ {
		if len(req.KVCacheBlocks[rank]) > 0 {
			if err := mgr.FreeBlocks(rank, req.KVCacheBlocks[rank]); err != nil {
				slog.Warn("free blocks on finish", "req_id", req.ReqID, "rank", rank, "err", err)
			}
			req.KVCacheBlocks[rank] = nil
		}
		if len(req.SwappedHostBlocks[rank]) > 0 {
			if err := mgr.SwapDrop(req.SwappedHostBlocks[rank]); err != nil {
				slog.Warn("drop swapped blocks on finish", "req_id", req.ReqID, "rank", rank, "err", err)
			}
			req.SwappedHostBlocks[rank] = nil
		}
	}
}

// growRunning ensures every request remaining in Running holds enough
// blocks for its current token count (decode appends one token at a time,
// which occasionally crosses into a fresh block). When the device pool
// can't satisfy a request's growth, the newest other running request is
// swapped out (LIFO victim selection) to free space; if that still isn't
// enough the requesting request itself is swapped out last.
func growRunning(state *batch.State, mgr *block.Manager, numRanks int, cfg Config) {
	// Iterate a stable snapshot of pointers rather than indices into
	// state.Running: swapOutRequest/failRequest remove elements out of
	// Seq order (victims aren't necessarily last), which would otherwise
	// shift an unprocessed request into the cursor's old slot and skip it.
	pending := append([]*request.InferRequest(nil), state.Running...)
	for _, req := range pending {
		if indexOf(state.Running, req) < 0 {
			continue // already evicted earlier in this pass as someone's victim
		}
		for !tryGrow(req, mgr, numRanks, cfg.BlockTokenNum) {
			victim := selectVictim(state.Running, req)
			if victim == nil {
				// No one left to evict; preempt the request itself. If even
				// that can't free anything, there is nothing left to try —
				// the request is resource-starved.
				if !swapOutRequest(state, mgr, numRanks, req, indexOf(state.Running, req)) {
					failRequest(state, mgr, numRanks, req, indexOf(state.Running, req))
				}
				break
			}
			if !swapOutRequest(state, mgr, numRanks, victim, indexOf(state.Running, victim)) {
				failRequest(state, mgr, numRanks, victim, indexOf(state.Running, victim))
			}
		}
	}
}

// failRequest marks req CAPACITY-finished and removes it from Running,
// releasing whatever blocks it still holds. Reached only when swap-out
// itself fails to free device memory — an unrecoverable preemption, not a
// sampling decision.
func failRequest(state *batch.State, mgr *block.Manager, numRanks int, req *request.InferRequest, idx int) {
	releaseBlocks(mgr, numRanks, req)
	req.MarkFinished(request.FinishCapacity, errs.New(errs.ExceedCapacity,
		fmt.Sprintf("request %s: no device memory available and swap-out failed", req.ReqID)))
	if idx >= 0 {
		state.Running = append(state.Running[:idx], state.Running[idx+1:]...)
	}
	slog.Warn("request resource-starved on unrecoverable preemption", "req_id", req.ReqID)
}

// tryGrow allocates whatever additional blocks req needs across every
// rank, atomically: if any rank can't satisfy the request, every rank's
// partial allocation is rolled back and tryGrow reports failure.
func tryGrow(req *request.InferRequest, mgr *block.Manager, numRanks int, blockTokenNum int) bool {
	req.BlockTokenNum = blockTokenNum
	needed := req.BlocksNeeded()
	have := len(req.KVCacheBlocks[0])
	if needed <= have {
		return true
	}
	extra := needed - have

	allocated := make([][]int, numRanks)
	for rank := 0; rank < numRanks; rank++ {
		ids, err := mgr.AllocateBlocks(rank, extra)
		if err != nil {
			for r2 := 0; r2 < rank; r2++ {
				_ = mgr.FreeBlocks(r2, allocated[r2])
			}
			return false
		}
		allocated[rank] = ids
	}
	for rank := 0; rank < numRanks; rank++ {
		req.KVCacheBlocks[rank] = append(req.KVCacheBlocks[rank], allocated[rank]...)
	}
	return true
}

// selectVictim picks the most-recently-admitted running request other than
// exclude — LIFO order keeps the oldest (and therefore closest-to-finished)
// requests running, at the cost of fairness to the request that triggered
// the preemption.
func selectVictim(running []*request.InferRequest, exclude *request.InferRequest) *request.InferRequest {
	var victim *request.InferRequest
	for _, r := range running {
		if r == exclude {
			continue
		}
		if victim == nil || r.Seq > victim.Seq {
			victim = r
		}
	}
	return victim
}

func indexOf(running []*request.InferRequest, target *request.InferRequest) int {
	for i, r := range running {
		if r == target {
			return i
		}
	}
	return -1
}

// swapOutRequest moves req from Running to Swapped, copying its device
// blocks to host blocks and freeing the device side. Reports false without
// moving req anywhere if any rank's swap-out fails, leaving the caller to
// decide what to do with a request that can neither grow nor be evicted.
func swapOutRequest(state *batch.State, mgr *block.Manager, numRanks int, req *request.InferRequest, idx int) bool {
	for rank := 0; rank < numRanks; rank++ {
		if len(req.KVCacheBlocks[rank]) == 0 {
			continue
		}
		hostBlocks, err := mgr.SwapOut(rank, req.KVCacheBlocks[rank])
		if err != nil {
			slog.Warn("swap out failed", "req_id", req.ReqID, "rank", rank, "err", err)
			return false
		}
		req.SwappedHostBlocks[rank] = hostBlocks
		req.KVCacheBlocks[rank] = nil
	}
	if idx >= 0 {
		state.Running = append(state.Running[:idx], state.Running[idx+1:]...)
	}
	state.Swapped = append(state.Swapped, req)
	slog.Debug("swapped out request", "req_id", req.ReqID)
	return true
}

// resumeSwapped tries to bring swapped requests back onto the device,
// oldest admission first, stopping at the first one that doesn't fit the
// batch-size or device-block limit — or would push the running step-token
// total past MaxStepTokens (spec §4.3c/§8) — so younger requests never
// jump ahead of older ones.
func resumeSwapped(state *batch.State, mgr *block.Manager, numRanks int, cfg Config) {
	if len(state.Swapped) == 0 {
		return
	}
	sort.SliceStable(state.Swapped, func(i, j int) bool { return state.Swapped[i].Seq < state.Swapped[j].Seq })

	budget := cfg.MaxStepTokens - stepTokens(state.Running)
	resumed := 0
	for len(state.Swapped) > 0 && len(state.Running) < cfg.MaxBatchSize {
		req := state.Swapped[0]
		if cfg.MaxStepTokens > 0 && stepCost(req) > budget {
			break
		}
		if !trySwapIn(req, mgr, numRanks) {
			break
		}
		state.Swapped = state.Swapped[1:]
		state.Running = append(state.Running, req)
		budget -= stepCost(req)
		resumed++
	}
	if resumed > 0 {
		slog.Debug("resumed swapped requests", "count", resumed)
	}
}

func trySwapIn(req *request.InferRequest, mgr *block.Manager, numRanks int) bool {
	newBlocks := make([][]int, numRanks)
	for rank := 0; rank < numRanks; rank++ {
		if len(req.SwappedHostBlocks[rank]) == 0 {
			continue
		}
		ids, err := mgr.SwapIn(rank, req.SwappedHostBlocks[rank])
		if err != nil {
			for r2 := 0; r2 < rank; r2++ {
				if newBlocks[r2] != nil {
					_ = mgr.FreeBlocks(r2, newBlocks[r2])
				}
			}
			return false
		}
		newBlocks[rank] = ids
	}
	for rank := 0; rank < numRanks; rank++ {
		req.KVCacheBlocks[rank] = newBlocks[rank]
		req.SwappedHostBlocks[rank] = nil
	}
	return true
}

// admitWaiting pulls requests off Waiting, oldest first, until the running
// batch reaches MaxBatchSize or the token budget for this step would be
// exceeded. The first request that doesn't fit stops the pass — later,
// smaller requests are not allowed to jump the FIFO queue.
func admitWaiting(state *batch.State, mgr *block.Manager, numRanks int, cfg Config) {
	if len(state.Waiting) == 0 {
		return
	}
	sort.SliceStable(state.Waiting, func(i, j int) bool { return state.Waiting[i].Seq < state.Waiting[j].Seq })

	budget := cfg.MaxStepTokens - stepTokens(state.Running)
	admitted := 0
	for len(state.Waiting) > 0 && len(state.Running) < cfg.MaxBatchSize {
		req := state.Waiting[0]
		cost := stepCost(req)
		if cost > budget {
			break
		}
		if !tryGrow(req, mgr, numRanks, cfg.BlockTokenNum) {
			break
		}
		state.Waiting = state.Waiting[1:]
		state.Running = append(state.Running, req)
		budget -= cost
		admitted++
	}
	if admitted > 0 {
		slog.Debug("admitted waiting requests", "count", admitted)
	}
}

// stepTokens sums the per-request token cost for one scheduling step across
// everything already running.
func stepTokens(running []*request.InferRequest) int {
	total := 0
	for _, r := range running {
		total += stepCost(r)
	}
	return total
}

// stepCost is how many tokens a request contributes to this step: a
// context-stage request pays for its entire (unprocessed) prompt, a
// decode-stage request pays for exactly one token.
func stepCost(req *request.InferRequest) int {
	if req.Stage == request.Context {
		return len(req.InputTokens)
	}
	return 1
}
