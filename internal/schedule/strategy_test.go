package schedule

import (
	"testing"

	"github.com/continuum-infer/batchd/internal/batch"
	"github.com/continuum-infer/batchd/internal/block"
	"github.com/continuum-infer/batchd/internal/errs"
	"github.com/continuum-infer/batchd/internal/request"
)

func newTinyManager(t *testing.T, blocksPerRank int) *block.Manager {
	t.Helper()
	mgr := block.NewManager(block.ManagerConfig{
		BlockSize:     64,
		BlockTokenNum: 4,
		BlocksNum:     blocksPerRank,
		HostBlocksNum: blocksPerRank * 4,
	}, &fakeProber{ranks: 1})
	mgr.WarmUp()
	return mgr
}

func runningReq(seq int64, tokens int) *request.InferRequest {
	r := request.New("", "m", make([]int32, tokens), request.SamplingConfig{}, 1)
	r.BlockTokenNum = 4
	r.Seq = seq
	return r
}

func TestGrowRunningSwapsOutLIFOVictim(t *testing.T) {
	mgr := newTinyManager(t, 2) // exactly 2 device blocks total
	state := batch.New()

	older := runningReq(1, 4) // 1 block
	newer := runningReq(2, 4) // 1 block
	for _, r := range []*request.InferRequest{older, newer} {
		ids, err := mgr.AllocateBlocks(0, 1)
		if err != nil {
			t.Fatalf("AllocateBlocks: %v", err)
		}
		r.KVCacheBlocks[0] = ids
	}
	state.Running = []*request.InferRequest{older, newer}

	// Pool is now fully used (2/2). older needs a second block (it just
	// crossed a block boundary) but nothing is free.
	older.OutputTokens = make([]int32, 1) // 5 tokens total -> needs 2 blocks

	cfg := Config{MaxBatchSize: 4, MaxStepTokens: 1024, BlockTokenNum: 4}
	ContinuousBatching{}.Apply(state, mgr, 1, cfg)

	if len(older.KVCacheBlocks[0]) != 2 {
		t.Fatalf("older.KVCacheBlocks = %d, want 2 after growth", len(older.KVCacheBlocks[0]))
	}

	foundNewerRunning := false
	for _, r := range state.Running {
		if r == newer {
			foundNewerRunning = true
		}
	}
	if foundNewerRunning {
		t.Fatalf("newer (the LIFO victim) should have been swapped out of Running")
	}
	if len(newer.SwappedHostBlocks[0]) != 1 {
		t.Fatalf("newer should hold swapped host blocks after eviction")
	}
	foundNewerSwapped := false
	for _, r := range state.Swapped {
		if r == newer {
			foundNewerSwapped = true
		}
	}
	if !foundNewerSwapped {
		t.Fatalf("newer should be in the Swapped queue")
	}
}

func TestSweepFinishedDetectsMaxNewTokens(t *testing.T) {
	mgr := newTinyManager(t, 8)
	state := batch.New()

	req := runningReq(1, 4)
	req.Sampling.MaxNewTokens = 2
	req.OutputTokens = []int32{7, 8}
	ids, err := mgr.AllocateBlocks(0, 1)
	if err != nil {
		t.Fatalf("AllocateBlocks: %v", err)
	}
	req.KVCacheBlocks[0] = ids
	state.Running = []*request.InferRequest{req}

	sweepFinished(state, mgr, 1)

	if !req.Finished || req.FinishReason != request.FinishLength {
		t.Fatalf("req.Finished=%v req.FinishReason=%v, want finished with FinishLength", req.Finished, req.FinishReason)
	}
	if len(state.Running) != 0 {
		t.Fatalf("len(Running) = %d, want 0 after sweep", len(state.Running))
	}
}

func TestSweepFinishedDetectsStopTokenID(t *testing.T) {
	mgr := newTinyManager(t, 8)
	state := batch.New()

	req := runningReq(1, 4)
	req.Sampling.StopTokenIDs = []int32{99}
	req.OutputTokens = []int32{1, 99}
	ids, err := mgr.AllocateBlocks(0, 1)
	if err != nil {
		t.Fatalf("AllocateBlocks: %v", err)
	}
	req.KVCacheBlocks[0] = ids
	state.Running = []*request.InferRequest{req}

	sweepFinished(state, mgr, 1)

	if !req.Finished || req.FinishReason != request.FinishEOS {
		t.Fatalf("req.Finished=%v req.FinishReason=%v, want finished with FinishEOS", req.Finished, req.FinishReason)
	}
}

func TestSweepFinishedLeavesUnfinishedRequestsRunning(t *testing.T) {
	mgr := newTinyManager(t, 8)
	state := batch.New()

	req := runningReq(1, 4)
	req.Sampling.MaxNewTokens = 5
	req.OutputTokens = []int32{1}
	ids, err := mgr.AllocateBlocks(0, 1)
	if err != nil {
		t.Fatalf("AllocateBlocks: %v", err)
	}
	req.KVCacheBlocks[0] = ids
	state.Running = []*request.InferRequest{req}

	sweepFinished(state, mgr, 1)

	if req.Finished {
		t.Fatalf("request should still be running")
	}
	if len(state.Running) != 1 {
		t.Fatalf("len(Running) = %d, want 1", len(state.Running))
	}
}

func TestGrowRunningMarksCapacityOnUnrecoverablePreemption(t *testing.T) {
	// One device block and zero host blocks: nothing free to grow into and
	// nowhere to swap out to, so the request can't be rescued either way.
	mgr := block.NewManager(block.ManagerConfig{
		BlockSize:     64,
		BlockTokenNum: 4,
		BlocksNum:     1,
		HostBlocksNum: 0,
	}, &fakeProber{ranks: 1})
	mgr.WarmUp()
	state := batch.New()

	req := runningReq(1, 4) // 1 block
	ids, err := mgr.AllocateBlocks(0, 1)
	if err != nil {
		t.Fatalf("AllocateBlocks: %v", err)
	}
	req.KVCacheBlocks[0] = ids
	state.Running = []*request.InferRequest{req}

	// req just crossed a block boundary and needs a second block, but the
	// pool has nothing free, there's no other request to evict, and there
	// are no host blocks to swap itself out to.
	req.OutputTokens = make([]int32, 1)

	cfg := Config{MaxBatchSize: 4, MaxStepTokens: 1024, BlockTokenNum: 4}
	growRunning(state, mgr, 1, cfg)

	if !req.Finished || req.FinishReason != request.FinishCapacity {
		t.Fatalf("req.Finished=%v req.FinishReason=%v, want finished with FinishCapacity", req.Finished, req.FinishReason)
	}
	if !errs.Is(req.Err, errs.ExceedCapacity) {
		t.Fatalf("req.Err = %v, want an EXCEED_CAPACITY error", req.Err)
	}
	if len(state.Running) != 0 {
		t.Fatalf("len(Running) = %d, want 0 after an unrecoverable preemption", len(state.Running))
	}
}

func TestResumeSwappedRespectsTokenBudget(t *testing.T) {
	mgr := newTinyManager(t, 8)
	state := batch.New()

	// already-running request pins most of the step-token budget (9 of 10).
	running := runningReq(0, 9)
	ids, err := mgr.AllocateBlocks(0, 3)
	if err != nil {
		t.Fatalf("AllocateBlocks: %v", err)
	}
	running.KVCacheBlocks[0] = ids
	state.Running = []*request.InferRequest{running}

	fits := runningReq(1, 1)     // stepCost 1, fits the remaining budget of 1
	tooBig := runningReq(2, 100) // stepCost 100, never fits

	for _, r := range []*request.InferRequest{fits, tooBig} {
		blockIDs, err := mgr.AllocateBlocks(0, 1)
		if err != nil {
			t.Fatalf("AllocateBlocks: %v", err)
		}
		r.KVCacheBlocks[0] = blockIDs
		hostBlocks, err := mgr.SwapOut(0, blockIDs)
		if err != nil {
			t.Fatalf("SwapOut: %v", err)
		}
		r.SwappedHostBlocks[0] = hostBlocks
	}
	state.Swapped = []*request.InferRequest{fits, tooBig}

	cfg := Config{MaxBatchSize: 4, MaxStepTokens: 10, BlockTokenNum: 4}
	resumeSwapped(state, mgr, 1, cfg)

	foundFits := false
	for _, r := range state.Running {
		if r == fits {
			foundFits = true
		}
	}
	if !foundFits {
		t.Fatalf("fits should have been resumed, stepCost 1 <= remaining budget 1")
	}
	foundTooBig := false
	for _, r := range state.Swapped {
		if r == tooBig {
			foundTooBig = true
		}
	}
	if !foundTooBig {
		t.Fatalf("tooBig should have stayed swapped, stepCost 100 exceeds the exhausted budget")
	}
}

func TestGrowRunningDoesNotSkipRequestBelowEvictedCursor(t *testing.T) {
	// Running's array order doesn't track Seq order here, the way it
	// wouldn't after resumeSwapped appends older (lower-Seq) requests
	// after newer ones that were never swapped out. selectVictim always
	// picks the highest remaining Seq, so growing reqC (array index 2)
	// evicts reqB (index 1, Seq 6) — a victim BELOW the cursor — and
	// growing reqD (index 3) then evicts reqA (index 0, Seq 5), also
	// below the cursor. Both reqC and reqD must still end up grown.
	mgr := newTinyManager(t, 4) // exactly 4 device blocks total
	state := batch.New()

	reqA := runningReq(5, 4) // index 0, never needs to grow
	reqB := runningReq(6, 4) // index 1, never needs to grow, first victim
	reqC := runningReq(2, 4) // index 2, needs a second block
	reqD := runningReq(3, 4) // index 3, needs a second block
	for _, r := range []*request.InferRequest{reqA, reqB, reqC, reqD} {
		ids, err := mgr.AllocateBlocks(0, 1)
		if err != nil {
			t.Fatalf("AllocateBlocks: %v", err)
		}
		r.KVCacheBlocks[0] = ids
	}
	state.Running = []*request.InferRequest{reqA, reqB, reqC, reqD}

	reqC.OutputTokens = make([]int32, 1) // 5 tokens -> needs 2 blocks
	reqD.OutputTokens = make([]int32, 1)

	cfg := Config{MaxBatchSize: 4, MaxStepTokens: 1024, BlockTokenNum: 4}
	growRunning(state, mgr, 1, cfg)

	if len(reqC.KVCacheBlocks[0]) != 2 {
		t.Fatalf("reqC.KVCacheBlocks = %d, want 2 after growth; must not be skipped when its victim sits below the iteration cursor", len(reqC.KVCacheBlocks[0]))
	}
	if len(reqD.KVCacheBlocks[0]) != 2 {
		t.Fatalf("reqD.KVCacheBlocks = %d, want 2 after growth; must not be skipped when its victim sits below the iteration cursor", len(reqD.KVCacheBlocks[0]))
	}
	for _, evicted := range []*request.InferRequest{reqA, reqB} {
		for _, r := range state.Running {
			if r == evicted {
				t.Fatalf("request with Seq %d should have been swapped out as a victim", evicted.Seq)
			}
		}
	}
}

func TestAdmitWaitingRespectsTokenBudget(t *testing.T) {
	mgr := newTinyManager(t, 8)
	state := batch.New()

	big := runningReq(1, 100) // exceeds the tiny budget below
	small := runningReq(2, 1)
	state.Waiting = []*request.InferRequest{big, small}

	cfg := Config{MaxBatchSize: 4, MaxStepTokens: 10, BlockTokenNum: 4}
	admitWaiting(state, mgr, 1, cfg)

	if len(state.Running) != 0 {
		t.Fatalf("the first (too-large) waiting request should block admission, len(Running)=%d", len(state.Running))
	}
	if len(state.Waiting) != 2 {
		t.Fatalf("no request should have been admitted out of order")
	}
}
