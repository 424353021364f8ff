package manager

import (
	"context"
	"testing"
	"time"

	"github.com/continuum-infer/batchd/internal/block"
	"github.com/continuum-infer/batchd/internal/engine"
	"github.com/continuum-infer/batchd/internal/request"
	"github.com/continuum-infer/batchd/internal/schedule"
	"github.com/continuum-infer/batchd/internal/step"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	eng := engine.New(1, 1<<20, 1<<19, 1<<22, 1<<21)
	mgr := block.NewManager(block.ManagerConfig{BlockSize: 64, BlockTokenNum: 4, BlocksNum: 8, HostBlocksNum: 8}, eng)
	mgr.WarmUp()

	sched := schedule.New(schedule.Config{
		MaxBatchSize:       4,
		MaxTokenLen:        32,
		MaxStepTokens:      1024,
		MaxWaitingQueueLen: 4,
		BlockTokenNum:      4,
	}, mgr, 1)

	driver := step.New(2, func(ctx *engine.Context, rank int, tables step.Tables) ([][]float32, error) {
		n := len(tables.InputOffsetInt32) - 1
		out := make([][]float32, n)
		for i := range out {
			out[i] = []float32{0}
		}
		return out, nil
	})

	return New(sched, mgr, driver, eng, Greedy, 4, []string{"m"})
}

func TestEnqueueRejectsUnknownModel(t *testing.T) {
	m := newTestManager(t)
	req := request.New("1", "unknown-model", []int32{1}, request.SamplingConfig{}, 1)
	if err := m.Enqueue(context.Background(), req); err == nil {
		t.Fatalf("expected an error for an unregistered model")
	}
}

func TestStartRunsRequestToCompletion(t *testing.T) {
	m := newTestManager(t)
	m.Start()
	defer m.Stop()

	req := request.New("1", "m", []int32{1, 2, 3}, request.SamplingConfig{MaxNewTokens: 1}, 1)
	if err := m.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-req.Done():
	case <-time.After(time.Second):
		t.Fatalf("request never finished")
	}
	if req.FinishReason != request.FinishLength {
		t.Fatalf("FinishReason = %v, want FinishLength", req.FinishReason)
	}
	if len(req.OutputTokens) != 1 {
		t.Fatalf("len(OutputTokens) = %d, want 1", len(req.OutputTokens))
	}
}

func TestStopMarksInFlightRequestsStopped(t *testing.T) {
	m := newTestManager(t)
	m.Start()

	// MaxNewTokens left at zero (no limit) and no stop token ids configured,
	// so nothing but Stop itself can ever finish this request.
	req := request.New("1", "m", []int32{1, 2, 3}, request.SamplingConfig{}, 1)
	if err := m.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // let the loop pick it up
	m.Stop()

	select {
	case <-req.Done():
	default:
		t.Fatalf("Stop should finish every in-flight request")
	}
	if req.FinishReason != request.FinishStopped {
		t.Fatalf("FinishReason = %v, want FinishStopped", req.FinishReason)
	}
}
