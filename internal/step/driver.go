// driver.go implements C7: one step of the batch loop, run once per rank
// in parallel and joined with errgroup — the same per-device fan-out
// pattern the teacher's device-dispatch code uses for tensor-parallel
// work. Sampling and the forward pass's kernel math are external
// collaborators (spec non-goals); Driver stops at assembling tensors,
// invoking ForwardFunc, and scattering the resulting logits back onto
// each request.
package step

import (
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/continuum-infer/batchd/internal/block"
	"github.com/continuum-infer/batchd/internal/engine"
	"github.com/continuum-infer/batchd/internal/request"
)

// ForwardFunc invokes the transformer forward pass for one rank given its
// assembled Tables, returning one logits vector per request in running
// order. The driver has no opinion on what's inside — that's the
// kernel/model layer spec.md excludes.
type ForwardFunc func(ctx *engine.Context, rank int, tables Tables) ([][]float32, error)

// Driver runs one step of the batch across every tensor-parallel rank.
type Driver struct {
	NumLayer int
	Forward  ForwardFunc
}

// New builds a Driver bound to numLayer and a forward-pass collaborator.
func New(numLayer int, forward ForwardFunc) *Driver {
	return &Driver{NumLayer: numLayer, Forward: forward}
}

// Step assembles tensors for running and invokes Forward once per rank,
// concurrently, then scatters each rank's logits back onto the matching
// request. If any rank's forward call errors, Step returns the first such
// error once every rank's goroutine has finished (errgroup.Group.Wait
// semantics), cancelling none of them — there is no partial-step
// cancellation because KV state has already been mutated for this step by
// the scheduler pass that ran before Step was called.
func (d *Driver) Step(ctx *engine.Context, mgr *block.Manager, running []*request.InferRequest) error {
	if len(running) == 0 {
		return nil
	}

	var g errgroup.Group
	for rank := 0; rank < ctx.TensorParaSize; rank++ {
		rank := rank
		g.Go(func() error {
			return d.stepOnRank(ctx, mgr, running, rank)
		})
	}
	return g.Wait()
}

func (d *Driver) stepOnRank(ctx *engine.Context, mgr *block.Manager, running []*request.InferRequest, rank int) error {
	blockAddrs := make([][][]byte, len(running))
	for i, req := range running {
		addrs, err := mgr.GetBlockPtrs(rank, req.KVCacheBlocks[rank])
		if err != nil {
			return err
		}
		blockAddrs[i] = addrs
	}

	blockSize := 0
	for _, addrs := range blockAddrs {
		if len(addrs) > 0 {
			blockSize = len(addrs[0])
			break
		}
	}

	tables := BuildTables(running, blockAddrs, d.NumLayer, blockSize)

	logits, err := d.Forward(ctx, rank, tables)
	if err != nil {
		return err
	}
	if len(logits) != len(running) {
		slog.Warn("forward returned mismatched logits count", "rank", rank, "got", len(logits), "want", len(running))
	}
	for i, req := range running {
		if i >= len(logits) {
			break
		}
		req.LogitsBuf[rank] = logits[i]
	}
	return nil
}
