// Package engine models the tensor-parallel execution context: per-rank
// compute/collective stream handles and the device memory each rank
// reports. Real device binding (cudaSetDevice, NCCL communicators, …) lives
// outside this repo's scope (spec.md non-goals: tensor-parallel
// primitives); Context stands in as the seam a real binding would plug
// into, adapted from the teacher's ml.DeviceInfo/SystemInfo split.
package engine

import (
	"fmt"
	"sync"

	"github.com/continuum-infer/batchd/internal/block"
)

// Stream is a placeholder for a real compute or collective stream handle.
// Synchronize blocks until every operation queued on the stream completes;
// the in-process implementation has nothing to wait for, since every
// operation here runs synchronously already.
type Stream struct {
	name string
}

func (s *Stream) Synchronize() {}

// Device holds the per-rank state a real binding would need: its compute
// stream, its collective (all-reduce/all-gather) stream, and the memory it
// reports to the block manager's capacity formula.
type Device struct {
	Rank        int
	Compute     *Stream
	Collective  *Stream
	TotalMemory uint64
	FreeMemory  uint64

	mu     sync.Mutex
	bound  bool
	actual []byte // backing store the capacity formula's "free" tracks against; nil means synthesized
}

// Context is C9: the tensor-parallel execution context shared by the step
// driver and the block manager.
type Context struct {
	TensorParaSize int
	Devices        []*Device
	HostTotal      uint64
	HostFree       uint64

	// SerialContextDecode mirrors IsRunContextDecodeAndDecodeSerially: when
	// true (the only mode this repo implements), context (prefill) and
	// decode batches never execute concurrently on the same rank, so a
	// single compute stream per rank is sufficient for ordering swap
	// copies against compute.
	SerialContextDecode bool

	mu          sync.Mutex
	currentRank int
}

// New builds a Context with tensorParaSize ranks, each reporting the given
// per-device total/free memory, and the given host total/free memory.
func New(tensorParaSize int, deviceTotal, deviceFree, hostTotal, hostFree uint64) *Context {
	devices := make([]*Device, tensorParaSize)
	for rank := 0; rank < tensorParaSize; rank++ {
		devices[rank] = &Device{
			Rank:        rank,
			Compute:     &Stream{name: fmt.Sprintf("compute[%d]", rank)},
			Collective:  &Stream{name: fmt.Sprintf("collective[%d]", rank)},
			TotalMemory: deviceTotal,
			FreeMemory:  deviceFree,
		}
	}
	return &Context{
		TensorParaSize:       tensorParaSize,
		Devices:              devices,
		HostTotal:            hostTotal,
		HostFree:             hostFree,
		SerialContextDecode:  true,
	}
}

// TensorParallelSize implements block.MemoryProber.
func (c *Context) TensorParallelSize() int { return c.TensorParaSize }

// IsSerial implements block.MemoryProber.
func (c *Context) IsSerial() bool { return c.SerialContextDecode }

// Bind re-binds the active device rank. Every block.Manager method that
// touches device memory calls this before proceeding.
func (c *Context) Bind(rank int) error {
	if rank < 0 || rank >= len(c.Devices) {
		return fmt.Errorf("invalid rank %d", rank)
	}
	c.mu.Lock()
	c.currentRank = rank
	c.mu.Unlock()
	return nil
}

// CurrentRank reports the most recently bound rank — useful in tests that
// assert bindDevice was actually called before a device op.
func (c *Context) CurrentRank() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRank
}

// DeviceMemory implements block.MemoryProber.
func (c *Context) DeviceMemory(rank int) (block.MemoryInfo, error) {
	if rank < 0 || rank >= len(c.Devices) {
		return block.MemoryInfo{}, fmt.Errorf("invalid rank %d", rank)
	}
	d := c.Devices[rank]
	return block.MemoryInfo{Total: d.TotalMemory, Free: d.FreeMemory}, nil
}

// HostMemory implements block.MemoryProber.
func (c *Context) HostMemory() (block.MemoryInfo, error) {
	return block.MemoryInfo{Total: c.HostTotal, Free: c.HostFree}, nil
}

// ComputeStream returns the compute stream for rank.
func (c *Context) ComputeStream(rank int) *Stream { return c.Devices[rank].Compute }

// CollectiveStream returns the collective stream for rank.
func (c *Context) CollectiveStream(rank int) *Stream { return c.Devices[rank].Collective }
