// Package block implements the paged KV-cache block pool: a fixed-size-block
// allocator per device (and one for host memory), composed into a Manager
// that spans every tensor-parallel rank.
//
// The allocator itself never touches real device memory — a Device here is
// a plain byte buffer — so the same code path is exercised whether "device"
// means a GPU-backed rank or the host swap pool; tests run without any GPU.
package block

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/continuum-infer/batchd/internal/errs"
)

// DeviceKind distinguishes host memory from device (accelerator) memory.
type DeviceKind int

const (
	Host DeviceKind = iota
	Device
)

func (k DeviceKind) String() string {
	if k == Host {
		return "host"
	}
	return "device"
}

// Ref identifies a specific memory pool: either the host pool, or the
// device pool belonging to a single tensor-parallel rank.
type Ref struct {
	Kind DeviceKind
	Rank int
}

func (r Ref) String() string {
	if r.Kind == Host {
		return "host"
	}
	return fmt.Sprintf("device[%d]", r.Rank)
}

// Block is one fixed-size page of the pool. Address is a stable, never
// reallocated buffer — handing out the same slice across calls is what lets
// GetBlockPtrs return views instead of copies.
type Block struct {
	ID       int
	Ref      Ref
	Size     int
	RefCount int
	Address  []byte
}

// Config parameterizes a single allocator's pool.
type Config struct {
	Ref       Ref
	BlockSize int // bytes per block
}

// contiguousBlock is a bespoke, non-pooled allocation (e.g. scratch buffers
// the step driver needs outside the paged block grid).
type contiguousBlock struct {
	id      int
	address []byte
}

// Allocator manages one fixed-size block pool for a single Ref (host, or one
// device rank). Block and contiguous-allocation bookkeeping use separate
// locks, mirroring the original C++ allocator's split mutex_ /
// contiguous_memory_mutex_ so a long-running contiguous allocation never
// blocks ordinary block allocation.
type Allocator struct {
	cfg Config

	mu        sync.Mutex
	freeOrder []int // lowest id first, kept sorted for deterministic allocation order
	freeMap   map[int]*Block
	usedMap   map[int]*Block
	nextID    int

	contigMu       sync.Mutex
	usedContiguous map[int]*contiguousBlock
	nextContigID   int
}

// NewAllocator returns an allocator with an empty pool. Call
// ResetPreAllocatedBlocks to populate it.
func NewAllocator(cfg Config) *Allocator {
	return &Allocator{
		cfg:            cfg,
		freeMap:        make(map[int]*Block),
		usedMap:        make(map[int]*Block),
		usedContiguous: make(map[int]*contiguousBlock),
	}
}

// ResetPreAllocatedBlocks grows or shrinks the free pool to exactly n
// blocks. In-use blocks are never touched; the target applies only to
// blocks not currently handed out, so shrinking below the number of blocks
// already in use still leaves those in use (this mirrors
// BlockManager::ResetPreAllocatedBlocks in the system this was modeled on,
// which resizes the free list independently of outstanding allocations).
func (a *Allocator) ResetPreAllocatedBlocks(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n < 0 {
		n = 0
	}

	current := len(a.freeOrder)
	switch {
	case n > current:
		for i := 0; i < n-current; i++ {
			id := a.nextID
			a.nextID++
			blk := &Block{ID: id, Ref: a.cfg.Ref, Size: a.cfg.BlockSize, Address: make([]byte, a.cfg.BlockSize)}
			a.freeMap[id] = blk
			a.freeOrder = append(a.freeOrder, id)
		}
		sort.Ints(a.freeOrder)
	case n < current:
		drop := current - n
		// Shrink from the high end so low ids (more likely referenced in
		// tests/logs) stay stable.
		for i := 0; i < drop; i++ {
			last := a.freeOrder[len(a.freeOrder)-1]
			a.freeOrder = a.freeOrder[:len(a.freeOrder)-1]
			delete(a.freeMap, last)
		}
	}

	slog.Debug("block pool resized", "ref", a.cfg.Ref, "free", len(a.freeOrder), "used", len(a.usedMap))
}

// AllocateBlocks hands out n fresh block ids, or fails atomically
// (OUT_OF_DEVICE_MEMORY / INSUFFICIENT_HOST_MEMORY depending on Ref.Kind) if
// the free pool has fewer than n blocks — no partial allocation.
func (a *Allocator) AllocateBlocks(n int) ([]int, error) {
	if n <= 0 {
		return nil, errs.New(errs.InvalidArgument, "block count must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.freeOrder) < n {
		kind := errs.OutOfDeviceMemory
		if a.cfg.Ref.Kind == Host {
			kind = errs.InsufficientHostMemory
		}
		return nil, errs.New(kind, fmt.Sprintf("%s: need %d blocks, %d free", a.cfg.Ref, n, len(a.freeOrder)))
	}

	ids := make([]int, n)
	for i := 0; i < n; i++ {
		id := a.freeOrder[i]
		blk := a.freeMap[id]
		delete(a.freeMap, id)
		blk.RefCount = 1
		a.usedMap[id] = blk
		ids[i] = id
	}
	a.freeOrder = a.freeOrder[n:]
	return ids, nil
}

// FreeBlocks decrements the reference count of each block and returns any
// that reach zero to the free pool. Every id must currently be in use;
// otherwise no block is freed and an INVALID_ARGUMENT error is returned.
func (a *Allocator) FreeBlocks(ids []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		if _, ok := a.usedMap[id]; !ok {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("block %d is not in use", id))
		}
	}

	for _, id := range ids {
		blk := a.usedMap[id]
		blk.RefCount--
		if blk.RefCount <= 0 {
			delete(a.usedMap, id)
			blk.RefCount = 0
			a.freeMap[id] = blk
			a.freeOrder = insertSorted(a.freeOrder, id)
		}
	}
	return nil
}

// Retain increments the reference count of already-used blocks, e.g. when a
// request forks a prefix and shares its blocks with a sibling.
func (a *Allocator) Retain(ids []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		blk, ok := a.usedMap[id]
		if !ok {
			return errs.New(errs.InvalidArgument, fmt.Sprintf("block %d is not in use", id))
		}
		blk.RefCount++
	}
	return nil
}

// GetBlockPtrs returns the backing buffers for ids, in order. ids may be
// free or in use — address stability does not depend on allocation state.
func (a *Allocator) GetBlockPtrs(ids []int) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([][]byte, len(ids))
	for i, id := range ids {
		blk, ok := a.usedMap[id]
		if !ok {
			blk, ok = a.freeMap[id]
		}
		if !ok {
			return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown block id %d", id))
		}
		out[i] = blk.Address
	}
	return out, nil
}

// GetFreeBlockNumber and GetUsedBlockNumber are unsynchronized size reads —
// acceptable for monitoring/metrics snapshots where a stale count by a few
// blocks is harmless.
func (a *Allocator) GetFreeBlockNumber() int { return len(a.freeOrder) }
func (a *Allocator) GetUsedBlockNumber() int { return len(a.usedMap) }

// AllocateContiguous reserves a bespoke buffer of size bytes outside the
// paged block grid (used for step-driver scratch tensors).
func (a *Allocator) AllocateContiguous(size int) (int, error) {
	if size <= 0 {
		return 0, errs.New(errs.InvalidArgument, "contiguous size must be positive")
	}
	a.contigMu.Lock()
	defer a.contigMu.Unlock()

	id := a.nextContigID
	a.nextContigID++
	a.usedContiguous[id] = &contiguousBlock{id: id, address: make([]byte, size)}
	return id, nil
}

// FreeContiguous releases a buffer previously returned by AllocateContiguous.
func (a *Allocator) FreeContiguous(id int) error {
	a.contigMu.Lock()
	defer a.contigMu.Unlock()
	if _, ok := a.usedContiguous[id]; !ok {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unknown contiguous block %d", id))
	}
	delete(a.usedContiguous, id)
	return nil
}

// GetContiguousPtr returns the backing buffer for a contiguous allocation.
func (a *Allocator) GetContiguousPtr(id int) ([]byte, error) {
	a.contigMu.Lock()
	defer a.contigMu.Unlock()
	blk, ok := a.usedContiguous[id]
	if !ok {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown contiguous block %d", id))
	}
	return blk.address, nil
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
