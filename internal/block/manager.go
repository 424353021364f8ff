package block

import (
	"fmt"
	"log/slog"

	"github.com/continuum-infer/batchd/internal/errs"
)

// MemoryInfo reports free/total bytes for a memory pool. An implementation
// backed by real hardware would read this from the driver; the default
// engine.Device implementation used by this repo's tests synthesizes it
// from configuration so capacity sizing is exercised without a GPU.
type MemoryInfo struct {
	Total uint64
	Free  uint64
}

// MemoryProber is satisfied by anything that can report device and host
// memory pressure. internal/engine.Context implements it.
type MemoryProber interface {
	DeviceMemory(rank int) (MemoryInfo, error)
	HostMemory() (MemoryInfo, error)
	TensorParallelSize() int
	Bind(rank int) error
	IsSerial() bool
}

// ManagerConfig mirrors the knobs the original block-manager capacity
// formula reads from configuration.
type ManagerConfig struct {
	BlockSize                 int
	BlockTokenNum             int
	BlocksNum                 int // initial warm-up pool size, per device
	HostBlocksNum             int // initial warm-up pool size, host
	ReservedDeviceMemoryRatio float64
	BlockDeviceMemoryRatio    float64 // negative means "derive from reserved ratio instead"
	BlockHostMemoryFactor     float64
}

// Manager owns one host allocator plus one device allocator per
// tensor-parallel rank, and is the only component that is allowed to touch
// device memory — every device-facing method here binds its rank first.
type Manager struct {
	cfg     ManagerConfig
	prober  MemoryProber
	host    *Allocator
	devices []*Allocator
}

// NewManager builds a Manager with one allocator per rank plus the host
// allocator, all starting with empty pools.
func NewManager(cfg ManagerConfig, prober MemoryProber) *Manager {
	n := prober.TensorParallelSize()
	devices := make([]*Allocator, n)
	for rank := 0; rank < n; rank++ {
		devices[rank] = NewAllocator(Config{Ref: Ref{Kind: Device, Rank: rank}, BlockSize: cfg.BlockSize})
	}
	return &Manager{
		cfg:     cfg,
		prober:  prober,
		host:    NewAllocator(Config{Ref: Ref{Kind: Host}, BlockSize: cfg.BlockSize}),
		devices: devices,
	}
}

// WarmUp populates every pool to the configured initial size, before any
// capacity-driven resize has had a chance to query device memory. This
// mirrors a first PreAllocateBlocks pass that runs from static config
// alone.
func (m *Manager) WarmUp() {
	m.host.ResetPreAllocatedBlocks(m.cfg.HostBlocksNum)
	for _, d := range m.devices {
		d.ResetPreAllocatedBlocks(m.cfg.BlocksNum)
	}
}

// Resize recomputes device/host block counts from live memory pressure and
// resizes every pool to match. Unlike WarmUp, this is safe to call
// repeatedly as memory pressure changes (e.g. after another model loads on
// the same device).
func (m *Manager) Resize() error {
	deviceBlocks, hostBlocks, err := m.calculateBlockNumber()
	if err != nil {
		return err
	}
	slog.Info("resizing block pools", "device_blocks", deviceBlocks, "host_blocks", hostBlocks)
	m.host.ResetPreAllocatedBlocks(hostBlocks)
	for _, d := range m.devices {
		d.ResetPreAllocatedBlocks(deviceBlocks)
	}
	return nil
}

// calculateBlockNumber reproduces the capacity formula: either carve out a
// fixed ratio of total device memory for the block pool, or reserve a
// ratio and use whatever remains free; host pool size is a multiple of the
// device pool size, bounded by host_free.
func (m *Manager) calculateBlockNumber() (deviceBlocks, hostBlocks int, err error) {
	if m.cfg.ReservedDeviceMemoryRatio <= 0 {
		return 0, 0, errs.New(errs.InvalidArgument, "reserved_device_memory_ratio must be > 0")
	}
	if m.cfg.BlockHostMemoryFactor <= 1.0 {
		return 0, 0, errs.New(errs.InvalidArgument, "block_host_memory_factor must be > 1.0")
	}

	dev, err := m.prober.DeviceMemory(0)
	if err != nil {
		return 0, 0, errs.Wrap(errs.DeviceError, "read device memory", err)
	}
	host, err := m.prober.HostMemory()
	if err != nil {
		return 0, 0, errs.Wrap(errs.DeviceError, "read host memory", err)
	}

	const alignment uint64 = 8
	var deviceBlockMemorySize uint64
	if m.cfg.BlockDeviceMemoryRatio >= 0 {
		deviceBlockMemorySize = (uint64(float64(dev.Total)*m.cfg.BlockDeviceMemoryRatio)/alignment + 1) * alignment
	} else {
		reserved := (uint64(float64(dev.Total)*m.cfg.ReservedDeviceMemoryRatio)/alignment + 1) * alignment
		if dev.Free < reserved {
			return 0, 0, errs.New(errs.OutOfDeviceMemory, "reserved memory exceeds free device memory")
		}
		deviceBlockMemorySize = ((dev.Free-reserved)/alignment + 1) * alignment
	}

	deviceBlocks = int(deviceBlockMemorySize) / m.cfg.BlockSize
	hostBlocks = int(float64(deviceBlocks) * m.cfg.BlockHostMemoryFactor)

	if uint64(hostBlocks)*uint64(m.cfg.BlockSize) >= host.Free {
		return 0, 0, errs.New(errs.InsufficientHostMemory, "not enough host free memory for derived host pool")
	}
	return deviceBlocks, hostBlocks, nil
}

func (m *Manager) device(rank int) (*Allocator, error) {
	if rank < 0 || rank >= len(m.devices) {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("invalid rank %d", rank))
	}
	return m.devices[rank], nil
}

// bindDevice re-binds the active device before any device-touching
// operation — every public method below calls this first, even though our
// simulated Device is stateless, so the invariant holds for any real
// MemoryProber implementation that does carry driver-level binding state.
func (m *Manager) bindDevice(rank int) error {
	return m.prober.Bind(rank)
}

// AllocateBlocks allocates n device blocks on rank.
func (m *Manager) AllocateBlocks(rank, n int) ([]int, error) {
	if err := m.bindDevice(rank); err != nil {
		return nil, err
	}
	a, err := m.device(rank)
	if err != nil {
		return nil, err
	}
	return a.AllocateBlocks(n)
}

// FreeBlocks frees device blocks on rank.
func (m *Manager) FreeBlocks(rank int, ids []int) error {
	if err := m.bindDevice(rank); err != nil {
		return err
	}
	a, err := m.device(rank)
	if err != nil {
		return err
	}
	return a.FreeBlocks(ids)
}

// GetBlockPtrs returns device block buffers on rank.
func (m *Manager) GetBlockPtrs(rank int, ids []int) ([][]byte, error) {
	if err := m.bindDevice(rank); err != nil {
		return nil, err
	}
	a, err := m.device(rank)
	if err != nil {
		return nil, err
	}
	return a.GetBlockPtrs(ids)
}

func (m *Manager) GetFreeBlockNumber(rank int) int {
	a, err := m.device(rank)
	if err != nil {
		return 0
	}
	return a.GetFreeBlockNumber()
}

func (m *Manager) GetUsedBlockNumber(rank int) int {
	a, err := m.device(rank)
	if err != nil {
		return 0
	}
	return a.GetUsedBlockNumber()
}

func (m *Manager) HostFreeBlockNumber() int { return m.host.GetFreeBlockNumber() }
func (m *Manager) HostUsedBlockNumber() int { return m.host.GetUsedBlockNumber() }

// AllocateHostBlocks allocates n host (swap) blocks.
func (m *Manager) AllocateHostBlocks(n int) ([]int, error) { return m.host.AllocateBlocks(n) }

// FreeHostBlocks frees host (swap) blocks.
func (m *Manager) FreeHostBlocks(ids []int) error { return m.host.FreeBlocks(ids) }

// SwapOut copies deviceBlocks on rank to freshly allocated host blocks, then
// frees the device blocks, returning the new host block ids in the same
// order. The copy always runs to completion before the device blocks are
// freed — there is no async boundary to straddle here, which is this
// repo's resolution of the ordering hazard the device allocator's original
// implementation left to an unsynchronized stream (it issued
// cudaMemcpyAsync and freed the source blocks without waiting for the copy
// to land, which is only safe if nothing reuses those blocks before the
// stream drains). Concurrent context-decode execution is not implemented;
// see internal/engine.
func (m *Manager) SwapOut(rank int, deviceBlocks []int) ([]int, error) {
	if err := m.bindDevice(rank); err != nil {
		return nil, err
	}
	if !m.prober.IsSerial() {
		return nil, errs.New(errs.Unimplemented, "concurrent context-decode execution is not implemented")
	}

	dev, err := m.device(rank)
	if err != nil {
		return nil, err
	}

	hostBlocks, err := m.host.AllocateBlocks(len(deviceBlocks))
	if err != nil {
		return nil, err
	}

	hostAddrs, err := m.host.GetBlockPtrs(hostBlocks)
	if err != nil {
		return nil, err
	}
	deviceAddrs, err := dev.GetBlockPtrs(deviceBlocks)
	if err != nil {
		return nil, err
	}

	for i := range deviceBlocks {
		copy(hostAddrs[i], deviceAddrs[i])
	}

	if err := dev.FreeBlocks(deviceBlocks); err != nil {
		return nil, err
	}
	return hostBlocks, nil
}

// SwapIn is the inverse of SwapOut: copies hostBlocks onto freshly
// allocated device blocks on rank, frees the host blocks, and returns the
// new device block ids.
func (m *Manager) SwapIn(rank int, hostBlocks []int) ([]int, error) {
	if err := m.bindDevice(rank); err != nil {
		return nil, err
	}
	if !m.prober.IsSerial() {
		return nil, errs.New(errs.Unimplemented, "concurrent context-decode execution is not implemented")
	}

	dev, err := m.device(rank)
	if err != nil {
		return nil, err
	}

	deviceBlocks, err := dev.AllocateBlocks(len(hostBlocks))
	if err != nil {
		return nil, err
	}

	deviceAddrs, err := dev.GetBlockPtrs(deviceBlocks)
	if err != nil {
		return nil, err
	}
	hostAddrs, err := m.host.GetBlockPtrs(hostBlocks)
	if err != nil {
		return nil, err
	}

	for i := range hostBlocks {
		copy(deviceAddrs[i], hostAddrs[i])
	}

	if err := m.host.FreeBlocks(hostBlocks); err != nil {
		return nil, err
	}
	return deviceBlocks, nil
}

// SwapDrop frees host blocks without copying them anywhere — used when a
// swapped-out request is cancelled or finishes via some other path before
// it is ever swapped back in.
func (m *Manager) SwapDrop(hostBlocks []int) error {
	return m.host.FreeBlocks(hostBlocks)
}
