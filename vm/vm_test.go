package vm_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pifsos/device"
	"pifsos/swap"
	"pifsos/vm"
)

func newManager(t *testing.T, frames int, swapPages uint32) *vm.Manager_t {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.dsk")
	d, err := device.Create(path, swapPages*swap.PageSectors, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	sw := swap.Open(d, 16, nil, nil)
	return vm.New(frames, sw, nil)
}

func TestAllocZeroThenEnsureReadsZero(t *testing.T) {
	m := newManager(t, 4, 8)
	addr := vm.MinAllocAddr + 0x1000
	require.NoError(t, m.AllocZero("t1", addr, false))
	require.Equal(t, vm.OK, m.Ensure("t1", addr))

	buf := make([]byte, vm.PageSize)
	require.NoError(t, m.Read("t1", addr, buf))
	for _, b := range buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestBelowMinAllocAddrIsSegv(t *testing.T) {
	m := newManager(t, 4, 8)
	assert.Equal(t, vm.SegvResult, m.Ensure("t1", 0x100))
}

func TestUnregisteredAddrIsSegv(t *testing.T) {
	m := newManager(t, 4, 8)
	assert.Equal(t, vm.SegvResult, m.Ensure("t1", vm.MinAllocAddr+0x2000))
}

func TestEvictionUnderPressurePreservesData(t *testing.T) {
	m := newManager(t, 2, 64)
	addrs := []uint64{
		vm.MinAllocAddr + 0*vm.PageSize,
		vm.MinAllocAddr + 1*vm.PageSize,
		vm.MinAllocAddr + 2*vm.PageSize,
	}
	for i, a := range addrs {
		require.NoError(t, m.AllocZero("t1", a, false))
		require.Equal(t, vm.OK, m.Ensure("t1", a))
		pattern := make([]byte, vm.PageSize)
		for j := range pattern {
			pattern[j] = byte(i + 1)
		}
		require.NoError(t, m.Write("t1", a, pattern))
	}

	for i, a := range addrs {
		require.Equal(t, vm.OK, m.Ensure("t1", a))
		got := make([]byte, vm.PageSize)
		require.NoError(t, m.Read("t1", a, got))
		for _, b := range got {
			assert.Equal(t, byte(i+1), b)
		}
	}
}

func TestDisposeRemovesPage(t *testing.T) {
	m := newManager(t, 4, 8)
	addr := vm.MinAllocAddr + 0x1000
	require.NoError(t, m.AllocZero("t1", addr, false))
	require.Equal(t, vm.OK, m.Ensure("t1", addr))
	m.Dispose("t1", addr)
	assert.Equal(t, vm.SegvResult, m.Ensure("t1", addr))
}

func TestCleanDisposesAllThreadPages(t *testing.T) {
	m := newManager(t, 4, 8)
	a1, a2 := vm.MinAllocAddr+0x1000, vm.MinAllocAddr+0x2000
	require.NoError(t, m.AllocZero("t1", a1, false))
	require.NoError(t, m.AllocZero("t1", a2, false))
	m.Clean("t1")
	assert.Equal(t, vm.SegvResult, m.Ensure("t1", a1))
	assert.Equal(t, vm.SegvResult, m.Ensure("t1", a2))
}

func TestSwapExhaustionReturnsOomCleanly(t *testing.T) {
	m := newManager(t, 1, 1)
	a1, a2, a3 := vm.MinAllocAddr, vm.MinAllocAddr+vm.PageSize, vm.MinAllocAddr+2*vm.PageSize
	require.NoError(t, m.AllocZero("t1", a1, false))
	require.Equal(t, vm.OK, m.Ensure("t1", a1))
	require.NoError(t, m.AllocZero("t1", a2, false))
	require.Equal(t, vm.OK, m.Ensure("t1", a2))

	require.NoError(t, m.AllocZero("t1", a3, false))
	// one frame total and swap holds only one more page's worth of slots:
	// the first eviction succeeds, a second would need another slot and
	// may fail once swap is full, which must surface as Oom, not a crash.
	result := m.Ensure("t1", a3)
	assert.Contains(t, []vm.EnsureResult{vm.OK, vm.OomResult}, result)

	// existing mappings must remain readable regardless of the outcome.
	buf := make([]byte, vm.PageSize)
	require.NoError(t, m.Read("t1", a1, buf))
}
