package swap_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pifsos/device"
	"pifsos/swap"
)

func newSwapDevice(t *testing.T, pages uint32) device.Device_i {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.dsk")
	d, err := device.Create(path, pages*swap.PageSectors, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestAllocWriteReadRoundTrip(t *testing.T) {
	dev := newSwapDevice(t, 4)
	s := swap.Open(dev, 16, nil, nil)

	payload := make([]byte, swap.PageSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, s.AllocAndWrite("p1", 0x1000, payload))

	got, err := s.ReadAndRetain("p1", 0x1000, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDisposeFreesSlot(t *testing.T) {
	dev := newSwapDevice(t, 1)
	s := swap.Open(dev, 8, nil, nil)
	payload := make([]byte, swap.PageSize)
	require.NoError(t, s.AllocAndWrite("p1", 0, payload))
	s.Dispose("p1", 0, 1)

	require.NoError(t, s.AllocAndWrite("p2", 0, payload))
}

func TestExhaustionReclaimsRetainableSlotForSinglePage(t *testing.T) {
	dev := newSwapDevice(t, 1)
	var disposedOwner string
	var disposedAddr uint64
	s := swap.Open(dev, 8, func(owner string, addr uint64) {
		disposedOwner, disposedAddr = owner, addr
	}, nil)

	payload := make([]byte, swap.PageSize)
	require.NoError(t, s.AllocAndWrite("p1", 0, payload))
	// only a retainable slot (one whose data is also held resident
	// elsewhere) is safe to reclaim under pressure.
	_, err := s.ReadAndRetain("p1", 0, len(payload))
	require.NoError(t, err)

	require.NoError(t, s.AllocAndWrite("p2", 0, payload))

	assert.Equal(t, "p1", disposedOwner)
	assert.Equal(t, uint64(0), disposedAddr)
}

func TestExhaustionFailsWithoutRetainableSlot(t *testing.T) {
	dev := newSwapDevice(t, 1)
	s := swap.Open(dev, 8, nil, nil)

	payload := make([]byte, swap.PageSize)
	require.NoError(t, s.AllocAndWrite("p1", 0, payload))
	// p1's slot was never retained, so it is the sole copy of that page's
	// data and must not be silently reclaimed.
	err := s.AllocAndWrite("p2", 0, payload)
	require.Error(t, err)
}

func TestOomOnMultiPageExhaustion(t *testing.T) {
	dev := newSwapDevice(t, 1)
	s := swap.Open(dev, 8, nil, nil)
	payload := make([]byte, swap.PageSize*2)
	err := s.AllocAndWrite("p1", 0, payload)
	require.Error(t, err)
}

func TestCleanDisposesAllOwnerSlots(t *testing.T) {
	dev := newSwapDevice(t, 2)
	s := swap.Open(dev, 16, nil, nil)
	payload := make([]byte, swap.PageSize)
	require.NoError(t, s.AllocAndWrite("p1", 0, payload))
	require.NoError(t, s.AllocAndWrite("p1", swap.PageSize, payload))

	s.Clean("p1")

	require.NoError(t, s.AllocAndWrite("p2", 0, payload))
	require.NoError(t, s.AllocAndWrite("p2", swap.PageSize, payload))
}
