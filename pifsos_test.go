package pifsos_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pifsos"
	"pifsos/device"
	"pifsos/mmap"
	"pifsos/swap"
	"pifsos/vm"
)

func TestThreadExitCleansAllSubsystems(t *testing.T) {
	swapDev, err := device.Create(filepath.Join(t.TempDir(), "swap.img"), 64, nil)
	require.NoError(t, err)
	defer swapDev.Close()

	sw := swap.Open(swapDev, 8, nil, nil)
	vmMgr := vm.New(4, sw, nil)
	mm := mmap.New(nil)
	defer mm.Shutdown()

	require.NoError(t, vmMgr.AllocZero("t1", 1<<20, false))
	require.Equal(t, vm.OK, vmMgr.Ensure("t1", 1<<20))

	require.NoError(t, pifsos.ThreadExit("t1", vmMgr, sw, mm))

	require.Equal(t, vm.SegvResult, vmMgr.Ensure("t1", 1<<20))
}
