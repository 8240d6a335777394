package device_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pifsos/device"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := device.Create(path, 4, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(4), d.SectorCount())

	payload := bytes.Repeat([]byte{0xAB}, device.SectorSize)
	require.NoError(t, d.WriteSector(2, payload))
	require.NoError(t, d.Sync())
	require.NoError(t, d.Close())

	d2, err := device.Open(path, nil)
	require.NoError(t, err)
	defer d2.Close()

	out := make([]byte, device.SectorSize)
	require.NoError(t, d2.ReadSector(2, out))
	require.Equal(t, payload, out)
}

func TestOutOfRangeSector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := device.Create(path, 1, nil)
	require.NoError(t, err)
	defer d.Close()

	buf := make([]byte, device.SectorSize)
	err = d.ReadSector(5, buf)
	require.Error(t, err)
}
