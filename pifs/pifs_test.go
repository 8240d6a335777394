package pifs_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pifsos/errs"
	"pifsos/pifs"
)

func newVolume(t *testing.T) *pifs.Volume_t {
	t.Helper()
	path := filepath.Join(t.TempDir(), "volume.pifs")
	v, err := pifs.CreateVolume(path, 512, 32, nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestFormatThenReopenPassesSanityCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.pifs")
	v, err := pifs.CreateVolume(path, 64, 16, nil)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2, err := pifs.OpenVolume(path, 16, nil)
	require.NoError(t, err)
	defer v2.Close()

	ok, err := v2.IsDirPath("/")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreateFileWriteReadRoundTrip(t *testing.T) {
	v := newVolume(t)
	ino, err := v.CreateFile("/hello.txt")
	require.NoError(t, err)

	payload := []byte("hello, pifs")
	n, err := v.Device().Write(ino, 0, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = v.Device().Read(ino, 0, out)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)

	require.NoError(t, v.Device().CloseInode(ino))
}

func TestWriteSpanningMultipleSectors(t *testing.T) {
	v := newVolume(t)
	ino, err := v.CreateFile("/big.bin")
	require.NoError(t, err)
	defer v.Device().CloseInode(ino)

	payload := make([]byte, 512*5+37)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := v.Device().Write(ino, 0, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	out := make([]byte, len(payload))
	n, err = v.Device().Read(ino, 0, out)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, out)
}

func TestPartialSectorOverwritePreservesSurroundingBytes(t *testing.T) {
	v := newVolume(t)
	ino, err := v.CreateFile("/partial.bin")
	require.NoError(t, err)
	defer v.Device().CloseInode(ino)

	base := make([]byte, 512)
	for i := range base {
		base[i] = 0xAA
	}
	_, err = v.Device().Write(ino, 0, base)
	require.NoError(t, err)

	patch := []byte{1, 2, 3, 4}
	_, err = v.Device().Write(ino, 100, patch)
	require.NoError(t, err)

	out := make([]byte, 512)
	_, err = v.Device().Read(ino, 0, out)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), out[99])
	assert.Equal(t, []byte{1, 2, 3, 4}, out[100:104])
	assert.Equal(t, byte(0xAA), out[104])
}

func TestCreateFolderAndReadDir(t *testing.T) {
	v := newVolume(t)
	_, err := v.CreateFolder("/docs")
	require.NoError(t, err)
	_, err = v.CreateFile("/docs/a.txt")
	require.NoError(t, err)
	_, err = v.CreateFile("/docs/b.txt")
	require.NoError(t, err)

	dir, err := v.Device().Open("/docs", pifs.FolderNoCreate)
	require.NoError(t, err)
	defer v.Device().CloseInode(dir)

	var names []string
	for i := 0; ; i++ {
		name, ok, err := v.Device().ReadDir(dir, i)
		require.NoError(t, err)
		if !ok {
			break
		}
		names = append(names, name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)
}

func TestDirectoryOverflowChaining(t *testing.T) {
	v := newVolume(t)
	_, err := v.CreateFolder("/many")
	require.NoError(t, err)

	const total = pifs.FolderEntries + 3
	for i := 0; i < total; i++ {
		_, err := v.CreateFile(fmt.Sprintf("/many/f%d", i))
		require.NoError(t, err)
	}

	dir, err := v.Device().Open("/many", pifs.FolderNoCreate)
	require.NoError(t, err)
	defer v.Device().CloseInode(dir)

	n, err := v.Device().Length(dir)
	require.NoError(t, err)
	assert.Equal(t, uint32(total), n)
}

func TestMustCreateFailsIfExists(t *testing.T) {
	v := newVolume(t)
	_, err := v.CreateFile("/x")
	require.NoError(t, err)

	_, err = v.Device().Open("/x", pifs.FileMustCreate)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.AlreadyExists))
}

func TestOpenMissingWithNoCreateFails(t *testing.T) {
	v := newVolume(t)
	_, err := v.Device().Open("/nope", pifs.FileNoCreate)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDeepCreateOfMissingIntermediateDirFails(t *testing.T) {
	v := newVolume(t)
	_, err := v.Device().Open("/a/b/c", pifs.FileMayCreate)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestDeleteFileIsDeferredUntilLastClose(t *testing.T) {
	v := newVolume(t)
	ino1, err := v.CreateFile("/gone.txt")
	require.NoError(t, err)
	ino2, err := v.Device().Open("/gone.txt", pifs.FileNoCreate)
	require.NoError(t, err)

	require.NoError(t, v.Device().DeleteFile(ino1))

	exists, err := v.ExistsPath("/gone.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, v.Device().CloseInode(ino1))
	require.NoError(t, v.Device().CloseInode(ino2))

	_, err = v.CreateFile("/gone.txt")
	require.NoError(t, err)
}

func TestDeleteNonEmptyFolderFails(t *testing.T) {
	v := newVolume(t)
	_, err := v.CreateFolder("/d")
	require.NoError(t, err)
	_, err = v.CreateFile("/d/f")
	require.NoError(t, err)

	dir, err := v.Device().Open("/d", pifs.FolderNoCreate)
	require.NoError(t, err)
	defer v.Device().CloseInode(dir)

	err = v.Device().DeleteFolder(dir)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotEmpty))
}

func TestDeleteRootFails(t *testing.T) {
	v := newVolume(t)
	root, err := v.Device().Open("/", pifs.AnyNoCreate)
	require.NoError(t, err)
	defer v.Device().CloseInode(root)

	err = v.Device().DeleteFolder(root)
	require.Error(t, err)
}

func TestShortWriteOnVolumeExhaustion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.pifs")
	v, err := pifs.CreateVolume(path, 6, 8, nil)
	require.NoError(t, err)
	defer v.Close()

	ino, err := v.CreateFile("/full.bin")
	require.NoError(t, err)
	defer v.Device().CloseInode(ino)

	huge := make([]byte, 512*20)
	n, err := v.Device().Write(ino, 0, huge)
	require.NoError(t, err)
	assert.Less(t, n, len(huge))
}

func TestDenyWriteBlocksOtherHandleUntilAllowed(t *testing.T) {
	v := newVolume(t)
	ino1, err := v.CreateFile("/a")
	require.NoError(t, err)
	defer v.Device().CloseInode(ino1)

	ino2, err := v.Device().Open("/a", pifs.FileNoCreate)
	require.NoError(t, err)
	defer v.Device().CloseInode(ino2)

	ino1.DenyWrite()

	_, err = v.Device().Write(ino2, 0, []byte("hello"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Busy))

	ino1.AllowWrite()

	n, err := v.Device().Write(ino2, 0, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
