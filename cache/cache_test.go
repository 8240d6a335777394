package cache_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"pifsos/cache"
	"pifsos/device"
)

func newDevice(t *testing.T, nsector uint32) device.Device_i {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	d, err := device.Create(path, nsector, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestReadWriteRoundTrip(t *testing.T) {
	dev := newDevice(t, 16)
	c := cache.New(dev, 4, nil)

	lease, err := c.Write(3)
	require.NoError(t, err)
	copy(lease.Data(), []byte("hello world"))
	lease.SetDirty()
	lease.Return()
	require.NoError(t, c.FlushAll())

	lease2, err := c.Read(3)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(lease2.Data()[:11]))
	lease2.Return()
}

func TestCapacityGatesAdmission(t *testing.T) {
	dev := newDevice(t, 16)
	c := cache.New(dev, 2, nil)

	l0, err := c.Read(0)
	require.NoError(t, err)
	l1, err := c.Read(1)
	require.NoError(t, err)

	done := make(chan struct{})
	var l2 *cache.Lease_t
	go func() {
		var err error
		l2, err = c.Read(2)
		require.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("third lease should not be admitted while cache is full")
	default:
	}

	l0.Return()
	<-done
	l1.Return()
	l2.Return()
}

func TestEvictionFlushesDirtyPages(t *testing.T) {
	dev := newDevice(t, 16)
	c := cache.New(dev, 1, nil)

	l0, err := c.Write(0)
	require.NoError(t, err)
	copy(l0.Data(), []byte("dirty"))
	l0.SetDirty()
	l0.Return()

	l1, err := c.Read(1)
	require.NoError(t, err)
	l1.Return()

	l0b, err := c.Read(0)
	require.NoError(t, err)
	require.Equal(t, "dirty", string(l0b.Data()[:5]))
	l0b.Return()
}

func TestConcurrentHitsIncrementLease(t *testing.T) {
	dev := newDevice(t, 16)
	c := cache.New(dev, 2, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := c.Read(0)
			require.NoError(t, err)
			l.Return()
		}()
	}
	wg.Wait()
}
