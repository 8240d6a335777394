package bitmap_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pifsos/bitmap"
)

func TestFindFreeAndSetAllocatesLeastIndexFirst(t *testing.T) {
	b := bitmap.New(40)
	idx, ok := b.FindFreeAndSet()
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	idx, ok = b.FindFreeAndSet()
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestClearReleasesBit(t *testing.T) {
	b := bitmap.New(8)
	for i := 0; i < 8; i++ {
		_, ok := b.FindFreeAndSet()
		require.True(t, ok)
	}
	_, ok := b.FindFreeAndSet()
	require.False(t, ok)

	b.Clear(3)
	idx, ok := b.FindFreeAndSet()
	require.True(t, ok)
	assert.Equal(t, 3, idx)
}

func TestFindFreeAndSetBulk(t *testing.T) {
	b := bitmap.New(10)
	var got []int
	n := b.FindFreeAndSetBulk(4, func(idx int) { got = append(got, idx) })
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{0, 1, 2, 3}, got)
	assert.Equal(t, 4, b.CountSet())
}

func TestBytesRoundTrip(t *testing.T) {
	b := bitmap.New(3984)
	b.Set(0)
	b.Set(3983)
	b.Set(17)

	packed := b.Bytes()
	assert.Equal(t, 498, len(packed))

	b2 := bitmap.FromBytes(packed, 3984)
	assert.True(t, b2.Get(0))
	assert.True(t, b2.Get(3983))
	assert.True(t, b2.Get(17))
	assert.False(t, b2.Get(1))
	assert.Equal(t, b.CountSet(), b2.CountSet())
}

func TestFindFreeAndSetBulkExhausted(t *testing.T) {
	b := bitmap.New(2)
	n := b.FindFreeAndSetBulk(5, func(int) {})
	assert.Equal(t, 2, n)
}
