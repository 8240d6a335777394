// Package bitmap implements the free-sector bit-scan primitive used by
// the PIFS filesystem's header bitmap. It is grounded on
// original_source/src/filesys/bitset.c's bitset_mark/bitset_reset: a bit
// set to 1 means "used", a bit clear (0) means "free". Allocation scans
// for the least-significant free (0) bit and sets it, the Go analogue of
// bitset_find_and_set_1's complement-and-bsf trick; the name comes from
// the internal helper that trick relies on,
// _bitset_find_least_one_and_reset, which runs the same bsf-then-clear
// sequence against the complemented word.
//
// No third-party bitset library from the example pack covers this exact
// find-free-and-set-with-bulk-callback semantics, so this stays on plain
// []uint32 words and bits.TrailingZeros32, the direct Go analogue of the
// original's inline bsf/btr assembly.
package bitmap

import (
	"math/bits"
	"sync"
)

/// Bitmap_t is a fixed-size bit vector where 1 means "used" and 0 means
/// "free".
type Bitmap_t struct {
	mu    sync.Mutex
	words []uint32
	n     int
}

/// New builds a Bitmap_t of n bits, all initially clear (free). Bits at
/// or beyond n within the final word are set (used) so a scan never
/// allocates past the end of the tracked range.
func New(n int) *Bitmap_t {
	nw := (n + 31) / 32
	b := &Bitmap_t{words: make([]uint32, nw), n: n}
	if rem := n % 32; rem != 0 {
		b.words[nw-1] = ^((uint32(1) << uint(rem)) - 1)
	}
	return b
}

/// FromWords builds a Bitmap_t directly from word storage such as Words
/// returns. The PIFS header is loaded through FromBytes, not this.
func FromWords(words []uint32, n int) *Bitmap_t {
	cp := make([]uint32, len(words))
	copy(cp, words)
	return &Bitmap_t{words: cp, n: n}
}

/// Words returns a copy of the underlying word storage. On-disk
/// serialization goes through Bytes.
func (b *Bitmap_t) Words() []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]uint32, len(b.words))
	copy(cp, b.words)
	return cp
}

/// Len reports the number of bits tracked.
func (b *Bitmap_t) Len() int { return b.n }

/// Get reports whether bit i is set (used).
func (b *Bitmap_t) Get(i int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(i)
}

func (b *Bitmap_t) getLocked(i int) bool {
	return b.words[i/32]&(1<<uint(i%32)) != 0
}

/// Set marks bit i used.
func (b *Bitmap_t) Set(i int) {
	b.mu.Lock()
	b.words[i/32] |= 1 << uint(i%32)
	b.mu.Unlock()
}

/// Clear marks bit i free.
func (b *Bitmap_t) Clear(i int) {
	b.mu.Lock()
	b.words[i/32] &^= 1 << uint(i%32)
	b.mu.Unlock()
}

/// FindFreeAndSet scans for the least-significant free (0) bit, sets it
/// (marks it used), and returns its index. ok is false if no bit is free.
func (b *Bitmap_t) FindFreeAndSet() (idx int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.findFreeAndSetLocked()
}

func (b *Bitmap_t) findFreeAndSetLocked() (int, bool) {
	for w := range b.words {
		inv := ^b.words[w]
		if inv == 0 {
			continue
		}
		bit := bits.TrailingZeros32(inv)
		idx := w*32 + bit
		if idx >= b.n {
			continue
		}
		b.words[w] |= 1 << uint(bit)
		return idx, true
	}
	return 0, false
}

/// FindFreeAndSetBulk allocates up to amount bits, invoking cb with each
/// allocated index in allocation order, and returns the count allocated
/// (fewer than amount if the bitmap runs out).
func (b *Bitmap_t) FindFreeAndSetBulk(amount int, cb func(idx int)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	allocated := 0
	for allocated < amount {
		idx, ok := b.findFreeAndSetLocked()
		if !ok {
			break
		}
		allocated++
		cb(idx)
	}
	return allocated
}

/// Bytes packs the bitmap into ceil(Len()/8) bytes, bit i living at byte
/// i/8 bit i%8 (least-significant first), for on-disk serialization
/// independent of the in-memory word width.
func (b *Bitmap_t) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, (b.n+7)/8)
	for i := 0; i < b.n; i++ {
		if b.getLocked(i) {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

/// FromBytes rebuilds a Bitmap_t of n bits from its packed byte form, the
/// inverse of Bytes.
func FromBytes(data []byte, n int) *Bitmap_t {
	b := New(n)
	for i := 0; i < n; i++ {
		set := data[i/8]&(1<<uint(i%8)) != 0
		if set {
			b.Set(i)
		} else {
			b.Clear(i)
		}
	}
	return b
}

/// CountSet returns the number of used (set) bits.
func (b *Bitmap_t) CountSet() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i, w := range b.words {
		if i == len(b.words)-1 && b.n%32 != 0 {
			// ignore the padding bits New sets beyond Len
			w &= (uint32(1) << uint(b.n%32)) - 1
		}
		n += bits.OnesCount32(w)
	}
	return n
}
