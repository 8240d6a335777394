// Package swap implements the swap area: a fixed-capacity swap file
// holding page-sized slots, allocated from a per-slot free table and
// tracked by an LRU of clean swapped-in pages for opportunistic reclaim.
// It is grounded on original_source/src/vm/swap.c (swap_init's
// file-length-derived slot count, swap_get_disposable_pages's
// bitmap-then-LRU-fallback allocation strategy, and the owner/LRU
// bookkeeping of struct swap_owner and struct swapped_page), with page
// I/O routed through a cache.Cache_t exactly as "through the cache" calls
// for in the contract, the same way the teacher's fs package always goes
// through a block cache rather than the raw device.
//
// A slot is only ever opportunistically reclaimed by AllocAndWrite's
// single-page fallback while it is "retainable": still allocated to a
// page whose data also lives in a resident VM frame (a clean shadow kept
// around in case that frame is evicted unmodified, letting eviction skip
// the write-back). ReadAndRetain marks the slot it serves retainable,
// since by definition the caller now also holds the data in memory.
// Reclaiming a slot that is the sole copy of a page's data (a page
// genuinely swapped out, not resident) would silently corrupt that page,
// so such slots never enter the reclaim LRU; exhaustion against them
// surfaces as Oom instead.
package swap

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"

	"pifsos/cache"
	"pifsos/device"
	"pifsos/errs"
	"pifsos/util"
)

/// PageSize is the host-memory page size this module swaps in units of.
const PageSize = 4096

/// PageSectors is the number of device sectors backing one swap page.
const PageSectors = PageSize / device.SectorSize

/// DisposeFunc is invoked when the swap area reclaims a retainable
/// (shadow) slot to make room for a new allocation, so the VM manager can
/// forget that its resident page still has a matching slot, forcing a
/// real write-back on that page's next eviction.
type DisposeFunc func(owner string, addr uint64)

type slot_t struct {
	idx        int
	owner      string
	addr       uint64
	retainable bool
	elem       *list.Element // membership in Swap_t.reclaimable, nil unless retainable
}

/// Swap_t is the swap area described by this module's doc comment.
type Swap_t struct {
	mu sync.Mutex

	cache     *cache.Cache_t
	slotCount int

	free        []bool
	bySlot      map[int]*slot_t
	byOwnerAddr map[string]map[uint64]*slot_t
	reclaimable *list.List // front = most-recently-touched retainable slot, back = reclaim candidate

	onDispose DisposeFunc
	log       *logrus.Logger
}

/// Open builds a Swap_t over dev, sized by the device's sector count, with
/// an internal cache of cacheSectors frames for buffering page I/O.
func Open(dev device.Device_i, cacheSectors int, onDispose DisposeFunc, log *logrus.Logger) *Swap_t {
	if log == nil {
		log = logrus.StandardLogger()
	}
	slotCount := int(dev.SectorCount()) / PageSectors
	s := &Swap_t{
		cache:       cache.New(dev, cacheSectors, log),
		slotCount:   slotCount,
		free:        make([]bool, slotCount),
		bySlot:      make(map[int]*slot_t, slotCount),
		byOwnerAddr: make(map[string]map[uint64]*slot_t),
		reclaimable: list.New(),
		onDispose:   onDispose,
		log:         log,
	}
	for i := range s.free {
		s.free[i] = true
	}
	log.WithFields(logrus.Fields{"slots": slotCount}).Info("swap area opened")
	return s
}

/// SetDisposeFunc attaches the disposal callback after construction, for
/// callers (the vm manager) that must exist before the callback closure
/// referencing them can be built.
func (s *Swap_t) SetDisposeFunc(f DisposeFunc) {
	s.mu.Lock()
	s.onDispose = f
	s.mu.Unlock()
}

func (s *Swap_t) allocSlotLocked() (int, bool) {
	for i, f := range s.free {
		if f {
			s.free[i] = false
			return i, true
		}
	}
	return 0, false
}

// reclaimOneLocked evicts the LRU retainable slot to reclaim it, notifying
// its owner via onDispose, and returns the freed slot index. Must run
// with s.mu held; it releases s.mu around the onDispose callback.
func (s *Swap_t) reclaimOneLocked() (int, bool) {
	back := s.reclaimable.Back()
	if back == nil {
		return 0, false
	}
	victim := back.Value.(*slot_t)
	idx := victim.idx
	s.removeSlotLocked(victim)
	if s.onDispose != nil {
		owner, addr := victim.owner, victim.addr
		s.mu.Unlock()
		s.onDispose(owner, addr)
		s.mu.Lock()
	}
	return idx, true
}

func (s *Swap_t) removeSlotLocked(sl *slot_t) {
	if sl.elem != nil {
		s.reclaimable.Remove(sl.elem)
		sl.elem = nil
	}
	delete(s.bySlot, sl.idx)
	if m := s.byOwnerAddr[sl.owner]; m != nil {
		delete(m, sl.addr)
		if len(m) == 0 {
			delete(s.byOwnerAddr, sl.owner)
		}
	}
	s.free[sl.idx] = true
}

/// AllocAndWrite finds ceil(len(data)/PageSize) free slots, writing each
/// page of data to its slot through the cache. If slots are insufficient
/// and exactly one page is requested, it first tries to reclaim the LRU
/// retainable (shadow) slot; Oom is returned if that still doesn't
/// suffice.
func (s *Swap_t) AllocAndWrite(owner string, base uint64, data []byte) error {
	npages := (len(data) + PageSize - 1) / PageSize
	if npages == 0 {
		return nil
	}

	s.mu.Lock()
	slots := make([]int, 0, npages)
	for len(slots) < npages {
		idx, ok := s.allocSlotLocked()
		if !ok {
			if npages == 1 {
				if vidx, ok := s.reclaimOneLocked(); ok {
					s.free[vidx] = false
					slots = append(slots, vidx)
					continue
				}
			}
			for _, r := range slots {
				s.free[r] = true
			}
			s.mu.Unlock()
			return errs.New(errs.Oom, "swap area exhausted")
		}
		slots = append(slots, idx)
	}
	s.mu.Unlock()

	for i, idx := range slots {
		page := data[i*PageSize : util.Min(len(data), (i+1)*PageSize)]
		if err := s.writePage(idx, page); err != nil {
			return err
		}
	}

	s.mu.Lock()
	for i, idx := range slots {
		addr := base + uint64(i)*PageSize
		sl := &slot_t{idx: idx, owner: owner, addr: addr}
		s.bySlot[idx] = sl
		if s.byOwnerAddr[owner] == nil {
			s.byOwnerAddr[owner] = make(map[uint64]*slot_t)
		}
		s.byOwnerAddr[owner][addr] = sl
	}
	s.mu.Unlock()
	return nil
}

func (s *Swap_t) writePage(slotIdx int, data []byte) error {
	base := uint32(slotIdx * PageSectors)
	for i := 0; i < PageSectors; i++ {
		lease, err := s.cache.Write(base + uint32(i))
		if err != nil {
			return err
		}
		buf := lease.Data()
		lo, hi := i*device.SectorSize, (i+1)*device.SectorSize
		if lo < len(data) {
			n := copy(buf, data[lo:util.Min(hi, len(data))])
			for j := n; j < len(buf); j++ {
				buf[j] = 0
			}
		} else {
			for j := range buf {
				buf[j] = 0
			}
		}
		lease.SetDirty()
		err = lease.Flush()
		lease.Return()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Swap_t) readPage(slotIdx int, dst []byte) error {
	base := uint32(slotIdx * PageSectors)
	for i := 0; i < PageSectors; i++ {
		lease, err := s.cache.Read(base + uint32(i))
		if err != nil {
			return err
		}
		lo, hi := i*device.SectorSize, (i+1)*device.SectorSize
		if lo < len(dst) {
			copy(dst[lo:util.Min(hi, len(dst))], lease.Data())
		}
		lease.Return()
	}
	return nil
}

/// ReadAndRetain copies pages back from their slots into a fresh buffer
/// and marks each slot retainable, moving it to the front of the
/// reclaim LRU. The slot remains allocated; callers that go on to modify
/// the page in memory must call Dispose on it, since the slot no longer
/// reflects the page's contents once written.
func (s *Swap_t) ReadAndRetain(owner string, base uint64, length int) ([]byte, error) {
	npages := (length + PageSize - 1) / PageSize
	out := make([]byte, npages*PageSize)

	for i := 0; i < npages; i++ {
		addr := base + uint64(i)*PageSize
		s.mu.Lock()
		m := s.byOwnerAddr[owner]
		sl, ok := m[addr]
		if ok {
			sl.retainable = true
			if sl.elem != nil {
				s.reclaimable.MoveToFront(sl.elem)
			} else {
				sl.elem = s.reclaimable.PushFront(sl)
			}
		}
		s.mu.Unlock()
		if !ok {
			return nil, errs.Newf(errs.NotFound, "no swap slot for owner %q addr %#x", owner, addr)
		}
		if err := s.readPage(sl.idx, out[i*PageSize:(i+1)*PageSize]); err != nil {
			return nil, err
		}
	}
	return out[:length], nil
}

/// Dispose locates each slot by (owner, base+offset), drops it from the
/// reclaim LRU, clears its bitmap bit, and removes it from the owner's
/// list.
func (s *Swap_t) Dispose(owner string, base uint64, pageCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byOwnerAddr[owner]
	if m == nil {
		return
	}
	for i := 0; i < pageCount; i++ {
		addr := base + uint64(i)*PageSize
		if sl, ok := m[addr]; ok {
			s.removeSlotLocked(sl)
		}
	}
}

/// Clean disposes every slot owned by owner.
func (s *Swap_t) Clean(owner string) {
	s.mu.Lock()
	m := s.byOwnerAddr[owner]
	addrs := make([]uint64, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()

	for _, addr := range addrs {
		s.Dispose(owner, addr, 1)
	}
}

/// SlotCount reports the swap area's total page capacity.
func (s *Swap_t) SlotCount() int {
	return s.slotCount
}
