// Package vm implements the virtual memory manager: per-thread logical
// page tables, fault servicing by frame allocation or swap-in, and
// eviction under pressure by swapping out. Grounded on
// original_source/src/vm/vm.c (vm_logical_page's {Empty,Used,Swapped}
// states, MIN_ALLOC_ADDR, SWAP_AT_ONCE's 32-page eviction batch bound,
// and swap_free_page's unmap-before-writeback eviction order) and on the
// teacher's vm.Vm_t for the per-address-space naming and locking idiom
// (a single embedded lock guarding logical page table mutation).
//
// A resident page that was brought in by swap-in keeps its backing swap
// slot as a clean "shadow" (see pifsos/swap's retainable slots) until it
// is written to. Eviction of a shadowed page is then free: it reuses the
// existing slot instead of writing a fresh one, exactly the "Swapped-in
// page and clean" fast path the eviction algorithm calls for. Writing to
// a shadowed page disposes its shadow immediately, since the slot no
// longer reflects the page's contents.
package vm

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"

	"pifsos/errs"
	"pifsos/swap"
)

/// MinAllocAddr is the kernel-reserved threshold: any address below it is
/// always a Segv, mirroring MIN_ALLOC_ADDR = (void*)(1<<16) in the source.
const MinAllocAddr = uint64(1) << 16

/// BatchBound caps the number of pages evicted per Ensure call, mirroring
/// SWAP_AT_ONCE.
const BatchBound = 32

/// PageSize matches the swap module's page granularity.
const PageSize = swap.PageSize

/// State is a logical page's lifecycle state.
type State int

const (
	Empty State = iota
	Resident
	Swapped
)

type page_t struct {
	thread   string
	addr     uint64
	readonly bool
	state    State
	frame    []byte
	shadow   bool // Resident and backed by a still-valid swap slot
	lruElem  *list.Element
}

/// EnsureResult is the outcome of a fault-servicing Ensure call.
type EnsureResult int

const (
	OK EnsureResult = iota
	SegvResult
	OomResult
)

/// Manager_t is the virtual memory manager described by this module's
/// doc comment. A single instance serves every thread in the simulated
/// system, mirroring the spec's single global VM lock.
type Manager_t struct {
	mu sync.Mutex

	byThread  map[string]map[uint64]*page_t
	residency *list.List // global LRU of resident pages, front = most-recently-used

	frameCount int
	maxFrames  int

	sw  *swap.Swap_t
	log *logrus.Logger
}

/// New builds a Manager_t with maxFrames physical frames backed by sw for
/// swap-out/swap-in, and registers itself as sw's disposal callback so a
/// reclaimed shadow slot clears the owning page's shadow bit.
func New(maxFrames int, sw *swap.Swap_t, log *logrus.Logger) *Manager_t {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager_t{
		byThread:  make(map[string]map[uint64]*page_t),
		residency: list.New(),
		maxFrames: maxFrames,
		sw:        sw,
		log:       log,
	}
	sw.SetDisposeFunc(m.swapDisposed)
	return m
}

// swapDisposed implements vm_swap_disposed: the swap area reclaimed addr's
// shadow slot out from under its still-resident page, so the next
// eviction of that page must write a fresh slot rather than assume the
// old one is valid.
func (m *Manager_t) swapDisposed(thread string, addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg := m.lookupLocked(thread, addr)
	if pg != nil && pg.state == Resident {
		pg.shadow = false
	}
}

func (m *Manager_t) lookupLocked(thread string, addr uint64) *page_t {
	t := m.byThread[thread]
	if t == nil {
		return nil
	}
	return t[addr]
}

/// AllocZero registers a logical page in the Empty state. No frame is
/// allocated. Duplicate addresses are rejected.
func (m *Manager_t) AllocZero(thread string, addr uint64, readonly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byThread[thread] == nil {
		m.byThread[thread] = make(map[uint64]*page_t)
	}
	if _, exists := m.byThread[thread][addr]; exists {
		return errs.Newf(errs.AlreadyExists, "logical page already registered at %#x", addr)
	}
	m.byThread[thread][addr] = &page_t{thread: thread, addr: addr, readonly: readonly, state: Empty}
	return nil
}

func (m *Manager_t) allocFrameLocked() ([]byte, bool) {
	if m.frameCount < m.maxFrames {
		m.frameCount++
		return make([]byte, PageSize), true
	}
	return nil, false
}

// evictOnceLocked evicts the global LRU resident page to free one frame.
// A shadowed (clean, swap-backed) page is evicted for free by simply
// dropping residency; otherwise the frame is written to a fresh swap
// slot with the lock released, matching the source's interrupts-enabled
// device I/O requirement. On swap failure the page is restored resident.
// Returns true if a frame was freed.
func (m *Manager_t) evictOnceLocked() bool {
	back := m.residency.Back()
	if back == nil {
		return false
	}
	victim := back.Value.(*page_t)
	m.residency.Remove(back)
	victim.lruElem = nil

	if victim.shadow {
		victim.state = Swapped
		victim.frame = nil
		m.frameCount--
		return true
	}

	frame := victim.frame
	victim.state = Swapped
	victim.frame = nil

	m.mu.Unlock()
	err := m.sw.AllocAndWrite(victim.thread, victim.addr, frame)
	m.mu.Lock()

	if err != nil {
		victim.state = Resident
		victim.frame = frame
		victim.lruElem = m.residency.PushFront(victim)
		return false
	}
	m.frameCount--
	return true
}

/// Ensure services a page fault at addr for thread. If the page is
/// already resident it returns OK immediately; otherwise it allocates a
/// frame (evicting under pressure) or swaps the page back in.
func (m *Manager_t) Ensure(thread string, addr uint64) EnsureResult {
	if addr < MinAllocAddr {
		return SegvResult
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pg := m.lookupLocked(thread, addr)
	if pg == nil {
		return SegvResult
	}
	if pg.state == Resident {
		return OK
	}

	frame, ok := m.allocFrameLocked()
	for !ok {
		if !m.tryEvictBatchLocked() {
			return OomResult
		}
		frame, ok = m.allocFrameLocked()
	}

	shadow := false
	switch pg.state {
	case Empty:
		// frame is already zero-filled by make([]byte, PageSize).
	case Swapped:
		m.mu.Unlock()
		data, err := m.sw.ReadAndRetain(thread, addr, PageSize)
		m.mu.Lock()
		if err != nil {
			m.frameCount--
			return OomResult
		}
		copy(frame, data)
		shadow = true
	}

	pg.state = Resident
	pg.frame = frame
	pg.shadow = shadow
	pg.lruElem = m.residency.PushFront(pg)
	return OK
}

// tryEvictBatchLocked attempts up to BatchBound evictions looking for one
// that frees a frame, since an individual victim's write-back can fail
// and be restored without freeing anything.
func (m *Manager_t) tryEvictBatchLocked() bool {
	for i := 0; i < BatchBound; i++ {
		if m.evictOnceLocked() {
			return true
		}
		if m.residency.Len() == 0 {
			return false
		}
	}
	return false
}

/// AllocAndEnsure composes AllocZero and Ensure.
func (m *Manager_t) AllocAndEnsure(thread string, addr uint64, readonly bool) EnsureResult {
	if err := m.AllocZero(thread, addr, readonly); err != nil {
		return SegvResult
	}
	return m.Ensure(thread, addr)
}

/// Dispose unmaps addr for thread, freeing its frame or swap slot, and
/// removes the logical page.
func (m *Manager_t) Dispose(thread string, addr uint64) {
	m.mu.Lock()
	pg := m.lookupLocked(thread, addr)
	if pg == nil {
		m.mu.Unlock()
		return
	}
	if pg.state == Resident {
		m.residency.Remove(pg.lruElem)
		m.frameCount--
	}
	delete(m.byThread[thread], addr)
	needsSwapDispose := pg.state == Swapped || pg.shadow
	m.mu.Unlock()

	if needsSwapDispose {
		m.sw.Dispose(thread, addr, 1)
	}
}

/// Clean disposes every page owned by thread.
func (m *Manager_t) Clean(thread string) {
	m.mu.Lock()
	t := m.byThread[thread]
	addrs := make([]uint64, 0, len(t))
	for addr := range t {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()

	for _, addr := range addrs {
		m.Dispose(thread, addr)
	}
}

/// Tick is invoked from the timer interrupt to sample page access/dirty
/// bits. This simulation has no MMU access bits to sample; the hook is
/// kept as the aging design point the source calls for, currently a
/// no-op, safe to call with interrupts conceptually off.
func (m *Manager_t) Tick(thread string) {}

/// Read copies length bytes starting at addr out of thread's resident
/// page data, for tests and callers that need direct page content access
/// without going through a real MMU.
func (m *Manager_t) Read(thread string, addr uint64, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pg := m.lookupLocked(thread, addr)
	if pg == nil || pg.state != Resident {
		return errs.New(errs.Segv, "page not resident")
	}
	copy(dst, pg.frame)
	return nil
}

/// Write copies src into thread's resident page data at addr, dropping
/// any clean shadow since the slot no longer matches the new contents.
func (m *Manager_t) Write(thread string, addr uint64, src []byte) error {
	m.mu.Lock()
	pg := m.lookupLocked(thread, addr)
	if pg == nil || pg.state != Resident {
		m.mu.Unlock()
		return errs.New(errs.Segv, "page not resident")
	}
	if pg.readonly {
		m.mu.Unlock()
		return errs.New(errs.Segv, "page is read-only")
	}
	copy(pg.frame, src)
	hadShadow := pg.shadow
	pg.shadow = false
	m.mu.Unlock()

	if hadShadow {
		m.sw.Dispose(thread, addr, 1)
	}
	return nil
}
