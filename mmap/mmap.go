// Package mmap implements memory-mapped files: Region/Alias/Kpage/Upage
// sharing backing frames across aliases of the same inode, with dirty
// frames written back by a dedicated asynchronous writer task queue.
// Grounded on original_source/src/vm/mmap.c (struct mmap_region's file
// reopen-on-acquire and kpage-by-page-number map, struct mmap_kpage's
// upage refcounting, and mmap_writer_func's semaphore-gated task loop
// with a null-kpage shutdown sentinel).
package mmap

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"pifsos/errs"
)

/// PageSize is the mmap granularity, matching the vm module's page size.
const PageSize = 4096

/// File_i is the file abstraction a Region reads and writes through. The
/// handle returned by pifs.Volume_t.OpenAsMmapFile satisfies this, opened
/// per §4.4's "reopen the file to take an independent cursor".
type File_i interface {
	ReadAt(dst []byte, off int64) (int, error)
	WriteAt(src []byte, off int64) (int, error)
	Length() int64
	Close() error
}

type kpage_t struct {
	region  *region_t
	pageNum int
	data    [PageSize]byte
	dirty   bool
	refs    int
	upages  map[*upage_t]struct{}
}

type upage_t struct {
	alias   *alias_t
	vaddr   uint64
	pageNum int
	kpage   *kpage_t
}

type alias_t struct {
	id     int
	owner  string
	region *region_t
	upages map[uint64]*upage_t
}

type region_t struct {
	inodeKey string
	file     File_i
	length   int64
	aliases  map[int]*alias_t
	kpages   map[int]*kpage_t
}

type taskKind int

const (
	taskRead taskKind = iota
	taskWrite
)

type task_t struct {
	kpage *kpage_t // nil is the shutdown sentinel
	kind  taskKind
	done  chan struct{}
}

/// Manager_t is the mmap subsystem described by this module's doc
/// comment.
type Manager_t struct {
	mu sync.Mutex

	regionsByInode map[string]*region_t
	aliasByID      map[int]*alias_t
	nextMapID      int

	fsLock sync.Mutex // brackets each writer I/O, matching mmap_filesys_lock

	queueMu sync.Mutex
	queue   []*task_t
	admit   *semaphore.Weighted

	log *logrus.Logger
}

/// New builds a Manager_t and starts its writer goroutine.
func New(log *logrus.Logger) *Manager_t {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager_t{
		regionsByInode: make(map[string]*region_t),
		aliasByID:      make(map[int]*alias_t),
		admit:          semaphore.NewWeighted(1 << 30),
		log:            log,
	}
	// start with every permit held so the semaphore counts queued tasks:
	// each enqueue releases one, each writer wakeup acquires one.
	m.admit.TryAcquire(1 << 30)
	go m.writerLoop()
	return m
}

func (m *Manager_t) enqueue(t *task_t) {
	m.queueMu.Lock()
	m.queue = append(m.queue, t)
	m.queueMu.Unlock()
	m.admit.Release(1)
}

func (m *Manager_t) writerLoop() {
	for {
		if err := m.admit.Acquire(context.Background(), 1); err != nil {
			return
		}
		m.queueMu.Lock()
		t := m.queue[0]
		m.queue = m.queue[1:]
		m.queueMu.Unlock()

		if t.kpage == nil {
			if t.done != nil {
				close(t.done)
			}
			return
		}
		m.runTask(t)
		if t.done != nil {
			close(t.done)
		}
	}
}

func (m *Manager_t) runTask(t *task_t) {
	m.fsLock.Lock()
	defer m.fsLock.Unlock()

	kp := t.kpage
	off := int64(kp.pageNum) * PageSize
	switch t.kind {
	case taskRead:
		n, err := kp.region.file.ReadAt(kp.data[:], off)
		if n < PageSize {
			for i := n; i < PageSize; i++ {
				kp.data[i] = 0
			}
		}
		if err != nil {
			m.log.WithError(err).WithField("page", kp.pageNum).Warn("mmap read task failed short of EOF")
		}
	case taskWrite:
		length := kp.region.length
		if off >= length {
			return
		}
		n := PageSize
		if off+int64(n) > length {
			n = int(length - off)
		}
		if _, err := kp.region.file.WriteAt(kp.data[:n], off); err != nil {
			m.log.WithError(err).WithField("page", kp.pageNum).Error("mmap write-back failed")
		}
	}
}

/// Shutdown enqueues the null-kpage sentinel and waits for the writer
/// goroutine to drain and exit.
func (m *Manager_t) Shutdown() {
	done := make(chan struct{})
	m.enqueue(&task_t{kpage: nil, done: done})
	<-done
}

/// Acquire looks up or creates the region for inodeKey, reopens file
/// (the caller passes an already-independent handle), allocates a fresh
/// monotonically-increasing map id, and registers a new alias. It returns
/// the map id the caller uses for subsequent MapUpage/Load/Dispose calls.
func (m *Manager_t) Acquire(owner string, inodeKey string, file File_i) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regionsByInode[inodeKey]
	if !ok {
		r = &region_t{
			inodeKey: inodeKey,
			file:     file,
			length:   file.Length(),
			aliases:  make(map[int]*alias_t),
			kpages:   make(map[int]*kpage_t),
		}
		m.regionsByInode[inodeKey] = r
	}

	m.nextMapID++
	id := m.nextMapID
	a := &alias_t{id: id, owner: owner, region: r, upages: make(map[uint64]*upage_t)}
	r.aliases[id] = a
	m.aliasByID[id] = a
	return id
}

/// MapUpage allocates a upage bound to vaddr in mapID's alias, covering
/// page number nth of the region's file. The kpage is materialized lazily
/// on first Load.
func (m *Manager_t) MapUpage(mapID int, vaddr uint64, nth int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.aliasByID[mapID]
	if !ok {
		return errs.Newf(errs.NotFound, "no mmap alias %d", mapID)
	}
	if _, exists := a.upages[vaddr]; exists {
		return errs.Newf(errs.AlreadyExists, "upage already mapped at %#x", vaddr)
	}
	a.upages[vaddr] = &upage_t{alias: a, vaddr: vaddr, pageNum: nth}
	return nil
}

/// Load is called from the VM fault path: it reads page nth of mapID's
/// region file into dest, zero-filling the tail beyond file length, and
/// is safe to call multiple times across aliases sharing the same page.
func (m *Manager_t) Load(mapID int, vaddr uint64, dest []byte) error {
	m.mu.Lock()
	a, ok := m.aliasByID[mapID]
	if !ok {
		m.mu.Unlock()
		return errs.Newf(errs.NotFound, "no mmap alias %d", mapID)
	}
	up, ok := a.upages[vaddr]
	if !ok {
		m.mu.Unlock()
		return errs.Newf(errs.NotFound, "no upage at %#x", vaddr)
	}
	if up.kpage != nil {
		kp := up.kpage
		m.mu.Unlock()
		copy(dest, kp.data[:])
		return nil
	}

	r := a.region
	kp, ok := r.kpages[up.pageNum]
	if !ok {
		kp = &kpage_t{region: r, pageNum: up.pageNum, upages: make(map[*upage_t]struct{})}
		r.kpages[up.pageNum] = kp
		m.mu.Unlock()

		done := make(chan struct{})
		m.enqueue(&task_t{kpage: kp, kind: taskRead, done: done})
		<-done

		m.mu.Lock()
	}
	kp.refs++
	kp.upages[up] = struct{}{}
	up.kpage = kp
	m.mu.Unlock()

	copy(dest, kp.data[:])
	return nil
}

/// Store writes src into mapID's page at vaddr and marks it dirty, for
/// the VM write-fault / munmap write-back path.
func (m *Manager_t) Store(mapID int, vaddr uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.aliasByID[mapID]
	if !ok {
		return errs.Newf(errs.NotFound, "no mmap alias %d", mapID)
	}
	up, ok := a.upages[vaddr]
	if !ok || up.kpage == nil {
		return errs.Newf(errs.NotFound, "no materialized page at %#x", vaddr)
	}
	copy(up.kpage.data[:], src)
	up.kpage.dirty = true
	return nil
}

/// CleanOwner disposes every alias belonging to owner, for the
/// thread-exit path (mmap_clean in the source): a thread that exits with
/// live mappings must not leak their aliases or skip their write-backs.
func (m *Manager_t) CleanOwner(owner string) error {
	m.mu.Lock()
	var ids []int
	for id, a := range m.aliasByID {
		if a.owner == owner {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Dispose(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

/// Dispose unmaps every upage of mapID's alias; when a kpage's refcount
/// reaches zero it is dropped from the region, enqueuing a write-back
/// first if dirty. If the region's alias list becomes empty, its file
/// handle is closed and the region is dropped.
func (m *Manager_t) Dispose(mapID int) error {
	m.mu.Lock()
	a, ok := m.aliasByID[mapID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	r := a.region
	var writeBacks []*kpage_t
	for _, up := range a.upages {
		if up.kpage == nil {
			continue
		}
		kp := up.kpage
		delete(kp.upages, up)
		kp.refs--
		if kp.refs == 0 {
			delete(r.kpages, kp.pageNum)
			if kp.dirty {
				writeBacks = append(writeBacks, kp)
			}
		}
	}
	delete(r.aliases, mapID)
	delete(m.aliasByID, mapID)
	regionEmpty := len(r.aliases) == 0
	if regionEmpty {
		delete(m.regionsByInode, r.inodeKey)
	}
	m.mu.Unlock()

	var firstErr error
	for _, kp := range writeBacks {
		done := make(chan struct{})
		m.enqueue(&task_t{kpage: kp, kind: taskWrite, done: done})
		<-done
	}
	if regionEmpty {
		if err := r.file.Close(); err != nil {
			firstErr = errs.Wrap(err, "close mmap region file")
		}
	}
	return firstErr
}
