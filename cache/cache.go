// Package cache implements the block cache: a bounded pool of sector-sized
// frames with at-most-one-copy-per-sector semantics, lease-counted access,
// and write-back durability. It is grounded on the teacher's fs/blk.go
// (Bdev_block_t's lease/dirty/eviction fields and BlkList_t as the LRU
// container) generalized from biscuit's disk-cache role to the bounded
// admission-gated cache this module's contract requires.
package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"pifsos/device"
	"pifsos/errs"
)

/// Debug enables per-request tracing; off by default, matching the
/// teacher's bdev_debug-gated printf convention.
var Debug = false

/// page_t is one cached sector-sized frame.
type page_t struct {
	sector uint32
	data   [device.SectorSize]byte
	dirty  bool
	lease  int
	// dispElem is this page's element in Cache_t.disposable while lease==0;
	// nil while the page is leased out.
	dispElem *list.Element
}

/// Cache_t is the block cache described by this module's doc comment.
type Cache_t struct {
	mu sync.Mutex
	// cond signals "a page just became disposable or a frame slot opened
	// up"; waiters are misses that found no disposable page and no spare
	// frame budget.
	cond *sync.Cond

	capacity  int64
	admission *semaphore.Weighted // gates the one-time creation of each of the capacity frames
	frameCount int64

	dev      device.Device_i
	bySector map[uint32]*page_t
	disposable *list.List // front = most-recently-disposed, back = LRU victim

	log *logrus.Logger
}

/// Lease_t is a scoped reservation on a page_t, returned by Read/Write.
/// Per this module's contract, a caller must never hold more than one
/// Lease_t on the same Cache_t at a time; callers are expected to pair
/// every successful Read/Write with exactly one Return.
type Lease_t struct {
	c    *Cache_t
	page *page_t
}

/// New builds a Cache_t of the given capacity (in sectors) over dev.
func New(dev device.Device_i, capacity int, log *logrus.Logger) *Cache_t {
	if capacity < 1 {
		panic("cache capacity must be at least 1")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Cache_t{
		capacity:   int64(capacity),
		admission:  semaphore.NewWeighted(int64(capacity)),
		dev:        dev,
		bySector:   make(map[uint32]*page_t, capacity),
		disposable: list.New(),
		log:        log,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

/// GetDevice reports the underlying device.
func (c *Cache_t) GetDevice() device.Device_i {
	return c.dev
}

func (c *Cache_t) removeDisposable(pg *page_t) {
	if pg.dispElem != nil {
		c.disposable.Remove(pg.dispElem)
		pg.dispElem = nil
	}
}

// evictOneLocked pops the LRU disposable page, flushing it if dirty, and
// returns it detached from bySector, ready for reuse. Must be called with
// c.mu held; it releases and re-acquires c.mu around the device flush.
func (c *Cache_t) evictOneLocked() (*page_t, error) {
	back := c.disposable.Back()
	if back == nil {
		return nil, nil
	}
	pg := back.Value.(*page_t)
	c.disposable.Remove(back)
	pg.dispElem = nil
	delete(c.bySector, pg.sector)

	if pg.dirty {
		sector, data := pg.sector, pg.data
		c.mu.Unlock()
		err := c.dev.WriteSector(sector, data[:])
		c.mu.Lock()
		if err != nil {
			return nil, errs.Wrap(err, "flush evicted sector %d", sector)
		}
		pg.dirty = false
	}
	return pg, nil
}

func (c *Cache_t) acquireFrameLocked() (*page_t, error) {
	for {
		if pg, err := c.evictOneLocked(); pg != nil || err != nil {
			return pg, err
		}
		if c.frameCount < c.capacity {
			c.mu.Unlock()
			err := c.admission.Acquire(context.Background(), 1)
			c.mu.Lock()
			if err != nil {
				return nil, errs.Wrap(err, "acquire cache frame")
			}
			if c.frameCount >= c.capacity {
				// lost the race for the last slot; give the permit back
				// and retry (another disposable page may now exist).
				c.admission.Release(1)
				continue
			}
			c.frameCount++
			return &page_t{}, nil
		}
		// at capacity and nothing disposable: wait for a Return or a new
		// frame slot (the latter never happens once capacity is reached).
		c.cond.Wait()
	}
}

/// Read returns a Lease_t on a page holding sector's current contents.
func (c *Cache_t) Read(sector uint32) (*Lease_t, error) {
	if sector >= c.dev.SectorCount() {
		return nil, errs.Newf(errs.IoError, "sector %d out of device range", sector)
	}
	c.mu.Lock()
	if pg, ok := c.bySector[sector]; ok {
		if pg.lease == 0 {
			c.removeDisposable(pg)
		}
		pg.lease++
		c.mu.Unlock()
		if Debug {
			c.log.WithField("sector", sector).Debug("cache read hit")
		}
		return &Lease_t{c: c, page: pg}, nil
	}

	pg, err := c.acquireFrameLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	pg.sector = sector
	pg.dirty = false
	pg.lease = 1
	c.bySector[sector] = pg
	c.mu.Unlock()

	if err := c.dev.ReadSector(sector, pg.data[:]); err != nil {
		c.mu.Lock()
		delete(c.bySector, sector)
		pg.lease = 0
		pg.dispElem = c.disposable.PushFront(pg)
		c.cond.Signal()
		c.mu.Unlock()
		return nil, errs.Wrap(err, "read sector %d", sector)
	}
	if Debug {
		c.log.WithField("sector", sector).Debug("cache read miss")
	}
	return &Lease_t{c: c, page: pg}, nil
}

/// Write returns a Lease_t on a frame to be overwritten. Buffer contents
/// are undefined; the caller must mark the lease dirty before Return.
func (c *Cache_t) Write(sector uint32) (*Lease_t, error) {
	if sector >= c.dev.SectorCount() {
		return nil, errs.Newf(errs.IoError, "sector %d out of device range", sector)
	}
	c.mu.Lock()
	if pg, ok := c.bySector[sector]; ok {
		if pg.lease == 0 {
			c.removeDisposable(pg)
		}
		pg.lease++
		c.mu.Unlock()
		return &Lease_t{c: c, page: pg}, nil
	}

	pg, err := c.acquireFrameLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	pg.sector = sector
	pg.dirty = false
	pg.lease = 1
	c.bySector[sector] = pg
	c.mu.Unlock()
	if Debug {
		c.log.WithField("sector", sector).Debug("cache write admit")
	}
	return &Lease_t{c: c, page: pg}, nil
}

/// Data exposes the lease's backing buffer for the caller to read or
/// mutate. Mutators must call SetDirty afterward.
func (l *Lease_t) Data() []byte {
	return l.page.data[:]
}

/// SetDirty marks the leased page as modified.
func (l *Lease_t) SetDirty() {
	l.c.mu.Lock()
	l.page.dirty = true
	l.c.mu.Unlock()
}

/// Sector reports the sector this lease covers.
func (l *Lease_t) Sector() uint32 {
	return l.page.sector
}

/// Return decrements the lease; at zero the page moves to the disposable
/// LRU but its frame remains valid for future hits.
func (l *Lease_t) Return() {
	c := l.c
	c.mu.Lock()
	l.page.lease--
	if l.page.lease < 0 {
		panic("cache: lease returned more times than acquired")
	}
	if l.page.lease == 0 {
		l.page.dispElem = c.disposable.PushFront(l.page)
		c.cond.Signal()
	}
	c.mu.Unlock()
}

/// Flush writes the leased page to disk if dirty and clears the dirty bit.
func (l *Lease_t) Flush() error {
	c := l.c
	c.mu.Lock()
	if !l.page.dirty {
		c.mu.Unlock()
		return nil
	}
	sector, data := l.page.sector, l.page.data
	c.mu.Unlock()

	if err := c.dev.WriteSector(sector, data[:]); err != nil {
		return errs.Wrap(err, "flush sector %d", sector)
	}
	c.mu.Lock()
	l.page.dirty = false
	c.mu.Unlock()
	return nil
}

/// FlushAll flushes every cached dirty page, concurrently.
func (c *Cache_t) FlushAll() error {
	c.mu.Lock()
	dirty := make([]*page_t, 0)
	for _, pg := range c.bySector {
		if pg.dirty {
			dirty = append(dirty, pg)
		}
	}
	c.mu.Unlock()

	var g errgroup.Group
	for _, pg := range dirty {
		pg := pg
		g.Go(func() error {
			c.mu.Lock()
			if !pg.dirty {
				c.mu.Unlock()
				return nil
			}
			sector, data := pg.sector, pg.data
			c.mu.Unlock()

			if err := c.dev.WriteSector(sector, data[:]); err != nil {
				return errs.Wrap(err, "flush_all sector %d", sector)
			}
			c.mu.Lock()
			pg.dirty = false
			c.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
