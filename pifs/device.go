package pifs

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"pifsos/bitmap"
	"pifsos/cache"
	"pifsos/device"
	"pifsos/errs"
)

/// OpenOpts mirrors pifs_open_opts: it names the expected kind of the
/// final path component and whether creation is required, forbidden, or
/// permitted when the component is missing.
type OpenOpts int

const (
	/// wantFile requires the final component to be (or become) a file.
	wantFile OpenOpts = 1 << iota
	/// wantFolder requires the final component to be (or become) a folder.
	wantFolder
	/// noCreate fails with NotFound instead of creating a missing component.
	noCreate
	/// mustCreate fails with AlreadyExists if the component is already present.
	mustCreate
)

const (
	/// AnyNoCreate opens an existing file or folder, failing if absent.
	AnyNoCreate = noCreate
	/// FileMayCreate opens an existing file or creates a new one.
	FileMayCreate = wantFile
	/// FileNoCreate opens an existing file, failing if absent.
	FileNoCreate = wantFile | noCreate
	/// FileMustCreate creates a new file, failing if one already exists.
	FileMustCreate = wantFile | mustCreate
	/// FolderMayCreate opens an existing folder or creates a new one.
	FolderMayCreate = wantFolder
	/// FolderNoCreate opens an existing folder, failing if absent.
	FolderNoCreate = wantFolder | noCreate
	/// FolderMustCreate creates a new folder, failing if one already exists.
	FolderMustCreate = wantFolder | mustCreate
)

/// Inode_t is an open PIFS file or folder handle. Several Open calls on
/// the same sector share one Inode_t, reference-counted by openCount;
/// the underlying sectors are released only when the last handle closes
/// an inode that was marked deleted, per this module's deferred-delete
/// design decision (see DESIGN.md).
type Inode_t struct {
	pifs   *Device_t
	sector uint32
	isDir  bool

	mu           sync.Mutex
	openCount    int
	deleted      bool
	parentSector uint32 // sentinel rootSector for the root itself
	denyWriteCnt int
}

/// DenyWrite increments ino's deny-write count, grounded on
/// original_source/src/filesys/file.c's file_deny_write: while the count
/// is above zero, Write on any handle to this inode is refused.
func (ino *Inode_t) DenyWrite() {
	ino.mu.Lock()
	ino.denyWriteCnt++
	ino.mu.Unlock()
}

/// AllowWrite decrements ino's deny-write count, the counterpart to
/// DenyWrite (original's file_allow_write).
func (ino *Inode_t) AllowWrite() {
	ino.mu.Lock()
	if ino.denyWriteCnt > 0 {
		ino.denyWriteCnt--
	}
	ino.mu.Unlock()
}

/// Device_t is one mounted PIFS volume.
type Device_t struct {
	// rw serializes writers against each other and against readers,
	// matching this module's device-wide reader/writer lock: lookups
	// (no-create Open, Read, ReadDir, Length) take RLock; Write, create-
	// capable Open, delete, and release on close take Lock.
	rw sync.RWMutex

	cache *cache.Cache_t
	log   *logrus.Logger

	headerMu sync.Mutex
	header   *headerRecord_t

	inodesMu sync.Mutex
	inodes   map[uint32]*Inode_t
}

func (p *Device_t) readSector(sector uint32) ([device.SectorSize]byte, error) {
	var out [device.SectorSize]byte
	lease, err := p.cache.Read(sector)
	if err != nil {
		return out, err
	}
	copy(out[:], lease.Data())
	lease.Return()
	return out, nil
}

func (p *Device_t) writeSector(sector uint32, buf [device.SectorSize]byte) error {
	lease, err := p.cache.Write(sector)
	if err != nil {
		return err
	}
	copy(lease.Data(), buf[:])
	lease.SetDirty()
	if err := lease.Flush(); err != nil {
		lease.Return()
		return err
	}
	lease.Return()
	return nil
}

func (p *Device_t) loadHeader() error {
	buf, err := p.readSector(DefaultHeaderSector)
	if err != nil {
		return err
	}
	h, err := unmarshalHeader(buf[:])
	if err != nil {
		return err
	}
	p.headerMu.Lock()
	p.header = h
	p.headerMu.Unlock()
	return nil
}

func (p *Device_t) saveHeaderLocked() error {
	buf := p.header.marshal()
	return p.writeSector(DefaultHeaderSector, buf)
}

func (p *Device_t) loadFolder(sector uint32) (*folderRecord_t, error) {
	buf, err := p.readSector(sector)
	if err != nil {
		return nil, err
	}
	return unmarshalFolder(buf[:]), nil
}

func (p *Device_t) saveFolder(sector uint32, f *folderRecord_t) error {
	buf := f.marshal()
	return p.writeSector(sector, buf)
}

func (p *Device_t) loadFile(sector uint32) (*fileRecord_t, error) {
	buf, err := p.readSector(sector)
	if err != nil {
		return nil, err
	}
	return unmarshalFile(buf[:]), nil
}

func (p *Device_t) saveFile(sector uint32, f *fileRecord_t) error {
	buf := f.marshal()
	return p.writeSector(sector, buf)
}

// allocSector claims one free sector from the header bitmap and saves the
// header. It takes the header lock itself, so it must be called without
// it; the caller already holds the device write lock.
func (p *Device_t) allocSector() (uint32, error) {
	p.headerMu.Lock()
	idx, ok := p.header.usedMap.FindFreeAndSet()
	if !ok {
		p.headerMu.Unlock()
		return 0, errs.New(errs.Oom, "pifs volume is full")
	}
	if err := p.saveHeaderLocked(); err != nil {
		p.header.usedMap.Clear(idx)
		p.headerMu.Unlock()
		return 0, err
	}
	p.headerMu.Unlock()
	return uint32(idx), nil
}

func (p *Device_t) freeSector(sector uint32) error {
	p.headerMu.Lock()
	p.header.usedMap.Clear(int(sector))
	err := p.saveHeaderLocked()
	p.headerMu.Unlock()
	return err
}

/// Format initializes a fresh PIFS volume on dev: a header claiming
/// sectors 0 and 1, and an empty root directory at sector 1. Grounded on
/// original_source's pifs_format and the teacher's mkfs/mkfs.go overall
/// shape (build the superblock, then the root structure, then flush).
func Format(dev device.Device_i, cacheCapacity int, log *logrus.Logger) (*Device_t, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if dev.SectorCount() > uint32(MaxSectors) {
		return nil, errs.Newf(errs.IoError, "device has %d sectors, exceeds pifs max of %d", dev.SectorCount(), MaxSectors)
	}

	p := &Device_t{
		cache:  cache.New(dev, cacheCapacity, log),
		log:    log,
		inodes: make(map[uint32]*Inode_t),
	}

	um := bitmap.New(MaxSectors)
	for s := uint32(dev.SectorCount()); s < uint32(MaxSectors); s++ {
		um.Set(int(s))
	}
	um.Set(DefaultHeaderSector)
	um.Set(DefaultRootSector)
	p.header = &headerRecord_t{
		rootFolder: DefaultRootSector,
		blockCount: uint16(dev.SectorCount()),
		usedMap:    um,
	}
	if err := p.saveHeaderLocked(); err != nil {
		return nil, err
	}
	root := &folderRecord_t{}
	if err := p.saveFolder(DefaultRootSector, root); err != nil {
		return nil, err
	}
	if err := p.cache.FlushAll(); err != nil {
		return nil, err
	}
	if err := dev.Sync(); err != nil {
		return nil, errs.Wrap(err, "sync freshly formatted pifs volume")
	}
	return p, nil
}

/// Open mounts an existing PIFS volume, checking the header and root
/// magic numbers, per this module's supplemented stronger sanity check.
func Open(dev device.Device_i, cacheCapacity int, log *logrus.Logger) (p *Device_t, err error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p = &Device_t{
		cache:  cache.New(dev, cacheCapacity, log),
		log:    log,
		inodes: make(map[uint32]*Inode_t),
	}
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, errs.Newf(errs.IoError, "pifs sanity check failed: %v", r)
		}
	}()
	if err := p.loadHeader(); err != nil {
		return nil, err
	}
	if _, ferr := p.loadFolder(p.header.rootFolder); ferr != nil {
		return nil, ferr
	}
	return p, nil
}

/// Close flushes all dirty cache frames and syncs the underlying device.
func (p *Device_t) Close() error {
	if err := p.cache.FlushAll(); err != nil {
		return err
	}
	return p.cache.GetDevice().Sync()
}

func splitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, errs.Newf(errs.NotFound, "path %q is not absolute", path)
	}
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s == "" {
			continue
		}
		if len(s) > NameLength {
			return nil, errs.Newf(errs.NameTooLong, "path component %q exceeds %d bytes", s, NameLength)
		}
		segs = append(segs, s)
	}
	return segs, nil
}

func packName(name string) [NameLength]byte {
	var out [NameLength]byte
	copy(out[:], name)
	return out
}

func nameEquals(raw [NameLength]byte, name string) bool {
	var packed [NameLength]byte
	copy(packed[:], name)
	return raw == packed
}

func unpackName(raw [NameLength]byte) string {
	i := 0
	for i < NameLength && raw[i] != 0 {
		i++
	}
	return string(raw[:i])
}

// lookupInFolder searches the entry chain starting at sector for name,
// returning the child's sector and whether it's a directory.
func (p *Device_t) lookupInFolder(sector uint32, name string) (childSector uint32, isDir bool, found bool, err error) {
	for cur := sector; ; {
		f, ferr := p.loadFolder(cur)
		if ferr != nil {
			return 0, false, false, ferr
		}
		for _, e := range f.entries {
			if nameEquals(e.name, name) {
				magicBuf, rerr := p.readSector(e.child)
				if rerr != nil {
					return 0, false, false, rerr
				}
				magic, _ := sectorMagic(magicBuf[:])
				return e.child, magic == string(magicFolder[:]), true, nil
			}
		}
		if f.extends == 0 {
			return 0, false, false, nil
		}
		cur = f.extends
	}
}

// appendEntry inserts (name, child) into the chain rooted at sector,
// allocating a new overflow directory sector if every chain link is full.
func (p *Device_t) appendEntry(sector uint32, name string, child uint32) error {
	cur := sector
	for {
		f, err := p.loadFolder(cur)
		if err != nil {
			return err
		}
		if len(f.entries) < FolderEntries {
			f.entries = append(f.entries, folderEntry_t{name: packName(name), child: child})
			return p.saveFolder(cur, f)
		}
		if f.extends != 0 {
			cur = f.extends
			continue
		}
		next, err := p.allocSector()
		if err != nil {
			return err
		}
		overflow := &folderRecord_t{entries: []folderEntry_t{{name: packName(name), child: child}}}
		if err := p.saveFolder(next, overflow); err != nil {
			return err
		}
		f.extends = next
		return p.saveFolder(cur, f)
	}
}

// removeEntry deletes the entry with the given child sector from the
// chain rooted at sector. It does not compact overflow links that become
// empty; an empty overflow link is simply a folder record with zero
// entries, harmless to future traversals and appends.
func (p *Device_t) removeEntry(sector uint32, child uint32) error {
	for cur := sector; ; {
		f, err := p.loadFolder(cur)
		if err != nil {
			return err
		}
		for i, e := range f.entries {
			if e.child == child {
				f.entries = append(f.entries[:i], f.entries[i+1:]...)
				return p.saveFolder(cur, f)
			}
		}
		if f.extends == 0 {
			return errs.New(errs.NotFound, "directory entry not found during unlink")
		}
		cur = f.extends
	}
}

func (p *Device_t) folderIsEmpty(sector uint32) (bool, error) {
	for cur := sector; ; {
		f, err := p.loadFolder(cur)
		if err != nil {
			return false, err
		}
		if len(f.entries) > 0 {
			return false, nil
		}
		if f.extends == 0 {
			return true, nil
		}
		cur = f.extends
	}
}

func (p *Device_t) getInode(sector uint32, isDir bool, parent uint32) *Inode_t {
	p.inodesMu.Lock()
	defer p.inodesMu.Unlock()
	if ino, ok := p.inodes[sector]; ok {
		ino.mu.Lock()
		ino.openCount++
		ino.mu.Unlock()
		return ino
	}
	ino := &Inode_t{pifs: p, sector: sector, isDir: isDir, openCount: 1, parentSector: parent}
	p.inodes[sector] = ino
	return ino
}

/// Open resolves path to an Inode_t, applying opts' create/existence
/// policy. Intermediate components must already exist and be folders;
/// deep creation of missing intermediate directories is not supported,
/// matching this module's Non-goal.
func (p *Device_t) Open(path string, opts OpenOpts) (*Inode_t, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	write := opts&(noCreate) == 0
	if write {
		p.rw.Lock()
		defer p.rw.Unlock()
	} else {
		p.rw.RLock()
		defer p.rw.RUnlock()
	}

	p.headerMu.Lock()
	root := p.header.rootFolder
	p.headerMu.Unlock()

	if len(segs) == 0 {
		if opts&mustCreate != 0 {
			return nil, errs.New(errs.AlreadyExists, "root directory already exists")
		}
		if opts&wantFile != 0 {
			return nil, errs.New(errs.IsADirectory, "root is a directory")
		}
		return p.getInode(root, true, root), nil
	}

	parent := root
	for i, name := range segs {
		last := i == len(segs)-1
		childSector, childIsDir, found, err := p.lookupInFolder(parent, name)
		if err != nil {
			return nil, err
		}
		if !last {
			if !found {
				return nil, errs.Newf(errs.NotFound, "no such directory %q", name)
			}
			if !childIsDir {
				return nil, errs.Newf(errs.NotADirectory, "%q is not a directory", name)
			}
			parent = childSector
			continue
		}

		if found {
			if opts&mustCreate != 0 {
				return nil, errs.Newf(errs.AlreadyExists, "%q already exists", name)
			}
			if opts&wantFile != 0 && childIsDir {
				return nil, errs.Newf(errs.IsADirectory, "%q is a directory", name)
			}
			if opts&wantFolder != 0 && !childIsDir {
				return nil, errs.Newf(errs.NotADirectory, "%q is not a directory", name)
			}
			return p.getInode(childSector, childIsDir, parent), nil
		}

		if opts&noCreate != 0 {
			return nil, errs.Newf(errs.NotFound, "no such file or directory %q", name)
		}
		if !write {
			return nil, errs.New(errs.IoError, "create requires a write-mode open")
		}
		newSector, err := p.allocSector()
		if err != nil {
			return nil, err
		}
		if opts&wantFolder != 0 {
			if err := p.saveFolder(newSector, &folderRecord_t{}); err != nil {
				return nil, err
			}
		} else {
			if err := p.saveFile(newSector, &fileRecord_t{folder: parent, attrs: Attrs{Readable: true, Writable: true}}); err != nil {
				return nil, err
			}
		}
		if err := p.appendEntry(parent, name, newSector); err != nil {
			return nil, err
		}
		return p.getInode(newSector, opts&wantFolder != 0, parent), nil
	}
	panic("unreachable")
}

/// CloseInode releases one handle on ino; when the last handle on a
/// deleted inode closes, its record sector and chained overflow records
/// (for both kinds) and its extents (for files) are returned to the free
/// bitmap. This is the
/// deferred-release half of this module's delete design.
func (p *Device_t) CloseInode(ino *Inode_t) error {
	ino.mu.Lock()
	ino.openCount--
	shouldRelease := ino.openCount == 0 && ino.deleted
	openCount := ino.openCount
	ino.mu.Unlock()
	if openCount > 0 {
		return nil
	}

	p.inodesMu.Lock()
	delete(p.inodes, ino.sector)
	p.inodesMu.Unlock()

	if !shouldRelease {
		return nil
	}

	p.rw.Lock()
	defer p.rw.Unlock()
	if ino.isDir {
		for cur := ino.sector; cur != 0; {
			f, err := p.loadFolder(cur)
			if err != nil {
				return err
			}
			next := f.extends
			if err := p.freeSector(cur); err != nil {
				return err
			}
			cur = next
		}
		return nil
	}
	return p.releaseFileSectors(ino.sector)
}

func (p *Device_t) releaseFileSectors(sector uint32) error {
	for cur := sector; cur != 0; {
		f, err := p.loadFile(cur)
		if err != nil {
			return err
		}
		for _, e := range f.extents {
			for s := e.start; s < e.start+uint32(e.count); s++ {
				if err := p.freeSector(s); err != nil {
					return err
				}
			}
		}
		next := f.extends
		if err := p.freeSector(cur); err != nil {
			return err
		}
		cur = next
	}
	return nil
}
