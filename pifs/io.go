package pifs

import (
	"pifsos/device"
	"pifsos/errs"
	"pifsos/util"
)

/// Length reports a file's byte length or a folder's total entry count
/// across its overflow chain.
func (p *Device_t) Length(ino *Inode_t) (uint32, error) {
	p.rw.RLock()
	defer p.rw.RUnlock()
	if ino.isDir {
		n := 0
		for cur := ino.sector; cur != 0; {
			f, err := p.loadFolder(cur)
			if err != nil {
				return 0, err
			}
			n += len(f.entries)
			cur = f.extends
		}
		return uint32(n), nil
	}
	f, err := p.loadFile(ino.sector)
	if err != nil {
		return 0, err
	}
	return f.length, nil
}

// flattenExtents walks a file's record chain, returning its extent
// sectors in logical order plus the length field carried by the head
// record (continuation records' length fields are ignored).
func (p *Device_t) flattenExtents(sector uint32) ([]uint32, uint32, error) {
	var sectors []uint32
	head, err := p.loadFile(sector)
	if err != nil {
		return nil, 0, err
	}
	for cur, first := sector, true; cur != 0; {
		var f *fileRecord_t
		if first {
			f = head
		} else {
			f, err = p.loadFile(cur)
			if err != nil {
				return nil, 0, err
			}
		}
		for _, e := range f.extents {
			for s := e.start; s < e.start+uint32(e.count); s++ {
				sectors = append(sectors, s)
			}
		}
		cur = f.extends
		first = false
	}
	return sectors, head.length, nil
}

/// Read copies up to len(dest) bytes starting at offset into dest,
/// returning the number of bytes actually copied (short of len(dest) at
/// end of file).
func (p *Device_t) Read(ino *Inode_t, offset uint32, dest []byte) (int, error) {
	if ino.isDir {
		return 0, errs.New(errs.IsADirectory, "cannot read a directory as a file")
	}
	p.rw.RLock()
	defer p.rw.RUnlock()

	sectors, length, err := p.flattenExtents(ino.sector)
	if err != nil {
		return 0, err
	}
	if offset >= length {
		return 0, nil
	}
	want := len(dest)
	if uint32(want) > length-offset {
		want = int(length - offset)
	}

	n := 0
	for n < want {
		pos := offset + uint32(n)
		secIdx := pos / device.SectorSize
		secOff := pos % device.SectorSize
		if int(secIdx) >= len(sectors) {
			break
		}
		buf, err := p.readSector(sectors[secIdx])
		if err != nil {
			return n, err
		}
		chunk := copy(dest[n:want], buf[secOff:])
		n += chunk
	}
	return n, nil
}

// appendExtent records one newly allocated sector as part of sector's
// extent chain, merging into the last extent when contiguous, else
// starting a new extent entry (allocating an overflow file record when
// the active record's 98 extent slots are exhausted).
func (p *Device_t) appendExtent(sector uint32, newSector uint32) error {
	cur := sector
	for {
		f, err := p.loadFile(cur)
		if err != nil {
			return err
		}
		if n := len(f.extents); n > 0 {
			last := &f.extents[n-1]
			if last.start+uint32(last.count) == newSector && last.count < 255 {
				last.count++
				return p.saveFile(cur, f)
			}
		}
		if len(f.extents) < FileExtents {
			f.extents = append(f.extents, extentRef_t{start: newSector, count: 1})
			return p.saveFile(cur, f)
		}
		if f.extends != 0 {
			cur = f.extends
			continue
		}
		next, err := p.allocSector()
		if err != nil {
			return err
		}
		overflow := &fileRecord_t{extents: []extentRef_t{{start: newSector, count: 1}}}
		if err := p.saveFile(next, overflow); err != nil {
			return err
		}
		f.extends = next
		return p.saveFile(cur, f)
	}
}

func (p *Device_t) setFileLength(sector uint32, length uint32) error {
	f, err := p.loadFile(sector)
	if err != nil {
		return err
	}
	f.length = length
	return p.saveFile(sector, f)
}

/// Write copies src into the file starting at offset, growing the file
/// and allocating new extents as needed. It returns the number of bytes
/// actually written, which is short of len(src) if the volume runs out
/// of free sectors partway through; a short write is not an error, per
/// this module's allocation-failure contract.
func (p *Device_t) Write(ino *Inode_t, offset uint32, src []byte) (int, error) {
	if ino.isDir {
		return 0, errs.New(errs.IsADirectory, "cannot write a directory as a file")
	}
	ino.mu.Lock()
	denied := ino.denyWriteCnt > 0
	ino.mu.Unlock()
	if denied {
		return 0, errs.New(errs.Busy, "file is deny-write locked")
	}
	p.rw.Lock()
	defer p.rw.Unlock()

	sectors, length, err := p.flattenExtents(ino.sector)
	if err != nil {
		return 0, err
	}
	need := offset + uint32(len(src))
	haveSectors := uint32(len(sectors))
	needSectors := util.Roundup(need, uint32(device.SectorSize)) / device.SectorSize

	for haveSectors < needSectors {
		s, err := p.allocSector()
		if err != nil {
			break // short write: volume exhausted
		}
		if aerr := p.appendExtent(ino.sector, s); aerr != nil {
			if errs.Is(aerr, errs.Oom) {
				// no sector left for an overflow record: short write
				p.freeSector(s)
				break
			}
			return 0, aerr
		}
		sectors = append(sectors, s)
		haveSectors++
	}

	capacity := haveSectors * device.SectorSize
	writable := len(src)
	if offset+uint32(writable) > capacity {
		if capacity <= offset {
			writable = 0
		} else {
			writable = int(capacity - offset)
		}
	}

	n := 0
	for n < writable {
		pos := offset + uint32(n)
		secIdx := pos / device.SectorSize
		secOff := pos % device.SectorSize
		chunk := device.SectorSize - int(secOff)
		if n+chunk > writable {
			chunk = writable - n
		}

		var buf [device.SectorSize]byte
		if pos < length {
			buf, err = p.readSector(sectors[secIdx])
			if err != nil {
				return n, err
			}
		}
		copy(buf[secOff:int(secOff)+chunk], src[n:n+chunk])
		if err := p.writeSector(sectors[secIdx], buf); err != nil {
			return n, err
		}
		n += chunk
	}

	newLength := length
	if offset+uint32(n) > newLength {
		newLength = offset + uint32(n)
	}
	if newLength != length {
		if err := p.setFileLength(ino.sector, newLength); err != nil {
			return n, err
		}
	}
	return n, nil
}

/// ReadDir returns the name of the idx-th entry (0-based, in chain
/// order) of a folder, or ok=false once idx runs past the last entry.
func (p *Device_t) ReadDir(ino *Inode_t, idx int) (name string, ok bool, err error) {
	if !ino.isDir {
		return "", false, errs.New(errs.NotADirectory, "cannot readdir a file")
	}
	p.rw.RLock()
	defer p.rw.RUnlock()

	remaining := idx
	for cur := ino.sector; cur != 0; {
		f, ferr := p.loadFolder(cur)
		if ferr != nil {
			return "", false, ferr
		}
		if remaining < len(f.entries) {
			return unpackName(f.entries[remaining].name), true, nil
		}
		remaining -= len(f.entries)
		cur = f.extends
	}
	return "", false, nil
}

/// DeleteFile removes ino's directory entry immediately and marks it
/// deleted; its extent sectors are released only when the last open
/// handle closes, matching this module's deferred-delete decision.
func (p *Device_t) DeleteFile(ino *Inode_t) error {
	if ino.isDir {
		return errs.New(errs.IsADirectory, "DeleteFile called on a directory")
	}
	p.rw.Lock()
	defer p.rw.Unlock()

	if err := p.removeEntry(ino.parentSector, ino.sector); err != nil {
		return err
	}
	ino.mu.Lock()
	ino.deleted = true
	ino.mu.Unlock()
	return nil
}

/// DeleteFolder removes ino's directory entry and marks it deleted if
/// ino is empty and is not the volume root; otherwise it returns
/// errs.NotEmpty without modifying anything.
func (p *Device_t) DeleteFolder(ino *Inode_t) error {
	if !ino.isDir {
		return errs.New(errs.NotADirectory, "DeleteFolder called on a file")
	}
	p.rw.Lock()
	defer p.rw.Unlock()

	p.headerMu.Lock()
	isRoot := ino.sector == p.header.rootFolder
	p.headerMu.Unlock()
	if isRoot {
		return errs.New(errs.NotEmpty, "cannot delete the root directory")
	}
	empty, err := p.folderIsEmpty(ino.sector)
	if err != nil {
		return err
	}
	if !empty {
		return errs.New(errs.NotEmpty, "directory is not empty")
	}
	if err := p.removeEntry(ino.parentSector, ino.sector); err != nil {
		return err
	}
	ino.mu.Lock()
	ino.deleted = true
	ino.mu.Unlock()
	return nil
}
