// Package pifs implements the PIFS on-disk filesystem: a header sector,
// a root directory, and chained directory/file records, each exactly one
// 512-byte sector. Grounded on original_source/src/filesys/pifs.h and
// pifs.c for every numeric constant (498-byte bitmap, 25 directory
// entries, 98 file extents, 16-byte names) and on the teacher's
// fs/super.go for the field-accessor idiom around a packed sector
// buffer, generalized here with encoding/binary in place of the
// teacher's unsafe-pointer util.Readn/Writen.
package pifs

import (
	"encoding/binary"

	"pifsos/bitmap"
	"pifsos/device"
	"pifsos/errs"
)

const (
	/// NameLength is the maximum byte length of a path segment.
	NameLength = 16
	/// UsedMapBytes is the header's free-sector bitmap size in bytes.
	UsedMapBytes = 498
	/// MaxSectors is the device-capacity bound the header bitmap covers.
	MaxSectors = UsedMapBytes * 8
	/// FolderEntries is the fixed in-record directory entry capacity.
	FolderEntries = 25
	/// FileExtents is the fixed in-record file extent capacity.
	FileExtents = 98

	/// DefaultHeaderSector is where the PIFS header always lives.
	DefaultHeaderSector = 0
	/// DefaultRootSector is where the root directory is formatted.
	DefaultRootSector = 1
)

var (
	magicHeader = [4]byte{'P', 'I', 'F', 'S'}
	magicFolder = [4]byte{'F', 'L', 'D', 'R'}
	magicFile   = [4]byte{'F', 'I', 'L', 'E'}
)

/// Attrs packs the reserved read/write/execute attribute bits.
type Attrs struct {
	Readable   bool
	Writable   bool
	Executable bool
}

func (a Attrs) pack() byte {
	var b byte
	if a.Readable {
		b |= 1 << 0
	}
	if a.Writable {
		b |= 1 << 1
	}
	if a.Executable {
		b |= 1 << 2
	}
	return b
}

func unpackAttrs(b byte) Attrs {
	return Attrs{
		Readable:   b&(1<<0) != 0,
		Writable:   b&(1<<1) != 0,
		Executable: b&(1<<2) != 0,
	}
}

// headerRecord_t is the sector-0 layout:
//
//	[0:4]   magic "PIFS"
//	[4:8]   reserved pointer
//	[8:12]  root folder sector
//	[12:14] block count
//	[14:512] used-sector bitmap (498 bytes)
type headerRecord_t struct {
	reserved   uint32
	rootFolder uint32
	blockCount uint16
	usedMap    *bitmap.Bitmap_t
}

func (h *headerRecord_t) marshal() [device.SectorSize]byte {
	var buf [device.SectorSize]byte
	copy(buf[0:4], magicHeader[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.reserved)
	binary.LittleEndian.PutUint32(buf[8:12], h.rootFolder)
	binary.LittleEndian.PutUint16(buf[12:14], h.blockCount)
	copy(buf[14:14+UsedMapBytes], h.usedMap.Bytes())
	return buf
}

func unmarshalHeader(buf []byte) (*headerRecord_t, error) {
	if string(buf[0:4]) != string(magicHeader[:]) {
		panic("pifs: header sector magic mismatch, volume corrupt")
	}
	h := &headerRecord_t{
		reserved:   binary.LittleEndian.Uint32(buf[4:8]),
		rootFolder: binary.LittleEndian.Uint32(buf[8:12]),
		blockCount: binary.LittleEndian.Uint16(buf[12:14]),
		usedMap:    bitmap.FromBytes(buf[14:14+UsedMapBytes], MaxSectors),
	}
	return h, nil
}

type folderEntry_t struct {
	name  [NameLength]byte
	child uint32
}

// folderRecord_t is a directory sector:
//
//	[0:4]   magic "FLDR"
//	[4:8]   extends pointer (0 = none)
//	[8]     entry count
//	[9:12]  padding
//	[12:512] up to 25 entries, 20 bytes each
const folderEntryStride = NameLength + 4
const folderEntriesOffset = 12

type folderRecord_t struct {
	extends uint32
	entries []folderEntry_t // len == entry count, capacity FolderEntries
}

func (f *folderRecord_t) marshal() [device.SectorSize]byte {
	var buf [device.SectorSize]byte
	copy(buf[0:4], magicFolder[:])
	binary.LittleEndian.PutUint32(buf[4:8], f.extends)
	buf[8] = byte(len(f.entries))
	for i, e := range f.entries {
		off := folderEntriesOffset + i*folderEntryStride
		copy(buf[off:off+NameLength], e.name[:])
		binary.LittleEndian.PutUint32(buf[off+NameLength:off+folderEntryStride], e.child)
	}
	return buf
}

func unmarshalFolder(buf []byte) *folderRecord_t {
	if string(buf[0:4]) != string(magicFolder[:]) {
		panic("pifs: directory sector magic mismatch, volume corrupt")
	}
	count := int(buf[8])
	f := &folderRecord_t{
		extends: binary.LittleEndian.Uint32(buf[4:8]),
		entries: make([]folderEntry_t, count),
	}
	for i := 0; i < count; i++ {
		off := folderEntriesOffset + i*folderEntryStride
		var e folderEntry_t
		copy(e.name[:], buf[off:off+NameLength])
		e.child = binary.LittleEndian.Uint32(buf[off+NameLength : off+folderEntryStride])
		f.entries[i] = e
	}
	return f
}

type extentRef_t struct {
	start uint32
	count uint8
}

// fileRecord_t is a file sector:
//
//	[0:4]   magic "FILE"
//	[4:8]   extends pointer (continuation record, 0 = none)
//	[8:12]  length in bytes (ignored in continuation records)
//	[12:16] parent folder sector (ignored in continuation records)
//	[16]    attrs
//	[17]    extent count
//	[18:20] padding
//	[20:510] up to 98 extents, 5 bytes each
//	[510:512] padding
const fileExtentStride = 5
const fileExtentsOffset = 20

type fileRecord_t struct {
	extends uint32
	length  uint32
	folder  uint32
	attrs   Attrs
	extents []extentRef_t
}

func (f *fileRecord_t) marshal() [device.SectorSize]byte {
	var buf [device.SectorSize]byte
	copy(buf[0:4], magicFile[:])
	binary.LittleEndian.PutUint32(buf[4:8], f.extends)
	binary.LittleEndian.PutUint32(buf[8:12], f.length)
	binary.LittleEndian.PutUint32(buf[12:16], f.folder)
	buf[16] = f.attrs.pack()
	buf[17] = byte(len(f.extents))
	for i, e := range f.extents {
		off := fileExtentsOffset + i*fileExtentStride
		binary.LittleEndian.PutUint32(buf[off:off+4], e.start)
		buf[off+4] = e.count
	}
	return buf
}

func unmarshalFile(buf []byte) *fileRecord_t {
	if string(buf[0:4]) != string(magicFile[:]) {
		panic("pifs: file sector magic mismatch, volume corrupt")
	}
	count := int(buf[17])
	f := &fileRecord_t{
		extends: binary.LittleEndian.Uint32(buf[4:8]),
		length:  binary.LittleEndian.Uint32(buf[8:12]),
		folder:  binary.LittleEndian.Uint32(buf[12:16]),
		attrs:   unpackAttrs(buf[16]),
		extents: make([]extentRef_t, count),
	}
	for i := 0; i < count; i++ {
		off := fileExtentsOffset + i*fileExtentStride
		f.extents[i] = extentRef_t{
			start: binary.LittleEndian.Uint32(buf[off : off+4]),
			count: buf[off+4],
		}
	}
	return f
}

func sectorMagic(buf []byte) (string, error) {
	if len(buf) < 4 {
		return "", errs.New(errs.IoError, "short sector buffer")
	}
	return string(buf[0:4]), nil
}
