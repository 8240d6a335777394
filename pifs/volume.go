package pifs

import (
	"github.com/sirupsen/logrus"

	"pifsos/device"
	"pifsos/errs"
)

/// Volume_t bundles a block device and its mounted PIFS filesystem,
/// grounded on original_source/src/filesys/filesys.c's filesys_t pairing
/// a disk and a pifs device behind one create/open/remove surface.
type Volume_t struct {
	dev  *device.FileDevice_t
	pifs *Device_t
}

/// CreateVolume formats a new PIFS volume backed by a freshly created
/// image file of sectorCount sectors.
func CreateVolume(path string, sectorCount uint32, cacheCapacity int, log *logrus.Logger) (*Volume_t, error) {
	dev, err := device.Create(path, sectorCount, log)
	if err != nil {
		return nil, err
	}
	p, err := Format(dev, cacheCapacity, log)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return &Volume_t{dev: dev, pifs: p}, nil
}

/// OpenVolume mounts an existing PIFS image file.
func OpenVolume(path string, cacheCapacity int, log *logrus.Logger) (*Volume_t, error) {
	dev, err := device.Open(path, log)
	if err != nil {
		return nil, err
	}
	p, err := Open(dev, cacheCapacity, log)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return &Volume_t{dev: dev, pifs: p}, nil
}

/// Device exposes the mounted PIFS filesystem for direct inode-level use.
func (v *Volume_t) Device() *Device_t { return v.pifs }

/// Close flushes and closes the volume's backing image file.
func (v *Volume_t) Close() error {
	if err := v.pifs.Close(); err != nil {
		return err
	}
	return v.dev.Close()
}

/// CreateFile opens or creates path as a file, mirroring the original
/// header's static-inline pifs_create_file(path) wrapper.
func (v *Volume_t) CreateFile(path string) (*Inode_t, error) {
	return v.pifs.Open(path, FileMayCreate)
}

/// CreateFolder opens or creates path as a folder.
func (v *Volume_t) CreateFolder(path string) (*Inode_t, error) {
	return v.pifs.Open(path, FolderMayCreate)
}

/// DeleteFilePath resolves path and deletes it in one call.
func (v *Volume_t) DeleteFilePath(path string) error {
	ino, err := v.pifs.Open(path, FileNoCreate)
	if err != nil {
		return err
	}
	if err := v.pifs.DeleteFile(ino); err != nil {
		v.pifs.CloseInode(ino)
		return err
	}
	return v.pifs.CloseInode(ino)
}

/// DeleteFolderPath resolves path and deletes it in one call.
func (v *Volume_t) DeleteFolderPath(path string) error {
	ino, err := v.pifs.Open(path, FolderNoCreate)
	if err != nil {
		return err
	}
	if err := v.pifs.DeleteFolder(ino); err != nil {
		v.pifs.CloseInode(ino)
		return err
	}
	return v.pifs.CloseInode(ino)
}

/// LengthPath resolves path and reports its length in one call.
func (v *Volume_t) LengthPath(path string) (uint32, error) {
	ino, err := v.pifs.Open(path, AnyNoCreate)
	if err != nil {
		return 0, err
	}
	defer v.pifs.CloseInode(ino)
	return v.pifs.Length(ino)
}

/// ExistsPath reports whether path resolves to anything.
func (v *Volume_t) ExistsPath(path string) (bool, error) {
	ino, err := v.pifs.Open(path, AnyNoCreate)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, v.pifs.CloseInode(ino)
}

/// IsFilePath reports whether path resolves to a file.
func (v *Volume_t) IsFilePath(path string) (bool, error) {
	ino, err := v.pifs.Open(path, FileNoCreate)
	if err != nil {
		if errs.Is(err, errs.NotFound) || errs.Is(err, errs.IsADirectory) {
			return false, nil
		}
		return false, err
	}
	return true, v.pifs.CloseInode(ino)
}

/// IsDirPath reports whether path resolves to a folder.
func (v *Volume_t) IsDirPath(path string) (bool, error) {
	ino, err := v.pifs.Open(path, FolderNoCreate)
	if err != nil {
		if errs.Is(err, errs.NotFound) || errs.Is(err, errs.NotADirectory) {
			return false, nil
		}
		return false, err
	}
	return true, v.pifs.CloseInode(ino)
}

/// inodeFile_t adapts a PIFS file handle to mmap.File_i, giving each
/// mmap acquisition its own open reference (one open-count contribution)
/// on the path's shared Inode_t, the way the original reopens the backing
/// file per mapping.
type inodeFile_t struct {
	pifs *Device_t
	ino  *Inode_t
}

/// OpenAsMmapFile opens a fresh, independent handle on path suitable for
/// passing to mmap.Manager_t.Acquire.
func (v *Volume_t) OpenAsMmapFile(path string) (*inodeFile_t, error) {
	ino, err := v.pifs.Open(path, FileNoCreate)
	if err != nil {
		return nil, err
	}
	return &inodeFile_t{pifs: v.pifs, ino: ino}, nil
}

func (f *inodeFile_t) ReadAt(dst []byte, off int64) (int, error) {
	return f.pifs.Read(f.ino, uint32(off), dst)
}

func (f *inodeFile_t) WriteAt(src []byte, off int64) (int, error) {
	return f.pifs.Write(f.ino, uint32(off), src)
}

func (f *inodeFile_t) Length() int64 {
	n, err := f.pifs.Length(f.ino)
	if err != nil {
		return 0
	}
	return int64(n)
}

func (f *inodeFile_t) Close() error {
	return f.pifs.CloseInode(f.ino)
}
