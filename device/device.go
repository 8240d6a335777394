// Package device provides the block device contract used by the cache,
// swap, and PIFS layers, plus a simulated file-backed implementation
// grounded on the teacher's ahci_disk_t: a disk is just an *os.File
// accessed by Seek followed by a fixed-size Read or Write, with the
// seek-then-transfer pair made atomic by a mutex.
package device

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"pifsos/errs"
)

/// SectorSize is the fixed unit of transfer to and from a Device.
const SectorSize = 512

/// Device_i is the contract every block device implementation satisfies.
type Device_i interface {
	/// ReadSector reads exactly SectorSize bytes from sector n into dst.
	ReadSector(n uint32, dst []byte) error
	/// WriteSector writes exactly SectorSize bytes from src into sector n.
	WriteSector(n uint32, src []byte) error
	/// Sync flushes any buffering to stable storage.
	Sync() error
	/// SectorCount reports the device's fixed capacity in sectors.
	SectorCount() uint32
	/// Close releases the device's underlying resources.
	Close() error
}

/// FileDevice_t simulates a disk backed by a regular host file.
type FileDevice_t struct {
	sync.Mutex
	f       *os.File
	nsector uint32
	log     *logrus.Logger
}

/// Open opens path as a FileDevice_t. The file must already exist and be
/// at least one sector long; use Create to build a fresh image.
func Open(path string, log *logrus.Logger) (*FileDevice_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.Wrap(err, "open device %q", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(err, "stat device %q", path)
	}
	if fi.Size() < SectorSize {
		f.Close()
		return nil, errs.Newf(errs.IoError, "device %q shorter than one sector", path)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &FileDevice_t{f: f, nsector: uint32(fi.Size() / SectorSize), log: log}
	log.WithFields(logrus.Fields{"path": path, "sectors": d.nsector}).Info("device opened")
	return d, nil
}

/// Create truncates (or creates) path to hold nsector sectors of zeros and
/// opens it, grounded on the teacher's mkfs flow which lays out an image
/// before the filesystem is formatted onto it.
func Create(path string, nsector uint32, log *logrus.Logger) (*FileDevice_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errs.Wrap(err, "create device %q", path)
	}
	if err := f.Truncate(int64(nsector) * SectorSize); err != nil {
		f.Close()
		return nil, errs.Wrap(err, "truncate device %q", path)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	d := &FileDevice_t{f: f, nsector: nsector, log: log}
	log.WithFields(logrus.Fields{"path": path, "sectors": nsector}).Info("device created")
	return d, nil
}

func (d *FileDevice_t) seek(n uint32) error {
	if n >= d.nsector {
		return errs.Newf(errs.IoError, "sector %d out of range (count %d)", n, d.nsector)
	}
	if _, err := d.f.Seek(int64(n)*SectorSize, 0); err != nil {
		return errs.Wrap(err, "seek sector %d", n)
	}
	return nil
}

/// ReadSector implements Device_i.
func (d *FileDevice_t) ReadSector(n uint32, dst []byte) error {
	if len(dst) != SectorSize {
		return errs.Newf(errs.IoError, "read buffer must be %d bytes, got %d", SectorSize, len(dst))
	}
	d.Lock()
	defer d.Unlock()
	if err := d.seek(n); err != nil {
		return err
	}
	nr, err := d.f.Read(dst)
	if err != nil {
		return errs.Wrap(err, "read sector %d", n)
	}
	if nr != SectorSize {
		return errs.Newf(errs.IoError, "short read on sector %d: got %d bytes", n, nr)
	}
	return nil
}

/// WriteSector implements Device_i.
func (d *FileDevice_t) WriteSector(n uint32, src []byte) error {
	if len(src) != SectorSize {
		return errs.Newf(errs.IoError, "write buffer must be %d bytes, got %d", SectorSize, len(src))
	}
	d.Lock()
	defer d.Unlock()
	if err := d.seek(n); err != nil {
		return err
	}
	nw, err := d.f.Write(src)
	if err != nil {
		return errs.Wrap(err, "write sector %d", n)
	}
	if nw != SectorSize {
		return errs.Newf(errs.IoError, "short write on sector %d: wrote %d bytes", n, nw)
	}
	return nil
}

/// Sync implements Device_i.
func (d *FileDevice_t) Sync() error {
	d.Lock()
	defer d.Unlock()
	if err := d.f.Sync(); err != nil {
		return errs.Wrap(err, "sync device")
	}
	return nil
}

/// SectorCount implements Device_i.
func (d *FileDevice_t) SectorCount() uint32 {
	return d.nsector
}

/// Close implements Device_i.
func (d *FileDevice_t) Close() error {
	d.Lock()
	defer d.Unlock()
	if err := d.f.Close(); err != nil {
		return errs.Wrap(err, "close device")
	}
	return nil
}
