// Command mkpifs formats a raw image file as a PIFS volume, optionally
// populating it from a host skeleton directory. Grounded on the
// teacher's cmd/mkfs/mkfs.go: same overall shape (build the image, boot
// the filesystem, walk a skeleton directory, shut down), generalized to
// PIFS's record layout and folder/file API in place of ufs's inode
// table.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"pifsos/config"
	"pifsos/pifs"
)

func copydata(log *logrus.Logger, src string, v *pifs.Volume_t, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	ino, err := v.CreateFile(dst)
	if err != nil {
		return err
	}
	defer v.Device().CloseInode(ino)

	buf := make([]byte, 64*1024)
	var offset uint32
	for {
		n, rerr := srcFile.Read(buf)
		if n > 0 {
			written, werr := v.Device().Write(ino, offset, buf[:n])
			if werr != nil {
				return werr
			}
			offset += uint32(written)
			if written < n {
				log.WithField("path", dst).Warn("mkpifs: volume ran out of space copying file, truncated")
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

func addFiles(log *logrus.Logger, v *pifs.Volume_t, skeldir string) error {
	return filepath.WalkDir(skeldir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skeldir)
		if rel == "" {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, "/") {
			rel = "/" + rel
		}
		if d.IsDir() {
			ino, err := v.CreateFolder(rel)
			if err != nil {
				log.WithError(err).WithField("path", rel).Warn("mkpifs: failed to create directory")
				return nil
			}
			v.Device().CloseInode(ino)
			return nil
		}
		if err := copydata(log, path, v, rel); err != nil {
			log.WithError(err).WithField("path", rel).Warn("mkpifs: failed to copy file")
		}
		return nil
	})
}

func main() {
	log := logrus.StandardLogger()

	configPath := flag.String("config", "", "path to a pifsos config file")
	image := flag.String("image", "", "path to the output image file (overrides config)")
	sectors := flag.Uint("sectors", 2048, "number of 512-byte sectors in the new volume")
	skel := flag.String("skel", "", "optional host directory tree to copy into the new volume")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("mkpifs: failed to load config")
	}
	if *image != "" {
		cfg.DevicePath = *image
	}

	v, err := pifs.CreateVolume(cfg.DevicePath, uint32(*sectors), cfg.CacheCapacity, log)
	if err != nil {
		log.WithError(err).Fatal("mkpifs: failed to format volume")
	}
	defer v.Close()

	log.WithFields(logrus.Fields{"image": cfg.DevicePath, "sectors": *sectors}).Info("mkpifs: formatted volume")

	if *skel != "" {
		if err := addFiles(log, v, *skel); err != nil {
			log.WithError(err).Fatal("mkpifs: failed to populate volume from skeleton directory")
		}
	}

	fmt.Printf("formatted %s (%d sectors)\n", cfg.DevicePath, *sectors)
}
