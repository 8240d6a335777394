// Command pifsctl is an administrative CLI against a mounted PIFS
// image: ls, cat, put (host-to-volume), get (volume-to-host), mkdir, rm,
// rmdir. Grounded on the teacher's cmd/fsck-style single-shot tools
// that boot a filesystem, perform one operation, and shut it down
// cleanly — generalized here to a subcommand dispatcher since PIFS's
// surface (files and folders, no inode numbers to print) is simpler
// than ufs's.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"pifsos/config"
	"pifsos/pifs"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pifsctl [-config path] [-image path] <command> [args...]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  ls <dir>")
	fmt.Fprintln(os.Stderr, "  cat <path>")
	fmt.Fprintln(os.Stderr, "  put <hostfile> <path>")
	fmt.Fprintln(os.Stderr, "  get <path> <hostfile>")
	fmt.Fprintln(os.Stderr, "  mkdir <path>")
	fmt.Fprintln(os.Stderr, "  rm <path>")
	fmt.Fprintln(os.Stderr, "  rmdir <path>")
	os.Exit(2)
}

func cmdLs(v *pifs.Volume_t, path string) error {
	ino, err := v.Device().Open(path, pifs.FolderNoCreate)
	if err != nil {
		return err
	}
	defer v.Device().CloseInode(ino)
	for i := 0; ; i++ {
		name, ok, err := v.Device().ReadDir(ino, i)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		fmt.Println(name)
	}
}

func cmdCat(v *pifs.Volume_t, path string) error {
	ino, err := v.Device().Open(path, pifs.FileNoCreate)
	if err != nil {
		return err
	}
	defer v.Device().CloseInode(ino)
	length, err := v.Device().Length(ino)
	if err != nil {
		return err
	}
	buf := make([]byte, length)
	if _, err := v.Device().Read(ino, 0, buf); err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf)
	return err
}

func cmdPut(v *pifs.Volume_t, hostPath, volPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}
	ino, err := v.CreateFile(volPath)
	if err != nil {
		return err
	}
	defer v.Device().CloseInode(ino)
	_, err = v.Device().Write(ino, 0, data)
	return err
}

func cmdGet(v *pifs.Volume_t, volPath, hostPath string) error {
	ino, err := v.Device().Open(volPath, pifs.FileNoCreate)
	if err != nil {
		return err
	}
	defer v.Device().CloseInode(ino)
	length, err := v.Device().Length(ino)
	if err != nil {
		return err
	}
	buf := make([]byte, length)
	if _, err := v.Device().Read(ino, 0, buf); err != nil && err != io.EOF {
		return err
	}
	return os.WriteFile(hostPath, buf, 0644)
}

func main() {
	log := logrus.StandardLogger()

	args := os.Args[1:]
	configPath := ""
	imagePath := ""
	for len(args) > 0 && len(args[0]) > 0 && args[0][0] == '-' {
		switch args[0] {
		case "-config":
			if len(args) < 2 {
				usage()
			}
			configPath, args = args[1], args[2:]
		case "-image":
			if len(args) < 2 {
				usage()
			}
			imagePath, args = args[1], args[2:]
		default:
			usage()
		}
	}
	if len(args) < 1 {
		usage()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Fatal("pifsctl: failed to load config")
	}
	if imagePath != "" {
		cfg.DevicePath = imagePath
	}

	v, err := pifs.OpenVolume(cfg.DevicePath, cfg.CacheCapacity, log)
	if err != nil {
		log.WithError(err).Fatal("pifsctl: failed to mount volume")
	}
	defer v.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "ls":
		if len(rest) != 1 {
			usage()
		}
		err = cmdLs(v, rest[0])
	case "cat":
		if len(rest) != 1 {
			usage()
		}
		err = cmdCat(v, rest[0])
	case "put":
		if len(rest) != 2 {
			usage()
		}
		err = cmdPut(v, rest[0], rest[1])
	case "get":
		if len(rest) != 2 {
			usage()
		}
		err = cmdGet(v, rest[0], rest[1])
	case "mkdir":
		if len(rest) != 1 {
			usage()
		}
		var ino *pifs.Inode_t
		ino, err = v.CreateFolder(rest[0])
		if err == nil {
			err = v.Device().CloseInode(ino)
		}
	case "rm":
		if len(rest) != 1 {
			usage()
		}
		err = v.DeleteFilePath(rest[0])
	case "rmdir":
		if len(rest) != 1 {
			usage()
		}
		err = v.DeleteFolderPath(rest[0])
	default:
		usage()
	}

	if err != nil {
		log.WithError(err).Fatalf("pifsctl: %s failed", cmd)
	}
}
