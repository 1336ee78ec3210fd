//go:build linux

package storage

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate 优先使用 fallocate，文件系统不支持时退回 Truncate（稀疏文件）。
func preallocate(file *os.File, size int64) error {
	err := unix.Fallocate(int(file.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
		return file.Truncate(size)
	}
	return err
}

func datasync(file *os.File) error {
	if err := unix.Fdatasync(int(file.Fd())); err != nil {
		if errors.Is(err, unix.EINVAL) {
			return file.Sync()
		}
		return err
	}
	return nil
}
