//go:build !linux

package storage

import "os"

func preallocate(file *os.File, size int64) error {
	return file.Truncate(size)
}

func datasync(file *os.File) error {
	return file.Sync()
}
