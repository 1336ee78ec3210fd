// Package storage 封装 cache volume 的底层设备：普通文件、O_DIRECT 文件或测试用内存设备。
// 所有写入都以块大小对齐的整块区域下发，由上层的聚合缓冲区保证。
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/ncw/directio"
)

// Device 是 stripe 写入与读取的目标，WriteAt/ReadAt 的偏移为卷内绝对偏移。
type Device interface {
	io.ReaderAt
	io.WriterAt
	// Sync 确保已完成的写入落到持久介质。
	Sync() error
	Size() int64
	Close() error
}

// OpenOptions 控制卷文件的打开方式。
type OpenOptions struct {
	Size     int64
	DirectIO bool
}

// FileDevice 基于 *os.File，可选 O_DIRECT。
type FileDevice struct {
	file   *os.File
	size   int64
	direct bool
}

// OpenFile 打开（必要时创建并预分配）卷文件。
func OpenFile(path string, opts OpenOptions) (*FileDevice, error) {
	if path == "" {
		return nil, errors.New("volume path required")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid volume size: %d", opts.Size)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create volume dir: %w", err)
	}

	var (
		file *os.File
		err  error
	)
	flag := os.O_RDWR | os.O_CREATE
	direct := opts.DirectIO
	if direct {
		file, err = directio.OpenFile(path, flag, 0o644)
		// tmpfs 等文件系统不支持 O_DIRECT，退回普通读写
		if errors.Is(err, syscall.EINVAL) {
			direct = false
		}
	}
	if !direct {
		file, err = os.OpenFile(path, flag, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("open volume: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat volume: %w", err)
	}
	if info.Mode().IsRegular() && info.Size() < opts.Size {
		if err := preallocate(file, opts.Size); err != nil {
			file.Close()
			return nil, fmt.Errorf("preallocate volume: %w", err)
		}
	}

	return &FileDevice{file: file, size: opts.Size, direct: direct}, nil
}

// ReadAt 读取任意区间。O_DIRECT 下偏移、长度与内存地址都必须块对齐，
// 因此经由对齐的中转缓冲区读取整块后再复制出请求的部分。
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if !d.direct {
		return d.file.ReadAt(p, off)
	}
	if off < 0 {
		return 0, fmt.Errorf("read at negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	bs := int64(directio.BlockSize)
	start := off - off%bs
	end := off + int64(len(p))
	if r := end % bs; r != 0 {
		end += bs - r
	}
	buf := directio.AlignedBlock(int(end - start))
	n, err := d.file.ReadAt(buf, start)
	skip := int(off - start)
	if n <= skip {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	copied := copy(p, buf[skip:n])
	if copied < len(p) {
		if err == nil {
			err = io.EOF
		}
		return copied, err
	}
	return copied, nil
}

// WriteAt 写入完整区域，短写视为错误。
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write [%d,%d) outside volume of %d bytes", off, off+int64(len(p)), d.size)
	}
	n, err := d.file.WriteAt(p, off)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Sync 刷新已写入的数据，Linux 上使用 fdatasync。
func (d *FileDevice) Sync() error {
	return datasync(d.file)
}

func (d *FileDevice) Size() int64 {
	return d.size
}

// Direct 报告是否以 O_DIRECT 打开。
func (d *FileDevice) Direct() bool {
	return d.direct
}

func (d *FileDevice) Close() error {
	return d.file.Close()
}

// BlockSize 返回 O_DIRECT 要求的最小对齐单位。
func BlockSize() int {
	return directio.BlockSize
}
