package storage

import (
	"fmt"
	"io"
	"sync"
)

// MemDevice 是内存中的卷，支持注入写入失败，供测试与 dry-run 使用。
type MemDevice struct {
	mu     sync.Mutex
	data   []byte
	writes int

	// FailWrite 返回非空 error 时本次写入失败；n 为从 1 开始的写入序号。
	FailWrite func(n int, off int64, size int) error
	// TornWrite 为 true 时失败的写入仍落下前半部分数据，模拟断电时的部分写。
	TornWrite bool
	// Gate 非空时每次写入前先从中接收一次，用于控制写入完成的时机。
	Gate chan struct{}
}

// NewMemDevice 创建 size 字节的内存卷。
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

func (m *MemDevice) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *MemDevice) WriteAt(p []byte, off int64) (int, error) {
	if m.Gate != nil {
		<-m.Gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, fmt.Errorf("write [%d,%d) outside volume of %d bytes", off, off+int64(len(p)), len(m.data))
	}
	if m.FailWrite != nil {
		if err := m.FailWrite(m.writes, off, len(p)); err != nil {
			if m.TornWrite {
				half := len(p) / 2
				copy(m.data[off:], p[:half])
				return half, err
			}
			return 0, err
		}
	}
	return copy(m.data[off:], p), nil
}

func (m *MemDevice) Sync() error { return nil }

func (m *MemDevice) Size() int64 { return int64(len(m.data)) }

func (m *MemDevice) Close() error { return nil }

// Writes 返回已尝试的写入次数。
func (m *MemDevice) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Bytes 返回底层数据的拷贝。
func (m *MemDevice) Bytes(off, n int64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, n)
	copy(out, m.data[off:off+n])
	return out
}
