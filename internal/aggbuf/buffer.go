// Package aggbuf 提供单个 stripe 独占的聚合写缓冲区：固定容量、按页对齐，
// 通过显式偏移分配空间，每个聚合周期结束后整体复位复用。
package aggbuf

import (
	"errors"
	"fmt"

	"github.com/ncw/directio"
)

// ErrBufferFull 表示本周期剩余空间不足。
var ErrBufferFull = errors.New("aggregation buffer is full")

// Buffer 为非并发安全结构，只能由所属 stripe 的调度协程访问。
type Buffer struct {
	buf     []byte
	block   int
	cursor  int
	pending int

	// reserved 记录本周期已分配的区间，用于 WriteAt 越界检查
	reserved []span
}

type span struct {
	start, end int
}

// New 分配容量为 size 的对齐缓冲区，size 必须是 block 的整数倍。
func New(size, block int) (*Buffer, error) {
	if block <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid buffer geometry: size=%d block=%d", size, block)
	}
	if size%block != 0 {
		return nil, fmt.Errorf("buffer size %d is not a multiple of block size %d", size, block)
	}
	return &Buffer{
		buf:   directio.AlignedBlock(size),
		block: block,
	}, nil
}

// TryReserve 在当前写游标处预留 n 字节，放不下时返回 false 且不修改状态。
func (b *Buffer) TryReserve(n int) (int, bool) {
	if n < 0 || b.cursor+n > len(b.buf) {
		return 0, false
	}
	off := b.cursor
	b.cursor += n
	b.pending += n
	b.reserved = append(b.reserved, span{start: off, end: off + n})
	return off, true
}

// Reserve 与 TryReserve 相同，但以 error 形式报告空间不足。
func (b *Buffer) Reserve(n int) (int, error) {
	off, ok := b.TryReserve(n)
	if !ok {
		return 0, fmt.Errorf("%w: need %d, remaining %d", ErrBufferFull, n, b.Remaining())
	}
	return off, nil
}

// WriteAt 把 p 拷贝进此前预留的区间，越界或未预留属于编程错误，直接 panic。
func (b *Buffer) WriteAt(off int, p []byte) {
	if !b.covered(off, off+len(p)) {
		panic(fmt.Sprintf("aggbuf: write [%d,%d) outside reserved ranges", off, off+len(p)))
	}
	copy(b.buf[off:], p)
}

// Region 返回预留区间对应的切片，容量被截断在区间末尾，调用方可原地编码。
func (b *Buffer) Region(off, n int) []byte {
	if !b.covered(off, off+n) {
		panic(fmt.Sprintf("aggbuf: region [%d,%d) outside reserved ranges", off, off+n))
	}
	return b.buf[off : off+n : off+n]
}

func (b *Buffer) covered(start, end int) bool {
	if start < 0 || end > b.cursor || start > end {
		return false
	}
	// 区间按偏移递增追加，二分查找包含 start 的那一段
	lo, hi := 0, len(b.reserved)
	for lo < hi {
		mid := (lo + hi) / 2
		if b.reserved[mid].end <= start {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(b.reserved) {
		return start == end && start == b.cursor
	}
	s := b.reserved[lo]
	return s.start <= start && end <= s.end
}

// BytesUsed 返回当前写游标。
func (b *Buffer) BytesUsed() int {
	return b.cursor
}

// Remaining 返回本周期剩余可用字节数。
func (b *Buffer) Remaining() int {
	return len(b.buf) - b.cursor
}

// BytesPending 返回已经序列化、尚未确认落盘的字节数。
func (b *Buffer) BytesPending() int {
	return b.pending
}

// Cap 返回缓冲区容量（AGG_SIZE）。
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// BlockSize 返回设备块大小。
func (b *Buffer) BlockSize() int {
	return b.block
}

// IsEmpty 报告本周期是否尚未写入任何数据。
func (b *Buffer) IsEmpty() bool {
	return b.cursor == 0
}

// PaddedLen 返回已用字节向上取整到块大小后的长度。
func (b *Buffer) PaddedLen() int {
	return roundUp(b.cursor, b.block)
}

// Padded 返回本周期需要写盘的完整区域，尾部为零填充。
func (b *Buffer) Padded() []byte {
	return b.buf[:b.PaddedLen()]
}

// Bytes 返回已用部分（不含填充）。
func (b *Buffer) Bytes() []byte {
	return b.buf[:b.cursor]
}

// Reset 在刷盘结果确认后开始新的周期，已用区域清零以保证下次填充为零。
func (b *Buffer) Reset() {
	clear(b.buf[:b.PaddedLen()])
	b.cursor = 0
	b.pending = 0
	b.reserved = b.reserved[:0]
}

func roundUp(n, block int) int {
	if rem := n % block; rem != 0 {
		return n + block - rem
	}
	return n
}
