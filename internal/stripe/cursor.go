package stripe

import "fmt"

// Checkpoint 是恢复写游标所需的最小状态。
type Checkpoint struct {
	Offset      uint64 `json:"offset"`
	Generation  uint32 `json:"generation"`
	WriteSerial uint32 `json:"write_serial"`
	SyncSerial  uint32 `json:"sync_serial"`
}

// Cursor 记录 stripe 内的顺序写指针，写到区域末尾时回绕并递增 generation。
// 只由调度协程访问。
type Cursor struct {
	base   uint64
	extent uint64
	next   uint64
	gen    uint32

	lastWrite   uint64
	writeSerial uint32
	syncSerial  uint32
}

// NewCursor 创建覆盖 [base, base+extent) 的游标。
func NewCursor(base, extent uint64) *Cursor {
	return &Cursor{base: base, extent: extent, next: base, lastWrite: base}
}

// Restore 从 checkpoint 恢复，偏移越界时回到起点。
func (c *Cursor) Restore(cp Checkpoint) {
	c.gen = cp.Generation
	c.writeSerial = cp.WriteSerial
	c.syncSerial = cp.SyncSerial
	c.next = cp.Offset
	if c.next < c.base || c.next > c.base+c.extent {
		c.next = c.base
	}
	c.lastWrite = c.next
}

// Reserve 返回长度为 n 的下一段写入区域，需要回绕时先回到起点并递增 generation。
// 游标本身在 Commit 之前不前进，失败的写入不会消耗空间。
func (c *Cursor) Reserve(n uint64) (uint64, uint32, error) {
	if n > c.extent {
		return 0, 0, fmt.Errorf("region of %d bytes exceeds stripe extent %d", n, c.extent)
	}
	if c.next+n > c.base+c.extent {
		c.next = c.base
		c.gen++
	}
	return c.next, c.gen, nil
}

// Commit 在写入确认落盘后推进游标，serial 为该次刷盘片段携带的 write serial。
func (c *Cursor) Commit(n uint64, serial uint32) {
	c.lastWrite = c.next
	c.next += n
	c.writeSerial = serial
}

// ReserveRegion 组合 Reserve 与 Commit，返回（可能已回绕的）偏移。
func (c *Cursor) ReserveRegion(n uint64) (uint64, uint32, error) {
	off, gen, err := c.Reserve(n)
	if err != nil {
		return 0, 0, err
	}
	c.Commit(n, c.writeSerial+1)
	return off, gen, nil
}

// BumpSyncSerial 在持久化 checkpoint 前调用。
func (c *Cursor) BumpSyncSerial() uint32 {
	c.syncSerial++
	return c.syncSerial
}

// Checkpoint 同步返回当前真实状态。
func (c *Cursor) Checkpoint() Checkpoint {
	return Checkpoint{
		Offset:      c.next,
		Generation:  c.gen,
		WriteSerial: c.writeSerial,
		SyncSerial:  c.syncSerial,
	}
}

func (c *Cursor) Next() uint64 { return c.next }
func (c *Cursor) Generation() uint32 { return c.gen }
func (c *Cursor) WriteSerial() uint32 { return c.writeSerial }
func (c *Cursor) SyncSerial() uint32 { return c.syncSerial }
func (c *Cursor) LastWrite() uint64 { return c.lastWrite }
func (c *Cursor) Base() uint64 { return c.base }
func (c *Cursor) Extent() uint64 { return c.extent }
