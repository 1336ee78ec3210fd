package stripe

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/stripecache/stripecache/internal/fragment"
)

// ScanFunc 接收扫描到的每个有效片段。rec 引用扫描缓冲区，需要保留时由调用方复制。
type ScanFunc func(rec *fragment.Record, loc fragment.Location) error

// Scan 按从旧到新的顺序遍历 stripe 数据区中仍可解码的片段：
// 先是上一代剩余的 [next, end)，再是本代的 [base, next)。
// 同一 key 出现多次时，WriteSerial 更大的为新数据；
// WriteSerial 新于游标的片段不可能由本 stripe 写出，直接忽略。
func (s *Scheduler) Scan(ctx context.Context, fn ScanFunc) error {
	cp, err := s.Checkpoint(ctx)
	if err != nil {
		return err
	}
	base := s.geo.DataBase()
	end := base + s.geo.Extent
	if cp.Generation > 0 {
		if err := s.scanSegment(ctx, cp.Offset, end, cp.Generation-1, cp.WriteSerial, fn); err != nil {
			return err
		}
	}
	return s.scanSegment(ctx, base, cp.Offset, cp.Generation, cp.WriteSerial, fn)
}

func (s *Scheduler) scanSegment(ctx context.Context, from, to uint64, gen, newest uint32, fn ScanFunc) error {
	buf := make([]byte, s.opts.AggSize)
	block := uint64(s.opts.BlockSize)
	for pos := from; pos < to; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := uint64(len(buf))
		if pos+n > to {
			n = to - pos
		}
		region := buf[:n]
		if _, err := s.dev.ReadAt(region, int64(pos)); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("scan stripe %d at %d: %w", s.opts.ID, pos, err)
		}
		sc := fragment.NewSaltedScanner(region, s.salt)
		for sc.Next() {
			rec := sc.Record()
			if serialAfter(rec.WriteSerial, newest) {
				continue
			}
			loc := fragment.Location{Offset: pos + uint64(sc.Offset()), Length: rec.Len, Generation: gen}
			if err := fn(rec, loc); err != nil {
				return err
			}
		}
		consumed := uint64(sc.Consumed())
		if consumed == 0 {
			// 零填充、旧数据残片或损坏片段，按块跳过
			pos += block
			continue
		}
		pos += uint64(roundUp(int(consumed), int(block)))
	}
	return nil
}

// Read 读取并校验 loc 处的片段。位置已被后续写入覆盖时返回 fragment.ErrCorrupt。
func (s *Scheduler) Read(loc fragment.Location) (*fragment.Record, error) {
	base := s.geo.DataBase()
	if loc.Offset < base || loc.End() > base+s.geo.Extent || loc.Length < fragment.HeaderSize {
		return nil, fmt.Errorf("%w: location %s outside stripe %d", fragment.ErrCorrupt, loc, s.opts.ID)
	}
	if s.overwritten(loc) {
		return nil, fmt.Errorf("%w: location %s overwritten", fragment.ErrCorrupt, loc)
	}
	buf := make([]byte, loc.Length)
	if _, err := s.dev.ReadAt(buf, int64(loc.Offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read stripe %d at %d: %w", s.opts.ID, loc.Offset, err)
	}
	return fragment.DecodeSalted(buf, s.salt)
}

// overwritten 根据写游标的位置粗略判断 loc 是否已被覆盖，正在写入的下一段区域也视为覆盖。
func (s *Scheduler) overwritten(loc fragment.Location) bool {
	gen := s.stats.generation.Load()
	next := s.stats.offset.Load()
	switch {
	case loc.Generation == gen:
		return false
	case loc.Generation+1 == gen:
		return loc.Offset < next+uint64(s.opts.AggSize)
	default:
		return true
	}
}
