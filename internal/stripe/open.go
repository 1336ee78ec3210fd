package stripe

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/fragment"
	"github.com/stripecache/stripecache/internal/storage"
)

// Recovery 描述打开 stripe 时的恢复结果。
type Recovery struct {
	// Fresh 表示头部缺失或几何信息不一致，stripe 被重新初始化。
	Fresh      bool
	Checkpoint Checkpoint
	// Regions/Bytes 为从 checkpoint 向后前滚恢复的刷盘区域。
	Regions int
	Bytes   uint64
}

// Open 读取 stripe 头部、前滚恢复写游标并启动调度协程。
func Open(dev storage.Device, geo Geometry, opts Options) (*Scheduler, Recovery, error) {
	if geo.Base%HeaderSize != 0 {
		return nil, Recovery{}, fmt.Errorf("stripe %d: base %d not aligned to %d", opts.ID, geo.Base, HeaderSize)
	}
	if end := geo.DataBase() + geo.Extent; end > uint64(dev.Size()) {
		return nil, Recovery{}, fmt.Errorf("stripe %d: ends at %d beyond device size %d", opts.ID, end, dev.Size())
	}

	cursor := NewCursor(geo.DataBase(), geo.Extent)
	s, err := newScheduler(dev, geo, cursor, opts)
	if err != nil {
		return nil, Recovery{}, err
	}

	var rec Recovery
	h, err := readHeader(dev, geo.Base)
	switch {
	case err != nil:
		rec.Fresh = true
		s.log.WithError(err).Info("initialize stripe")
	case h.Base != geo.DataBase() || h.Extent != geo.Extent:
		rec.Fresh = true
		s.log.WithFields(logrus.Fields{
			"old_base":   h.Base,
			"old_extent": h.Extent,
		}).Warn("stripe geometry changed, reinitializing")
	default:
		s.salt = h.Salt
		cursor.Restore(h.Checkpoint)
		rec.Checkpoint = cursor.Checkpoint()
		before := cursor.Next()
		rec.Regions, rec.Bytes = rollForward(dev, cursor, s.opts.AggSize, s.opts.BlockSize, s.salt)
		if rec.Regions > 0 {
			s.log.WithFields(logrus.Fields{
				"regions": rec.Regions,
				"bytes":   rec.Bytes,
				"from":    before,
				"to":      cursor.Next(),
			}).Info("stripe rolled forward past checkpoint")
		}
	}

	if rec.Fresh {
		// 新 salt 使此前写入的片段全部失效
		if s.salt, err = newSalt(); err != nil {
			return nil, rec, err
		}
	}
	s.enc.Salt = s.salt
	s.serial = cursor.WriteSerial()
	s.cur.serial = s.nextSerial()
	if _, err := s.persist(); err != nil {
		return nil, rec, err
	}
	s.updateGauges()
	s.start()
	return s, rec, nil
}

func readHeader(dev storage.Device, off uint64) (header, error) {
	buf := make([]byte, headerLen)
	if _, err := dev.ReadAt(buf, int64(off)); err != nil && !errors.Is(err, io.EOF) {
		return header{}, fmt.Errorf("read stripe header: %w", err)
	}
	return decodeHeader(buf)
}

// rollForward 从 checkpoint 位置向后逐个识别 checkpoint 之后已落盘的刷盘区域。
// 一个区域内的片段携带相同的 write serial，且必须新于上一个区域。
func rollForward(dev storage.Device, cursor *Cursor, aggSize, block int, salt uint64) (int, uint64) {
	buf := make([]byte, aggSize)
	base, limit := cursor.Base(), cursor.Base()+cursor.Extent()
	regions := 0
	var total uint64
	for {
		n, serial, ok := inspectRegion(dev, cursor.Next(), limit, buf, block, salt, cursor.WriteSerial())
		if !ok {
			if cursor.Next() == base {
				break
			}
			// 写入方在区域放不下时会回绕到起点
			n, serial, ok = inspectRegion(dev, base, limit, buf, block, salt, cursor.WriteSerial())
			if !ok || cursor.Next()+n <= limit {
				break
			}
		}
		if _, _, err := cursor.Reserve(n); err != nil {
			break
		}
		cursor.Commit(n, serial)
		regions++
		total += n
	}
	return regions, total
}

// inspectRegion 识别 pos 处的一个刷盘区域，返回按块对齐后的长度与其 write serial。
func inspectRegion(dev storage.Device, pos, limit uint64, buf []byte, block int, salt uint64, last uint32) (uint64, uint32, bool) {
	if pos >= limit {
		return 0, 0, false
	}
	n := uint64(len(buf))
	if pos+n > limit {
		n = limit - pos
	}
	region := buf[:n]
	if _, err := dev.ReadAt(region, int64(pos)); err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, false
	}
	sc := fragment.NewSaltedScanner(region, salt)
	var serial uint32
	end := 0
	for sc.Next() {
		rec := sc.Record()
		if end == 0 {
			if !serialAfter(rec.WriteSerial, last) {
				return 0, 0, false
			}
			serial = rec.WriteSerial
		} else if rec.WriteSerial != serial {
			break
		}
		end = sc.Consumed()
	}
	if end == 0 {
		return 0, 0, false
	}
	padded := uint64(roundUp(end, block))
	if pos+padded > limit {
		padded = limit - pos
	}
	return padded, serial, true
}

// serialAfter 按回绕安全的方式比较两个 serial。
func serialAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

func roundUp(n, block int) int {
	if r := n % block; r != 0 {
		return n + block - r
	}
	return n
}
