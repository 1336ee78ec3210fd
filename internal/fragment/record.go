// Package fragment 定义写入磁盘的自描述片段格式（固定头 + 扩展头 + 正文），
// 所有多字节字段均按小端序逐字段编码，不依赖宿主机的结构体布局。
package fragment

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// Magic 标记一个有效片段的起始位置。
	Magic uint32 = 0x5F129B13
	// NoChecksum 表示写入时未计算校验和，读取时跳过校验。带 salt 时实际写入 NoChecksum^salt。
	NoChecksum uint64 = 0xA0B0C0D0A0B0C0D0

	// VersionMajor/VersionMinor 为当前格式版本，读取方只接受相同主版本。
	VersionMajor uint8 = 24
	VersionMinor uint8 = 2

	// HeaderSize 为固定头长度。
	HeaderSize = 80
)

// 固定头各字段偏移。
const (
	offMagic        = 0
	offLen          = 4
	offTotalLen     = 8
	offFirstKey     = 16
	offKey          = 32
	offExtraLen     = 48
	offDocType      = 52
	offVersionMajor = 53
	offVersionMinor = 54
	offFlags        = 55
	offSyncSerial   = 56
	offWriteSerial  = 60
	offPinnedUntil  = 64
	offChecksum     = 72
)

// DocType 区分片段内容。
type DocType uint8

const (
	// TypeHTTP 为缓存响应的正文片段。
	TypeHTTP DocType = 1
	// TypeSync 为不含数据的同步标记片段。
	TypeSync DocType = 2
	// TypeTombstone 标记对象已被删除，重建索引时覆盖更早的片段。
	TypeTombstone DocType = 3
)

const flagPinned uint8 = 1 << 0

// Key 是 128 位强哈希，用于标识逻辑对象及其片段。
type Key [16]byte

// IsZero 报告 key 是否为全零。
func (k Key) IsZero() bool {
	return k == Key{}
}

// Slice32 返回第 i 个 32 位分片，用于选择 stripe 等路由场景。
func (k Key) Slice32(i int) uint32 {
	return binary.LittleEndian.Uint32(k[i*4 : i*4+4])
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Record 是一个片段在内存中的表示。
type Record struct {
	FirstKey     Key
	Key          Key
	TotalLen     uint64
	DocType      DocType
	VersionMajor uint8
	VersionMinor uint8
	SyncSerial   uint32
	WriteSerial  uint32
	PinnedUntil  time.Time
	Checksum     uint64
	ExtraHeader  []byte
	Payload      []byte

	// Len 为片段在磁盘上的总长度，由 Encode/Decode 填充。
	Len uint32
}

// Pinned 报告片段是否带有保留期限。
func (r *Record) Pinned() bool {
	return !r.PinnedUntil.IsZero()
}

// EncodedLen 返回 header + extra + payload 的总长度。
func EncodedLen(extraLen, payloadLen int) int {
	return HeaderSize + extraLen + payloadLen
}

// EncodeOptions 控制编码时的可选行为。
type EncodeOptions struct {
	// DisableChecksum 写入 NoChecksum 哨兵值而不计算校验和。
	DisableChecksum bool
	// Salt 参与校验和计算，使片段只能被持有同一 salt 的 stripe 识别。
	// 缓存正文中即使嵌入了格式正确的片段，也无法通过其他 salt 的校验。
	Salt uint64
}

// EncodeInto 将 rec 序列化到 dst 开头，返回写入的字节数。dst 容量不足时返回 *SizeError。
func EncodeInto(dst []byte, rec *Record, opts EncodeOptions) (int, error) {
	n := EncodedLen(len(rec.ExtraHeader), len(rec.Payload))
	if n > len(dst) {
		return 0, &SizeError{Need: n, Have: len(dst)}
	}
	if uint64(n) > uint64(^uint32(0)) {
		return 0, &SizeError{Need: n, Have: int(^uint32(0))}
	}

	major, minor := rec.VersionMajor, rec.VersionMinor
	if major == 0 {
		major, minor = VersionMajor, VersionMinor
	}
	docType := rec.DocType
	if docType == 0 {
		docType = TypeHTTP
	}

	h := dst[:HeaderSize]
	le := binary.LittleEndian
	le.PutUint32(h[offMagic:], Magic)
	le.PutUint32(h[offLen:], uint32(n))
	le.PutUint64(h[offTotalLen:], rec.TotalLen)
	copy(h[offFirstKey:offKey], rec.FirstKey[:])
	copy(h[offKey:offExtraLen], rec.Key[:])
	le.PutUint32(h[offExtraLen:], uint32(len(rec.ExtraHeader)))
	h[offDocType] = byte(docType)
	h[offVersionMajor] = major
	h[offVersionMinor] = minor
	var flags uint8
	var pinned int64
	if rec.Pinned() {
		flags |= flagPinned
		pinned = rec.PinnedUntil.Unix()
	}
	h[offFlags] = flags
	le.PutUint32(h[offSyncSerial:], rec.SyncSerial)
	le.PutUint32(h[offWriteSerial:], rec.WriteSerial)
	le.PutUint64(h[offPinnedUntil:], uint64(pinned))
	le.PutUint64(h[offChecksum:], 0)

	copy(dst[HeaderSize:], rec.ExtraHeader)
	copy(dst[HeaderSize+len(rec.ExtraHeader):n], rec.Payload)

	sum := noChecksum(opts.Salt)
	if !opts.DisableChecksum {
		sum = checksum(opts.Salt, dst[:n])
	}
	le.PutUint64(h[offChecksum:], sum)

	rec.Len = uint32(n)
	rec.Checksum = sum
	rec.VersionMajor, rec.VersionMinor, rec.DocType = major, minor, docType
	return n, nil
}

// Encode 分配恰好大小的缓冲区并编码 rec。
func Encode(rec *Record, opts EncodeOptions) ([]byte, error) {
	buf := make([]byte, EncodedLen(len(rec.ExtraHeader), len(rec.Payload)))
	if _, err := EncodeInto(buf, rec, opts); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode 校验并解析 b 开头的一个未加 salt 的片段。
func Decode(b []byte) (*Record, error) {
	return DecodeSalted(b, 0)
}

// DecodeSalted 校验并解析 b 开头的一个片段。b 可以比片段更长，多余部分被忽略；
// 返回的 Record 中 ExtraHeader/Payload 引用 b 的内存。
func DecodeSalted(b []byte, salt uint64) (*Record, error) {
	if len(b) < HeaderSize {
		if len(b) >= 4 && binary.LittleEndian.Uint32(b) != Magic {
			return nil, corrupt(ReasonBadMagic, "magic mismatch")
		}
		return nil, corrupt(ReasonTruncated, "header needs %d bytes, have %d", HeaderSize, len(b))
	}
	le := binary.LittleEndian
	if magic := le.Uint32(b[offMagic:]); magic != Magic {
		return nil, corrupt(ReasonBadMagic, "magic %#x", magic)
	}
	if major := b[offVersionMajor]; major != VersionMajor {
		return nil, corrupt(ReasonUnsupportedVersion, "major version %d", major)
	}

	n := le.Uint32(b[offLen:])
	extraLen := le.Uint32(b[offExtraLen:])
	if n < HeaderSize || uint64(extraLen) > uint64(n-HeaderSize) {
		return nil, corrupt(ReasonTruncated, "length %d inconsistent with extra header %d", n, extraLen)
	}
	if uint64(n) > uint64(len(b)) {
		return nil, corrupt(ReasonTruncated, "record needs %d bytes, have %d", n, len(b))
	}

	sum := le.Uint64(b[offChecksum:])
	if sum != noChecksum(salt) {
		var scratch [8 + HeaderSize]byte
		le.PutUint64(scratch[:8], salt)
		copy(scratch[8:], b[:HeaderSize])
		le.PutUint64(scratch[8+offChecksum:], 0)
		d := xxhash.New()
		_, _ = d.Write(scratch[:])
		_, _ = d.Write(b[HeaderSize:n])
		if got := fixSentinel(d.Sum64(), salt); got != sum {
			return nil, corrupt(ReasonBadChecksum, "checksum %#x, computed %#x", sum, got)
		}
	}

	rec := &Record{
		Len:          n,
		TotalLen:     le.Uint64(b[offTotalLen:]),
		DocType:      DocType(b[offDocType]),
		VersionMajor: b[offVersionMajor],
		VersionMinor: b[offVersionMinor],
		SyncSerial:   le.Uint32(b[offSyncSerial:]),
		WriteSerial:  le.Uint32(b[offWriteSerial:]),
		Checksum:     sum,
		ExtraHeader:  b[HeaderSize : HeaderSize+extraLen : HeaderSize+extraLen],
		Payload:      b[HeaderSize+extraLen : n : n],
	}
	copy(rec.FirstKey[:], b[offFirstKey:offKey])
	copy(rec.Key[:], b[offKey:offExtraLen])
	if b[offFlags]&flagPinned != 0 {
		rec.PinnedUntil = time.Unix(int64(le.Uint64(b[offPinnedUntil:])), 0).UTC()
	}
	return rec, nil
}

// PeekLen 在不做完整校验的情况下读取片段长度，magic 不匹配时返回 false。
func PeekLen(b []byte) (uint32, bool) {
	if len(b) < HeaderSize || binary.LittleEndian.Uint32(b[offMagic:]) != Magic {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b[offLen:]), true
}

// checksum 计算 salt || b 的 xxhash，b 中的校验和字段须已清零。
func checksum(salt uint64, b []byte) uint64 {
	var prefix [8]byte
	binary.LittleEndian.PutUint64(prefix[:], salt)
	d := xxhash.New()
	_, _ = d.Write(prefix[:])
	_, _ = d.Write(b)
	return fixSentinel(d.Sum64(), salt)
}

func noChecksum(salt uint64) uint64 {
	return NoChecksum ^ salt
}

// fixSentinel 避免真实校验和与未校验哨兵冲突。
func fixSentinel(sum, salt uint64) uint64 {
	if sum == noChecksum(salt) {
		return sum ^ 1
	}
	return sum
}
