package stripe

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// HeaderSize 是每个 stripe 数据区之前预留的 checkpoint 区域。
	HeaderSize = 4096

	headerMagic   uint32 = 0xF1D0F00D
	headerVersion uint32 = 2
	headerLen            = 64
)

var errNoHeader = errors.New("stripe header missing or invalid")

// header 是持久化在 stripe 头部的 checkpoint，附带几何信息用于识别配置变更，
// Salt 为 stripe 初始化时生成的随机值，参与该 stripe 所有片段的校验和。
type header struct {
	Checkpoint
	Base   uint64
	Extent uint64
	Salt   uint64
}

func encodeHeader(dst []byte, h header) {
	le := binary.LittleEndian
	clear(dst[:headerLen])
	le.PutUint32(dst[0:], headerMagic)
	le.PutUint32(dst[4:], headerVersion)
	le.PutUint64(dst[8:], h.Offset)
	le.PutUint32(dst[16:], h.Generation)
	le.PutUint32(dst[20:], h.WriteSerial)
	le.PutUint32(dst[24:], h.SyncSerial)
	le.PutUint64(dst[32:], h.Base)
	le.PutUint64(dst[40:], h.Extent)
	le.PutUint64(dst[48:], h.Salt)
	le.PutUint64(dst[56:], xxhash.Sum64(dst[:56]))
}

func decodeHeader(src []byte) (header, error) {
	if len(src) < headerLen {
		return header{}, errNoHeader
	}
	le := binary.LittleEndian
	if le.Uint32(src[0:]) != headerMagic {
		return header{}, errNoHeader
	}
	if v := le.Uint32(src[4:]); v != headerVersion {
		return header{}, fmt.Errorf("%w: version %d", errNoHeader, v)
	}
	if sum := le.Uint64(src[56:]); sum != xxhash.Sum64(src[:56]) {
		return header{}, fmt.Errorf("%w: checksum mismatch", errNoHeader)
	}
	return header{
		Checkpoint: Checkpoint{
			Offset:      le.Uint64(src[8:]),
			Generation:  le.Uint32(src[16:]),
			WriteSerial: le.Uint32(src[20:]),
			SyncSerial:  le.Uint32(src[24:]),
		},
		Base:   le.Uint64(src[32:]),
		Extent: le.Uint64(src[40:]),
		Salt:   le.Uint64(src[48:]),
	}, nil
}

// newSalt 生成非零的随机 salt。
func newSalt() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("generate stripe salt: %w", err)
		}
		if v := binary.LittleEndian.Uint64(b[:]); v != 0 {
			return v, nil
		}
	}
}
