package fragment

import (
	"errors"
	"fmt"
)

// CorruptReason 说明片段校验失败的原因。
type CorruptReason string

const (
	ReasonBadMagic           CorruptReason = "bad_magic"
	ReasonBadChecksum        CorruptReason = "bad_checksum"
	ReasonUnsupportedVersion CorruptReason = "unsupported_version"
	ReasonTruncated          CorruptReason = "truncated"
)

// ErrCorrupt 可配合 errors.Is 判断任意 *CorruptError。
var ErrCorrupt = errors.New("fragment corrupt")

// CorruptError 仅由读取/解码路径产生，损坏片段一律按未命中处理。
type CorruptError struct {
	Reason CorruptReason
	Detail string
}

func (e *CorruptError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("fragment corrupt: %s", e.Reason)
	}
	return fmt.Sprintf("fragment corrupt: %s: %s", e.Reason, e.Detail)
}

// Is 让 errors.Is(err, ErrCorrupt) 对所有原因成立。
func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}

func corrupt(reason CorruptReason, format string, args ...interface{}) error {
	return &CorruptError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// SizeError 表示目标区域放不下编码结果。
type SizeError struct {
	Need int
	Have int
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("fragment needs %d bytes, only %d available", e.Need, e.Have)
}
