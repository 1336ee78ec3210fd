package stripe

import (
	"errors"
	"fmt"
)

var (
	// ErrOversize 表示单个片段超过聚合缓冲区容量，提交时同步拒绝。
	ErrOversize = errors.New("fragment exceeds aggregation buffer")
	// ErrBacklog 表示排队与缓冲中的字节已超过积压上限，本次写入跳过缓存。
	ErrBacklog = errors.New("aggregation write backlog exceeded")
	// ErrOffline 表示 stripe 因连续写盘失败已下线。
	ErrOffline = errors.New("stripe offline")
	// ErrClosed 表示 stripe 已关闭。
	ErrClosed = errors.New("stripe closed")
)

// IOError 描述一次聚合刷盘失败，批次内所有写入方都会收到同一个错误。
type IOError struct {
	Stripe int
	Offset uint64
	Size   int
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("stripe %d: write %d bytes at %d: %v", e.Stripe, e.Size, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
