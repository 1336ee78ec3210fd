// Package stripe 实现单个 stripe 的写聚合：片段先编码进内存中的聚合缓冲区，
// 攒够一批后以一次顺序大块写落盘，再按序通知每个写入方其磁盘位置。
package stripe

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/fragment"
)

// Geometry 描述 stripe 在卷内的位置：[Base, Base+HeaderSize) 存放 checkpoint，
// 之后 Extent 字节为数据区。
type Geometry struct {
	Base   uint64
	Extent uint64
}

// DataBase 返回数据区起点。
func (g Geometry) DataBase() uint64 {
	return g.Base + HeaderSize
}

// Span 返回 stripe 占用的总字节数。
func Span(extent uint64) uint64 {
	return HeaderSize + extent
}

// DefaultSyncInterval 为未配置 SyncInterval 时的定时刷盘周期。
const DefaultSyncInterval = 250 * time.Millisecond

// HealthReporter 接收刷盘结果，由卷级健康跟踪实现。
type HealthReporter interface {
	FlushSucceeded(stripe int)
	FlushFailed(stripe int, err error, consecutive int)
	StripeOffline(stripe int, err error)
}

// Options 控制聚合调度行为。
type Options struct {
	ID        int
	AggSize   int
	BlockSize int
	// HighWaterMark 为 0 时取 AggSize/2。
	HighWaterMark int
	// SyncInterval 为固定周期的定时器，触发时缓冲区非空即刷盘，与缓冲区空闲多久无关。
	// 0 取 DefaultSyncInterval；负数关闭定时器，未达到水位的写入只能等 Sync 或 Close 刷出。
	SyncInterval time.Duration
	// MaxBacklog 为 0 表示不限制。
	MaxBacklog int
	// ErrorThreshold 为连续刷盘失败多少次后下线，0 表示永不下线。
	ErrorThreshold  int
	DisableChecksum bool
	// SyncWrites 为 true 时每次刷盘后调用 Device.Sync。
	SyncWrites bool
	QueueDepth int

	Logger *logrus.Entry
	Health HealthReporter
}

func (o *Options) normalize(extent uint64) error {
	if o.BlockSize <= 0 {
		return fmt.Errorf("stripe %d: block size must be positive", o.ID)
	}
	if o.AggSize < fragment.HeaderSize || o.AggSize%o.BlockSize != 0 {
		return fmt.Errorf("stripe %d: aggregation size %d must be a multiple of block size %d", o.ID, o.AggSize, o.BlockSize)
	}
	if extent < uint64(o.AggSize) {
		return fmt.Errorf("stripe %d: extent %d smaller than aggregation size %d", o.ID, extent, o.AggSize)
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = o.AggSize / 2
	}
	if o.HighWaterMark > o.AggSize {
		o.HighWaterMark = o.AggSize
	}
	if o.SyncInterval == 0 {
		o.SyncInterval = DefaultSyncInterval
	}
	if o.MaxBacklog < 0 {
		o.MaxBacklog = 0
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	o.Logger = o.Logger.WithField("stripe", o.ID)
	return nil
}

// Request 是一次片段写入请求。Payload 与 ExtraHeader 在 Submit 返回前被复制进缓冲区或保留引用，
// 调用方在收到完成通知前不得修改。
type Request struct {
	Key         fragment.Key
	FirstKey    fragment.Key
	TotalLen    uint64
	DocType     fragment.DocType
	ExtraHeader []byte
	Payload     []byte
	PinnedUntil time.Time
}

// EncodedLen 返回请求编码后的长度。
func (r *Request) EncodedLen() int {
	return fragment.EncodedLen(len(r.ExtraHeader), len(r.Payload))
}

// Completion 是写入方收到的唯一一次通知。
type Completion struct {
	Location fragment.Location
	Key      fragment.Key
	FirstKey fragment.Key
	Err      error
}
