// Package volume 把一个卷文件切分为若干 stripe，按 key 路由写入，并负责周期性 checkpoint。
package volume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/fragment"
	"github.com/stripecache/stripecache/internal/logging"
	"github.com/stripecache/stripecache/internal/storage"
	"github.com/stripecache/stripecache/internal/stripe"
)

// ErrMiss 表示片段不可用（已被覆盖或校验失败），调用方按未命中处理。
var ErrMiss = errors.New("fragment not available")

// Options 控制卷的切分与各 stripe 的聚合参数。
type Options struct {
	Stripes            int
	BlockSize          int
	AggSize            int
	HighWaterMark      int
	// SyncInterval 为 0 时使用 stripe.DefaultSyncInterval。
	SyncInterval       time.Duration
	CheckpointInterval time.Duration
	// MaxWriteBacklog 为单个 stripe 的积压上限。
	MaxWriteBacklog int
	ErrorThreshold  int
	EnableChecksum  bool
	SyncWrites      bool
	Logger          *logrus.Logger
}

// Ref 定位卷内的一个片段。
type Ref struct {
	Stripe int `json:"stripe"`
	fragment.Location
}

// StripeStatus 组合计数、几何与健康信息，供诊断接口输出。
type StripeStatus struct {
	stripe.Stats
	Base   uint64       `json:"base"`
	Extent uint64       `json:"extent"`
	Health StripeHealth `json:"health"`
}

// Volume 持有底层设备与全部 stripe 调度器。
type Volume struct {
	dev     storage.Device
	stripes []*stripe.Scheduler
	health  *Health
	log     *logrus.Entry

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// OpenFile 打开卷文件并初始化所有 stripe。
func OpenFile(path string, size int64, direct bool, opts Options) (*Volume, error) {
	dev, err := storage.OpenFile(path, storage.OpenOptions{Size: size, DirectIO: direct})
	if err != nil {
		return nil, err
	}
	v, err := New(dev, opts)
	if err != nil {
		dev.Close()
		return nil, err
	}
	v.log.WithFields(logrus.Fields{
		"path":    path,
		"size":    size,
		"direct":  dev.Direct(),
		"stripes": len(v.stripes),
	}).Info("cache volume opened")
	return v, nil
}

// New 在已打开的设备上初始化卷。
func New(dev storage.Device, opts Options) (*Volume, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	geos, err := Layout(dev.Size(), opts.Stripes, opts.AggSize, opts.BlockSize)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		dev:    dev,
		health: newHealth(len(geos)),
		log:    logger.WithField("component", "volume"),
		stop:   make(chan struct{}),
	}
	for i, geo := range geos {
		s, rec, err := stripe.Open(dev, geo, stripe.Options{
			ID:              i,
			AggSize:         opts.AggSize,
			BlockSize:       opts.BlockSize,
			HighWaterMark:   opts.HighWaterMark,
			SyncInterval:    opts.SyncInterval,
			MaxBacklog:      opts.MaxWriteBacklog,
			ErrorThreshold:  opts.ErrorThreshold,
			DisableChecksum: !opts.EnableChecksum,
			SyncWrites:      opts.SyncWrites,
			Logger:          logger.WithFields(logging.StripeFields(i, geo.Base, geo.Extent)),
			Health:          v.health,
		})
		if err != nil {
			v.closeStripes(context.Background())
			return nil, fmt.Errorf("open stripe %d: %w", i, err)
		}
		v.stripes = append(v.stripes, s)
		v.log.WithFields(logging.StripeFields(i, geo.Base, geo.Extent)).WithFields(logrus.Fields{
			"fresh":     rec.Fresh,
			"recovered": rec.Regions,
			"offset":    s.Stats().Offset,
		}).Debug("stripe ready")
	}

	if opts.CheckpointInterval > 0 {
		v.wg.Add(1)
		go v.checkpointLoop(opts.CheckpointInterval)
	}
	return v, nil
}

// Layout 把 size 字节的卷平均切分为 n 个 stripe，每个 stripe 以 4 KiB 对齐。
func Layout(size int64, n, aggSize, block int) ([]stripe.Geometry, error) {
	if n <= 0 {
		return nil, fmt.Errorf("stripe count must be positive, got %d", n)
	}
	if block <= 0 || block > stripe.HeaderSize || stripe.HeaderSize%block != 0 {
		return nil, fmt.Errorf("block size %d must divide %d", block, stripe.HeaderSize)
	}
	span := uint64(size) / uint64(n)
	span -= span % stripe.HeaderSize
	if span <= stripe.HeaderSize {
		return nil, fmt.Errorf("volume of %d bytes too small for %d stripes", size, n)
	}
	extent := span - stripe.HeaderSize
	extent -= extent % uint64(block)
	if extent < uint64(aggSize) {
		return nil, fmt.Errorf("stripe extent %d smaller than aggregation size %d", extent, aggSize)
	}
	geos := make([]stripe.Geometry, n)
	for i := range geos {
		geos[i] = stripe.Geometry{Base: uint64(i) * span, Extent: extent}
	}
	return geos, nil
}

// StripeFor 返回 key 所属的 stripe。
func (v *Volume) StripeFor(key fragment.Key) int {
	return int(key.Slice32(0) % uint32(len(v.stripes)))
}

// route 按对象首片段 key 选择 stripe，同一对象的所有片段落在同一个 stripe。
func (v *Volume) route(req *stripe.Request) int {
	if !req.FirstKey.IsZero() {
		return v.StripeFor(req.FirstKey)
	}
	return v.StripeFor(req.Key)
}

// Stripes 返回 stripe 数量。
func (v *Volume) Stripes() int {
	return len(v.stripes)
}

// Submit 把写入路由到对象所属的 stripe。
func (v *Volume) Submit(ctx context.Context, req stripe.Request) (int, <-chan stripe.Completion, error) {
	idx := v.route(&req)
	ch, err := v.stripes[idx].Submit(ctx, req)
	return idx, ch, err
}

// Write 提交并等待写入完成。
func (v *Volume) Write(ctx context.Context, req stripe.Request) (Ref, error) {
	idx := v.route(&req)
	c, err := v.stripes[idx].Write(ctx, req)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Stripe: idx, Location: c.Location}, nil
}

// ReadFragment 读取 ref 处的片段并校验 key。损坏或已被覆盖的片段记录日志后返回 ErrMiss。
func (v *Volume) ReadFragment(ref Ref, key fragment.Key) (*fragment.Record, error) {
	if ref.Stripe < 0 || ref.Stripe >= len(v.stripes) {
		return nil, fmt.Errorf("%w: stripe %d out of range", ErrMiss, ref.Stripe)
	}
	rec, err := v.stripes[ref.Stripe].Read(ref.Location)
	if err != nil {
		if errors.Is(err, fragment.ErrCorrupt) {
			v.log.WithError(err).WithFields(logrus.Fields{
				"stripe":   ref.Stripe,
				"location": ref.Location.String(),
				"key":      key.String(),
			}).Warn("fragment unreadable, treating as miss")
			return nil, fmt.Errorf("%w: %v", ErrMiss, err)
		}
		return nil, err
	}
	if rec.Key != key {
		return nil, fmt.Errorf("%w: key mismatch at %s", ErrMiss, ref.Location)
	}
	return rec, nil
}

// ScanFunc 接收扫描到的片段，rec 的内存在回调返回后被复用。
type ScanFunc func(rec *fragment.Record, ref Ref) error

// Scan 依次扫描每个 stripe，单个 stripe 内按从旧到新的顺序回调。
func (v *Volume) Scan(ctx context.Context, fn ScanFunc) error {
	for i, s := range v.stripes {
		if !v.health.Online(i) {
			continue
		}
		err := s.Scan(ctx, func(rec *fragment.Record, loc fragment.Location) error {
			return fn(rec, Ref{Stripe: i, Location: loc})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Sync 等待所有 stripe 已提交的写入落盘。
func (v *Volume) Sync(ctx context.Context) error {
	var errs []error
	for i, s := range v.stripes {
		if err := s.Sync(ctx); err != nil && !errors.Is(err, stripe.ErrOffline) {
			errs = append(errs, fmt.Errorf("stripe %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Checkpoint 持久化所有在线 stripe 的写游标。
func (v *Volume) Checkpoint(ctx context.Context) error {
	var errs []error
	for i, s := range v.stripes {
		if !v.health.Online(i) {
			continue
		}
		if _, err := s.PersistCheckpoint(ctx); err != nil && !errors.Is(err, stripe.ErrClosed) {
			errs = append(errs, fmt.Errorf("stripe %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (v *Volume) checkpointLoop(interval time.Duration) {
	defer v.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-v.stop:
			return
		case <-t.C:
			if err := v.Checkpoint(context.Background()); err != nil {
				v.log.WithError(err).Warn("periodic checkpoint failed")
			}
		}
	}
}

// Stats 返回每个 stripe 的状态。
func (v *Volume) Stats() []StripeStatus {
	health := v.health.Snapshot()
	out := make([]StripeStatus, len(v.stripes))
	for i, s := range v.stripes {
		geo := s.Geometry()
		out[i] = StripeStatus{
			Stats:  s.Stats(),
			Base:   geo.Base,
			Extent: geo.Extent,
			Health: health[i],
		}
	}
	return out
}

// Health 返回健康跟踪器。
func (v *Volume) Health() *Health {
	return v.health
}

// Close 停止 checkpoint 循环，刷出并关闭所有 stripe，最后关闭设备。
func (v *Volume) Close(ctx context.Context) error {
	v.closeOnce.Do(func() {
		close(v.stop)
		v.wg.Wait()
		err := v.closeStripes(ctx)
		v.closeErr = errors.Join(err, v.dev.Close())
	})
	return v.closeErr
}

func (v *Volume) closeStripes(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for i, s := range v.stripes {
		wg.Add(1)
		go func(i int, s *stripe.Scheduler) {
			defer wg.Done()
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close stripe %d: %w", i, err))
				mu.Unlock()
			}
		}(i, s)
	}
	wg.Wait()
	return errors.Join(errs...)
}
