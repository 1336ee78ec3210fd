package stripe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ncw/directio"
	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/aggbuf"
	"github.com/stripecache/stripecache/internal/fragment"
	"github.com/stripecache/stripecache/internal/pending"
	"github.com/stripecache/stripecache/internal/storage"
)

// Scheduler 是单个 stripe 的聚合调度器。所有可变状态由 run 协程独占，
// 外部只通过 channel 提交请求，因此 stripe 之间互不阻塞。
//
// 每个 stripe 持有两块聚合缓冲区：一块接收新写入，另一块正在落盘，
// 同一时刻最多只有一次写盘在进行。放不下的写入按到达顺序暂存，
// 等待下一块缓冲区可用。
type Scheduler struct {
	opts Options
	geo  Geometry
	dev  storage.Device
	log  *logrus.Entry
	enc  fragment.EncodeOptions
	// salt 在 Open 中确定后不再改变
	salt uint64

	mu     sync.RWMutex
	closed bool

	reqCh  chan *request
	ctlCh  chan control
	doneCh chan flushResult
	exited chan struct{}

	// 以下字段只由 run 协程访问
	cursor      *Cursor
	cur         *cycle
	other       *cycle
	held        []*request
	heldBytes   int
	inFlight    bool
	flushWanted bool
	serial      uint32
	nextID      uint64
	errs        int
	offline     bool
	hdr         []byte

	stats counters
}

// cycle 是一个聚合周期：一块缓冲区及其等待确认的写入方。
type cycle struct {
	buf    *aggbuf.Buffer
	queue  pending.Queue
	serial uint32
}

type request struct {
	ctx   context.Context
	req   Request
	size  int
	done  chan Completion
	stats *counters
	// barrier 非空表示同步屏障
	barrier chan error
}

func (r *request) notify(res pending.Result) {
	if r.barrier != nil {
		r.barrier <- res.Err
		return
	}
	if res.Err != nil {
		r.stats.failed.Add(1)
	} else {
		r.stats.completed.Add(1)
	}
	r.done <- Completion{Location: res.Location, Key: r.req.Key, FirstKey: r.req.FirstKey, Err: res.Err}
}

func (r *request) fail(err error) {
	r.notify(pending.Result{Err: err})
}

type flushResult struct {
	cycle  *cycle
	offset uint64
	gen    uint32
	size   int
	err    error
}

type ctlKind int

const (
	ctlCheckpoint ctlKind = iota
	ctlPersist
	ctlClose
)

type control struct {
	kind  ctlKind
	reply chan ctlReply
}

type ctlReply struct {
	cp  Checkpoint
	err error
}

func newScheduler(dev storage.Device, geo Geometry, cursor *Cursor, opts Options) (*Scheduler, error) {
	if err := opts.normalize(geo.Extent); err != nil {
		return nil, err
	}
	a, err := aggbuf.New(opts.AggSize, opts.BlockSize)
	if err != nil {
		return nil, err
	}
	b, err := aggbuf.New(opts.AggSize, opts.BlockSize)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		opts:   opts,
		geo:    geo,
		dev:    dev,
		log:    opts.Logger,
		enc:    fragment.EncodeOptions{DisableChecksum: opts.DisableChecksum},
		reqCh:  make(chan *request, opts.QueueDepth),
		ctlCh:  make(chan control),
		doneCh: make(chan flushResult, 1),
		exited: make(chan struct{}),
		cursor: cursor,
		cur:    &cycle{buf: a},
		other:  &cycle{buf: b},
		serial: cursor.WriteSerial(),
		hdr:    directio.AlignedBlock(HeaderSize),
	}
	s.cur.serial = s.nextSerial()
	s.stats.state.Store(int32(StateAccepting))
	s.updateGauges()
	return s, nil
}

func (s *Scheduler) start() {
	go s.run()
}

// ID 返回 stripe 序号。
func (s *Scheduler) ID() int {
	return s.opts.ID
}

// Geometry 返回 stripe 在卷内的位置。
func (s *Scheduler) Geometry() Geometry {
	return s.geo
}

// Submit 提交一次片段写入，返回只会收到一次结果的 channel。
// 超过聚合缓冲区容量的片段同步返回 ErrOversize。
// ctx 在完成前取消时数据仍可能落盘，但不会再收到通知。
func (s *Scheduler) Submit(ctx context.Context, req Request) (<-chan Completion, error) {
	size := req.EncodedLen()
	if size > s.opts.AggSize {
		s.stats.rejectedOversize.Add(1)
		return nil, fmt.Errorf("%w: %d bytes, buffer %d", ErrOversize, size, s.opts.AggSize)
	}
	if State(s.stats.state.Load()) == StateOffline {
		return nil, ErrOffline
	}
	r := &request{ctx: ctx, req: req, size: size, done: make(chan Completion, 1), stats: &s.stats}
	if err := s.send(ctx, r); err != nil {
		return nil, err
	}
	return r.done, nil
}

// Write 提交并等待完成。
func (s *Scheduler) Write(ctx context.Context, req Request) (Completion, error) {
	ch, err := s.Submit(ctx, req)
	if err != nil {
		return Completion{Key: req.Key, FirstKey: req.FirstKey, Err: err}, err
	}
	select {
	case c := <-ch:
		return c, c.Err
	case <-ctx.Done():
		return Completion{Key: req.Key, FirstKey: req.FirstKey, Err: ctx.Err()}, ctx.Err()
	}
}

// Sync 等待此前提交的所有写入落盘，缓冲区中未满的数据会被立即刷出。
func (s *Scheduler) Sync(ctx context.Context) error {
	r := &request{ctx: ctx, barrier: make(chan error, 1)}
	if err := s.send(ctx, r); err != nil {
		return err
	}
	select {
	case err := <-r.barrier:
		if err == nil && !s.opts.SyncWrites {
			err = s.dev.Sync()
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) send(ctx context.Context, r *request) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.reqCh <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Checkpoint 返回调度协程当前持有的真实游标状态。
func (s *Scheduler) Checkpoint(ctx context.Context) (Checkpoint, error) {
	return s.control(ctx, ctlCheckpoint)
}

// PersistCheckpoint 递增 sync serial 并把游标写入 stripe 头部。
func (s *Scheduler) PersistCheckpoint(ctx context.Context) (Checkpoint, error) {
	return s.control(ctx, ctlPersist)
}

func (s *Scheduler) control(ctx context.Context, kind ctlKind) (Checkpoint, error) {
	reply := make(chan ctlReply, 1)
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Checkpoint{}, ErrClosed
	}
	select {
	case s.ctlCh <- control{kind: kind, reply: reply}:
		s.mu.RUnlock()
	case <-ctx.Done():
		s.mu.RUnlock()
		return Checkpoint{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.cp, r.err
	case <-ctx.Done():
		return Checkpoint{}, ctx.Err()
	}
}

// Close 停止接收新写入，刷出缓冲区与暂存队列中的全部数据并持久化 checkpoint。
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		select {
		case <-s.exited:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.closed = true
	s.mu.Unlock()

	reply := make(chan ctlReply, 1)
	s.ctlCh <- control{kind: ctlClose, reply: reply}
	select {
	case r := <-reply:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回计数快照。
func (s *Scheduler) Stats() Stats {
	c := &s.stats
	return Stats{
		ID:               s.opts.ID,
		State:            State(c.state.Load()).String(),
		Accepted:         c.accepted.Load(),
		Completed:        c.completed.Load(),
		Failed:           c.failed.Load(),
		RejectedOversize: c.rejectedOversize.Load(),
		RejectedBacklog:  c.rejectedBacklog.Load(),
		Flushes:          c.flushes.Load(),
		FlushErrors:      c.flushErrors.Load(),
		BytesWritten:     c.bytesWritten.Load(),
		Wraps:            c.wraps.Load(),
		Checkpoints:      c.checkpoints.Load(),
		Backlog:          c.backlog.Load(),
		Held:             c.held.Load(),
		Offset:           c.offset.Load(),
		Generation:       c.generation.Load(),
	}
}

// State 返回当前状态。
func (s *Scheduler) State() State {
	return State(s.stats.state.Load())
}

func (s *Scheduler) run() {
	defer close(s.exited)

	var tick <-chan time.Time
	if s.opts.SyncInterval > 0 {
		t := time.NewTicker(s.opts.SyncInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case r := <-s.reqCh:
			s.accept(r)
		case res := <-s.doneCh:
			s.complete(res)
		case <-tick:
			if !s.cur.buf.IsEmpty() {
				s.requestFlush("interval")
			}
		case c := <-s.ctlCh:
			switch c.kind {
			case ctlCheckpoint:
				c.reply <- ctlReply{cp: s.cursor.Checkpoint()}
			case ctlPersist:
				cp, err := s.persist()
				c.reply <- ctlReply{cp: cp, err: err}
			case ctlClose:
				c.reply <- ctlReply{err: s.shutdown()}
				return
			}
		}
		s.updateGauges()
	}
}

func (s *Scheduler) accept(r *request) {
	if r.barrier != nil {
		if len(s.held) > 0 {
			s.hold(r)
			return
		}
		s.placeBarrier(r)
		return
	}
	if s.offline {
		r.fail(ErrOffline)
		return
	}
	if s.opts.MaxBacklog > 0 && s.backlog()+r.size > s.opts.MaxBacklog {
		s.stats.rejectedBacklog.Add(1)
		s.log.WithFields(logrus.Fields{
			"size":    r.size,
			"backlog": s.backlog(),
		}).Debug("write backlog exceeded, skipping cache")
		r.fail(ErrBacklog)
		return
	}
	s.stats.accepted.Add(1)
	if len(s.held) == 0 && s.append(r) {
		s.maybeFlush()
		return
	}
	s.hold(r)
	s.admitHeld()
}

// append 把请求编码进当前缓冲区，空间不足时返回 false。
func (s *Scheduler) append(r *request) bool {
	off, ok := s.cur.buf.TryReserve(r.size)
	if !ok {
		return false
	}
	rec := fragment.Record{
		FirstKey:    r.req.FirstKey,
		Key:         r.req.Key,
		TotalLen:    r.req.TotalLen,
		DocType:     r.req.DocType,
		SyncSerial:  s.cursor.SyncSerial(),
		WriteSerial: s.cur.serial,
		PinnedUntil: r.req.PinnedUntil,
		ExtraHeader: r.req.ExtraHeader,
		Payload:     r.req.Payload,
	}
	if _, err := fragment.EncodeInto(s.cur.buf.Region(off, r.size), &rec, s.enc); err != nil {
		s.log.WithError(err).Error("encode fragment into aggregation buffer")
		r.fail(err)
		return true
	}
	s.nextID++
	s.cur.queue.Enqueue(pending.Entry{
		ID:     s.nextID,
		Range:  pending.Range{Start: off, Len: r.size},
		Ctx:    r.ctx,
		Notify: r.notify,
	})
	return true
}

func (s *Scheduler) hold(r *request) {
	s.held = append(s.held, r)
	s.heldBytes += r.size
}

// admitHeld 按到达顺序把暂存的请求放入当前缓冲区，直到放不下为止。
func (s *Scheduler) admitHeld() {
	for len(s.held) > 0 {
		r := s.held[0]
		if r.barrier != nil {
			s.popHeld()
			s.placeBarrier(r)
			continue
		}
		if s.offline {
			s.popHeld()
			r.fail(ErrOffline)
			continue
		}
		if !s.append(r) {
			if s.inFlight {
				return
			}
			s.startFlush("full")
			continue
		}
		s.popHeld()
	}
	s.maybeFlush()
}

func (s *Scheduler) popHeld() {
	s.heldBytes -= s.held[0].size
	s.held[0] = nil
	s.held = s.held[1:]
	if len(s.held) == 0 {
		s.held = nil
	}
}

// placeBarrier 把同步屏障挂到最后一个仍需落盘的周期上。
func (s *Scheduler) placeBarrier(r *request) {
	entry := pending.Entry{Ctx: r.ctx, Notify: r.notify}
	switch {
	case s.offline:
		r.fail(ErrOffline)
	case !s.cur.buf.IsEmpty():
		entry.Range.Start = s.cur.buf.BytesUsed()
		s.cur.queue.Enqueue(entry)
		s.requestFlush("sync")
	case s.inFlight:
		s.other.queue.Enqueue(entry)
	default:
		r.notify(pending.Result{})
	}
}

func (s *Scheduler) maybeFlush() {
	if s.cur.buf.BytesUsed() >= s.opts.HighWaterMark {
		s.requestFlush("high_water")
	}
}

func (s *Scheduler) backlog() int {
	n := s.cur.buf.BytesUsed() + s.heldBytes
	if s.inFlight {
		n += s.other.buf.BytesUsed()
	}
	return n
}

// requestFlush 在没有写盘进行时立即刷出当前缓冲区，否则记下待刷标记。
func (s *Scheduler) requestFlush(reason string) {
	if s.inFlight {
		s.flushWanted = true
		return
	}
	if s.cur.buf.IsEmpty() {
		// 只剩同步屏障
		if s.cur.queue.Len() > 0 {
			s.cur.queue.DrainInOrder(s.cursor.Next(), s.cursor.Generation())
		}
		return
	}
	s.startFlush(reason)
}

func (s *Scheduler) startFlush(reason string) {
	c := s.cur
	size := c.buf.PaddedLen()
	prevGen := s.cursor.Generation()
	off, gen, err := s.cursor.Reserve(uint64(size))
	if err != nil {
		s.log.WithError(err).Error("reserve stripe region")
		c.queue.FailAll(&IOError{Stripe: s.opts.ID, Offset: s.cursor.Next(), Size: size, Err: err})
		c.buf.Reset()
		c.serial = s.nextSerial()
		return
	}
	if gen != prevGen {
		s.stats.wraps.Add(1)
		s.log.WithFields(logrus.Fields{
			"generation": gen,
			"offset":     off,
		}).Info("stripe write cursor wrapped")
	}

	s.cur, s.other = s.other, c
	s.cur.serial = s.nextSerial()
	s.inFlight = true
	s.flushWanted = false
	s.setState(StateFlushing)

	s.log.WithFields(logrus.Fields{
		"reason":  reason,
		"offset":  off,
		"bytes":   size,
		"writers": c.queue.Len(),
		"serial":  c.serial,
	}).Debug("flush aggregation buffer")
	go s.write(flushResult{cycle: c, offset: off, gen: gen, size: size})
}

// write 在独立协程中执行，完成后把结果送回调度协程。
func (s *Scheduler) write(job flushResult) {
	_, err := s.dev.WriteAt(job.cycle.buf.Padded(), int64(job.offset))
	if err == nil && s.opts.SyncWrites {
		err = s.dev.Sync()
	}
	if err != nil {
		job.err = &IOError{Stripe: s.opts.ID, Offset: job.offset, Size: job.size, Err: err}
	}
	s.doneCh <- job
}

func (s *Scheduler) complete(res flushResult) {
	s.inFlight = false
	c := res.cycle
	if res.err == nil {
		s.cursor.Commit(uint64(res.size), c.serial)
		s.errs = 0
		s.stats.flushes.Add(1)
		s.stats.bytesWritten.Add(uint64(res.size))
		s.updateGauges()
		if s.opts.Health != nil {
			s.opts.Health.FlushSucceeded(s.opts.ID)
		}
		c.queue.DrainInOrder(res.offset, res.gen)
	} else {
		s.errs++
		s.setState(StateFailed)
		s.stats.flushErrors.Add(1)
		s.log.WithError(res.err).WithFields(logrus.Fields{
			"writers":            c.queue.Len(),
			"consecutive_errors": s.errs,
		}).Warn("aggregation flush failed")
		if s.opts.Health != nil {
			s.opts.Health.FlushFailed(s.opts.ID, res.err, s.errs)
		}
		if s.opts.ErrorThreshold > 0 && s.errs >= s.opts.ErrorThreshold {
			s.goOffline(res.err)
		}
		c.queue.FailAll(res.err)
	}
	c.buf.Reset()
	if !s.offline {
		s.setState(StateAccepting)
	}

	s.admitHeld()
	if s.flushWanted {
		s.requestFlush("pending")
	}
}

func (s *Scheduler) goOffline(cause error) {
	s.offline = true
	s.setState(StateOffline)
	held := s.held
	s.held, s.heldBytes = nil, 0
	for _, r := range held {
		r.fail(ErrOffline)
	}
	s.cur.queue.FailAll(ErrOffline)
	s.cur.buf.Reset()
	s.log.WithError(cause).WithField("consecutive_errors", s.errs).Error("stripe taken offline")
	if s.opts.Health != nil {
		s.opts.Health.StripeOffline(s.opts.ID, cause)
	}
}

func (s *Scheduler) shutdown() error {
	for drained := false; !drained; {
		select {
		case r := <-s.reqCh:
			s.accept(r)
		default:
			drained = true
		}
	}
	for {
		switch {
		case s.inFlight:
			s.complete(<-s.doneCh)
		case len(s.held) > 0:
			s.admitHeld()
		case !s.cur.buf.IsEmpty() || s.cur.queue.Len() > 0:
			s.requestFlush("close")
		default:
			_, err := s.persist()
			if err != nil {
				s.log.WithError(err).Warn("persist checkpoint on close")
			}
			s.setState(StateClosed)
			s.updateGauges()
			return err
		}
	}
}

// persist 把游标写入 stripe 头部。写入期间可能仍有一次刷盘在进行，
// 其数据在下次启动时由前滚扫描恢复。
func (s *Scheduler) persist() (Checkpoint, error) {
	s.cursor.BumpSyncSerial()
	cp := s.cursor.Checkpoint()
	encodeHeader(s.hdr, header{Checkpoint: cp, Base: s.geo.DataBase(), Extent: s.geo.Extent, Salt: s.salt})
	if _, err := s.dev.WriteAt(s.hdr, int64(s.geo.Base)); err != nil {
		return cp, fmt.Errorf("write stripe %d header: %w", s.opts.ID, err)
	}
	if err := s.dev.Sync(); err != nil {
		return cp, fmt.Errorf("sync stripe %d header: %w", s.opts.ID, err)
	}
	s.stats.checkpoints.Add(1)
	return cp, nil
}

func (s *Scheduler) nextSerial() uint32 {
	s.serial++
	return s.serial
}

func (s *Scheduler) setState(st State) {
	s.stats.state.Store(int32(st))
}

func (s *Scheduler) updateGauges() {
	s.stats.backlog.Store(int64(s.backlog()))
	s.stats.held.Store(int64(len(s.held)))
	s.stats.offset.Store(s.cursor.Next())
	s.stats.generation.Store(s.cursor.Generation())
}
