package stripe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/stripecache/stripecache/internal/fragment"
	"github.com/stripecache/stripecache/internal/storage"
)

const testAgg = 4096

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testOptions() Options {
	return Options{
		AggSize:       testAgg,
		BlockSize:     512,
		HighWaterMark: 2048,
		SyncInterval:  -1,
		Logger:        quietLogger(),
	}
}

// fragmentOf 构造编码后恰好 size 字节的写入请求。
func fragmentOf(id byte, size int) Request {
	var key fragment.Key
	key[0] = id
	return Request{
		Key:      key,
		FirstKey: key,
		TotalLen: uint64(size - fragment.HeaderSize),
		Payload:  bytes.Repeat([]byte{id}, size-fragment.HeaderSize),
	}
}

func openStripe(t *testing.T, dev storage.Device, extent uint64, opts Options) *Scheduler {
	t.Helper()
	s, _, err := Open(dev, Geometry{Base: 0, Extent: extent}, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func submit(t *testing.T, s *Scheduler, req Request) <-chan Completion {
	t.Helper()
	ch, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	return ch
}

func wait(t *testing.T, ch <-chan Completion) Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("写入未在超时时间内完成")
		return Completion{}
	}
}

func requireIdle(t *testing.T, ch <-chan Completion) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("写入不应已完成: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHighWaterMarkTriggersFlush(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	s := openStripe(t, dev, 3*testAgg, testOptions())
	base := s.Geometry().DataBase()
	headerWrites := dev.Writes()

	a := submit(t, s, fragmentOf(1, 1000))
	requireIdle(t, a)
	b := submit(t, s, fragmentOf(2, 1100))

	ca, cb := wait(t, a), wait(t, b)
	require.NoError(t, ca.Err)
	require.NoError(t, cb.Err)
	require.Equal(t, base, ca.Location.Offset)
	require.Equal(t, base+1000, cb.Location.Offset)
	require.EqualValues(t, 1100, cb.Location.Length)
	require.Equal(t, headerWrites+1, dev.Writes(), "两个片段应合并为一次写盘")

	c := submit(t, s, fragmentOf(3, 500))
	requireIdle(t, c)
	require.NoError(t, s.Sync(context.Background()))
	cc := wait(t, c)
	require.NoError(t, cc.Err)
	require.Equal(t, base+2560, cc.Location.Offset, "下一次刷盘从块对齐后的位置开始")

	rec, err := s.Read(cb.Location)
	require.NoError(t, err)
	require.Equal(t, byte(2), rec.Key[0])
	require.Len(t, rec.Payload, 1100-fragment.HeaderSize)
}

func TestCompletionsFollowSubmissionOrder(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 4*testAgg)
	opts := testOptions()
	opts.HighWaterMark = testAgg
	s := openStripe(t, dev, 4*testAgg, opts)

	var chans []<-chan Completion
	for i := 0; i < 10; i++ {
		chans = append(chans, submit(t, s, fragmentOf(byte(i+1), 300)))
	}
	require.NoError(t, s.Sync(context.Background()))

	var prev uint64
	for i, ch := range chans {
		c := wait(t, ch)
		require.NoError(t, c.Err)
		if i > 0 {
			require.Equal(t, prev+300, c.Location.Offset)
		}
		prev = c.Location.Offset
		rec, err := s.Read(c.Location)
		require.NoError(t, err)
		require.Equal(t, byte(i+1), rec.Key[0])
	}
	require.EqualValues(t, 10, s.Stats().Completed)
}

func TestCursorWrapsAroundStripeEnd(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	opts := testOptions()
	opts.HighWaterMark = testAgg
	s := openStripe(t, dev, 3*testAgg, opts)
	base := s.Geometry().DataBase()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ch := submit(t, s, fragmentOf(byte(i+1), 4000))
		require.NoError(t, s.Sync(ctx))
		c := wait(t, ch)
		require.NoError(t, c.Err)
		require.Equal(t, base+uint64(i*testAgg), c.Location.Offset)
	}

	ch := submit(t, s, fragmentOf(9, 4000))
	require.NoError(t, s.Sync(ctx))
	c := wait(t, ch)
	require.NoError(t, c.Err)
	require.Equal(t, base, c.Location.Offset)
	require.EqualValues(t, 1, c.Location.Generation)
	require.EqualValues(t, 1, s.Stats().Wraps)

	_, err := s.Read(fragment.Location{Offset: base, Length: 4000, Generation: 0})
	require.ErrorIs(t, err, fragment.ErrCorrupt, "被覆盖的旧位置应视为未命中")
}

func TestFlushFailureIsolatesCycle(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	boom := errors.New("boom")
	var failOn sync.Map
	dev.FailWrite = func(n int, off int64, size int) error {
		if _, ok := failOn.Load(n); ok {
			return boom
		}
		return nil
	}
	s := openStripe(t, dev, 3*testAgg, testOptions())
	base := s.Geometry().DataBase()
	failOn.Store(dev.Writes()+1, true)

	a := submit(t, s, fragmentOf(1, 700))
	b := submit(t, s, fragmentOf(2, 700))
	require.Error(t, s.Sync(context.Background()))
	for _, ch := range []<-chan Completion{a, b} {
		c := wait(t, ch)
		require.ErrorIs(t, c.Err, boom)
		var ioErr *IOError
		require.ErrorAs(t, c.Err, &ioErr)
		require.Equal(t, base, ioErr.Offset)
	}

	c := submit(t, s, fragmentOf(3, 700))
	require.NoError(t, s.Sync(context.Background()))
	cc := wait(t, c)
	require.NoError(t, cc.Err)
	require.Equal(t, base, cc.Location.Offset, "失败的刷盘不应消耗磁盘空间")

	st := s.Stats()
	require.EqualValues(t, 1, st.FlushErrors)
	require.EqualValues(t, 2, st.Failed)
	require.Equal(t, StateAccepting.String(), st.State)
}

type healthRecorder struct {
	mu      sync.Mutex
	ok      int
	failed  []int
	offline bool
}

func (h *healthRecorder) FlushSucceeded(int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ok++
}

func (h *healthRecorder) FlushFailed(_ int, _ error, consecutive int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, consecutive)
}

func (h *healthRecorder) StripeOffline(int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offline = true
}

func TestConsecutiveFailuresTakeStripeOffline(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	var failing sync.Map
	dev.FailWrite = func(int, int64, int) error {
		if _, ok := failing.Load("on"); ok {
			return errors.New("disk gone")
		}
		return nil
	}
	health := &healthRecorder{}
	opts := testOptions()
	opts.ErrorThreshold = 2
	opts.Health = health
	s := openStripe(t, dev, 3*testAgg, opts)
	failing.Store("on", true)

	for i := 0; i < 2; i++ {
		ch := submit(t, s, fragmentOf(byte(i+1), 500))
		require.Error(t, s.Sync(context.Background()))
		require.Error(t, wait(t, ch).Err)
	}

	require.Equal(t, StateOffline, s.State())
	_, err := s.Submit(context.Background(), fragmentOf(5, 500))
	require.ErrorIs(t, err, ErrOffline)
	require.ErrorIs(t, s.Sync(context.Background()), ErrOffline)

	health.mu.Lock()
	defer health.mu.Unlock()
	require.Equal(t, []int{1, 2}, health.failed)
	require.True(t, health.offline)
}

func TestOversizeFragmentRejectedSynchronously(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	s := openStripe(t, dev, 3*testAgg, testOptions())
	writes := dev.Writes()

	_, err := s.Submit(context.Background(), fragmentOf(1, testAgg+1))
	require.ErrorIs(t, err, ErrOversize)

	ch := submit(t, s, fragmentOf(2, testAgg))
	require.NoError(t, s.Sync(context.Background()))
	require.NoError(t, wait(t, ch).Err, "恰好等于缓冲区大小的片段可以写入")

	require.EqualValues(t, 1, s.Stats().RejectedOversize)
	require.Equal(t, writes+1, dev.Writes())
}

func TestHeldWritersAdmittedInArrivalOrder(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 4*testAgg)
	opts := testOptions()
	opts.HighWaterMark = testAgg
	s := openStripe(t, dev, 4*testAgg, opts)
	gate := make(chan struct{})
	dev.Gate = gate

	a := submit(t, s, fragmentOf(1, 3000))
	b := submit(t, s, fragmentOf(2, 3000))
	c := submit(t, s, fragmentOf(3, 3000))
	d := submit(t, s, fragmentOf(4, 500))
	requireIdle(t, a)
	close(gate)
	require.NoError(t, s.Sync(context.Background()))

	var prev uint64
	for i, ch := range []<-chan Completion{a, b, c, d} {
		got := wait(t, ch)
		require.NoError(t, got.Err)
		if i > 0 {
			require.Greater(t, got.Location.Offset, prev)
		}
		prev = got.Location.Offset
	}
}

func TestBacklogLimitRejectsExcessWrites(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 4*testAgg)
	opts := testOptions()
	opts.MaxBacklog = 6000
	s := openStripe(t, dev, 4*testAgg, opts)
	gate := make(chan struct{})
	dev.Gate = gate

	a := submit(t, s, fragmentOf(1, 1500))
	b := submit(t, s, fragmentOf(2, 1500))
	c := submit(t, s, fragmentOf(3, 3000))
	d := submit(t, s, fragmentOf(4, 500))

	got := wait(t, d)
	require.ErrorIs(t, got.Err, ErrBacklog)
	close(gate)
	for _, ch := range []<-chan Completion{a, b, c} {
		require.NoError(t, wait(t, ch).Err)
	}
	require.EqualValues(t, 1, s.Stats().RejectedBacklog)
}

func TestCancelledWriterIsNotNotified(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	s := openStripe(t, dev, 3*testAgg, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Submit(ctx, fragmentOf(1, 200))
	require.NoError(t, err)
	other := submit(t, s, fragmentOf(2, 200))
	cancel()

	require.NoError(t, s.Sync(context.Background()))
	require.NoError(t, wait(t, other).Err)
	select {
	case c := <-ch:
		t.Fatalf("已取消的写入方不应收到通知: %+v", c)
	default:
	}
}

func TestSyncIntervalFlushesIdleBuffer(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	opts := testOptions()
	opts.SyncInterval = 20 * time.Millisecond
	s := openStripe(t, dev, 3*testAgg, opts)

	c := wait(t, submit(t, s, fragmentOf(1, 200)))
	require.NoError(t, c.Err)
}

func TestZeroSyncIntervalUsesDefaultTimer(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	opts := testOptions()
	opts.SyncInterval = 0
	s := openStripe(t, dev, 3*testAgg, opts)
	require.Equal(t, DefaultSyncInterval, s.opts.SyncInterval)

	start := time.Now()
	c := wait(t, submit(t, s, fragmentOf(1, 200)))
	require.NoError(t, c.Err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestCloseFlushesBufferedWrites(t *testing.T) {
	dev := storage.NewMemDevice(HeaderSize + 3*testAgg)
	s, _, err := Open(dev, Geometry{Base: 0, Extent: 3 * testAgg}, testOptions())
	require.NoError(t, err)

	ch := submit(t, s, fragmentOf(1, 200))
	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, wait(t, ch).Err)
	require.Equal(t, StateClosed, s.State())

	_, err = s.Submit(context.Background(), fragmentOf(2, 200))
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, s.Close(context.Background()))
}
