package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/fragment"
	"github.com/stripecache/stripecache/internal/logging"
	"github.com/stripecache/stripecache/internal/stripe"
	"github.com/stripecache/stripecache/internal/volume"
)

const (
	// MaxPathLength 为可缓存路径的上限，更长的路径直接透传，不进入缓存。
	MaxPathLength = 2048
	// maxMetadataLen 与片段头合计不超过配置为每个片段预留的 4 KiB。
	maxMetadataLen = 4096 - fragment.HeaderSize
)

// Backend 是 VolumeStore 依赖的卷操作，*volume.Volume 满足该接口。
type Backend interface {
	Submit(ctx context.Context, req stripe.Request) (int, <-chan stripe.Completion, error)
	ReadFragment(ref volume.Ref, key fragment.Key) (*fragment.Record, error)
	Scan(ctx context.Context, fn volume.ScanFunc) error
}

// Options 控制对象的拆分方式。
type Options struct {
	MaxObjectSize   int64
	MaxFragmentSize int
	Logger          *logrus.Logger
}

// objectMeta 随首片段的扩展头写入卷，重启后据此重建索引。
type objectMeta struct {
	Hub         string    `json:"hub"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mod_time"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	Fragments   int       `json:"fragments"`
}

type object struct {
	key fragment.Key
	// serial 仅在 Rebuild 期间用于比较新旧
	serial uint32
	meta   objectMeta
	refs   []volume.Ref
}

func (o *object) entry() Entry {
	return Entry{
		Locator:     Locator{HubName: o.meta.Hub, Path: o.meta.Path},
		Key:         o.key.String(),
		SizeBytes:   o.meta.Size,
		ModTime:     o.meta.ModTime,
		ContentType: o.meta.ContentType,
		ETag:        o.meta.ETag,
		Fragments:   len(o.refs),
	}
}

// VolumeStore 把对象拆成片段写入卷，并在内存中维护 Locator 到片段位置的索引。
type VolumeStore struct {
	backend Backend
	opts    Options
	log     *logrus.Entry

	mu    sync.RWMutex
	index map[string]*object

	lockMu sync.Mutex
	locks  map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

var _ Store = (*VolumeStore)(nil)

// NewStore 基于卷构造缓存存储。调用方通常随后执行 Rebuild。
func NewStore(backend Backend, opts Options) (*VolumeStore, error) {
	if backend == nil {
		return nil, errors.New("cache backend is required")
	}
	if opts.MaxFragmentSize <= 0 {
		return nil, fmt.Errorf("max fragment size must be positive, got %d", opts.MaxFragmentSize)
	}
	if opts.MaxObjectSize <= 0 {
		return nil, fmt.Errorf("max object size must be positive, got %d", opts.MaxObjectSize)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VolumeStore{
		backend: backend,
		opts:    opts,
		log:     logging.Component(logger, "cache"),
		index:   make(map[string]*object),
		locks:   make(map[string]*entryLock),
	}, nil
}

func (s *VolumeStore) Get(ctx context.Context, locator Locator) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	locator, err := normalizeLocator(locator)
	if errors.Is(err, ErrTooLarge) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	key := locatorKey(locator)
	s.mu.RLock()
	obj := s.index[key]
	s.mu.RUnlock()
	if obj == nil {
		return nil, ErrNotFound
	}

	body := make([]byte, 0, obj.meta.Size)
	for i, ref := range obj.refs {
		rec, err := s.backend.ReadFragment(ref, FragmentKey(obj.key, i))
		if err != nil {
			if errors.Is(err, volume.ErrMiss) {
				s.evict(key, obj)
				return nil, ErrNotFound
			}
			return nil, err
		}
		if rec.FirstKey != obj.key || rec.TotalLen != uint64(obj.meta.Size) {
			s.evict(key, obj)
			return nil, ErrNotFound
		}
		body = append(body, rec.Payload...)
	}
	if int64(len(body)) != obj.meta.Size {
		s.evict(key, obj)
		return nil, ErrNotFound
	}

	return &ReadResult{
		Entry:  obj.entry(),
		Reader: bodyReader{bytes.NewReader(body)},
	}, nil
}

func (s *VolumeStore) Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error) {
	locator, err := normalizeLocator(locator)
	if err != nil {
		return nil, err
	}
	unlock := s.lockEntry(locator)
	defer unlock()

	var buf bytes.Buffer
	written, err := copyWithContext(ctx, &buf, io.LimitReader(body, s.opts.MaxObjectSize+1))
	if err != nil {
		return nil, err
	}
	if written > s.opts.MaxObjectSize {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, s.opts.MaxObjectSize)
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	data := buf.Bytes()
	count := fragmentCount(len(data), s.opts.MaxFragmentSize)
	key := ObjectKey(locator)
	meta := objectMeta{
		Hub:         locator.HubName,
		Path:        locator.Path,
		Size:        int64(len(data)),
		ModTime:     modTime,
		ContentType: opts.ContentType,
		ETag:        opts.ETag,
		Fragments:   count,
	}
	extra, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if len(extra) > maxMetadataLen {
		return nil, fmt.Errorf("%w: metadata of %d bytes", ErrTooLarge, len(extra))
	}

	stripes := make([]int, count)
	pending := make([]<-chan stripe.Completion, count)
	for i := 0; i < count; i++ {
		start := i * s.opts.MaxFragmentSize
		end := start + s.opts.MaxFragmentSize
		if end > len(data) {
			end = len(data)
		}
		req := stripe.Request{
			Key:      FragmentKey(key, i),
			FirstKey: key,
			TotalLen: uint64(len(data)),
			DocType:  fragment.TypeHTTP,
			Payload:  data[start:end],
		}
		if i == 0 {
			req.ExtraHeader = extra
		}
		idx, ch, err := s.backend.Submit(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("submit fragment %d: %w", i, err)
		}
		stripes[i], pending[i] = idx, ch
	}

	obj := &object{key: key, meta: meta, refs: make([]volume.Ref, count)}
	for i, ch := range pending {
		select {
		case c := <-ch:
			if c.Err != nil {
				return nil, fmt.Errorf("write fragment %d: %w", i, c.Err)
			}
			obj.refs[i] = volume.Ref{Stripe: stripes[i], Location: c.Location}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.index[locatorKey(locator)] = obj
	s.mu.Unlock()

	s.log.WithFields(logging.ObjectFields(key.String(), meta.Size, count)).
		WithField("hub", locator.HubName).
		Debug("object cached")
	entry := obj.entry()
	return &entry, nil
}

// Remove 从索引删除条目并写入墓碑记录，墓碑写入失败只记录日志。
func (s *VolumeStore) Remove(ctx context.Context, locator Locator) error {
	locator, err := normalizeLocator(locator)
	if errors.Is(err, ErrTooLarge) {
		return nil
	}
	if err != nil {
		return err
	}
	unlock := s.lockEntry(locator)
	defer unlock()

	key := locatorKey(locator)
	s.mu.Lock()
	obj, ok := s.index[key]
	delete(s.index, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	extra, err := json.Marshal(objectMeta{Hub: locator.HubName, Path: locator.Path})
	if err != nil {
		return err
	}
	_, _, err = s.backend.Submit(ctx, stripe.Request{
		Key:         obj.key,
		FirstKey:    obj.key,
		DocType:     fragment.TypeTombstone,
		ExtraHeader: extra,
	})
	if err != nil {
		s.log.WithError(err).WithField("key", obj.key.String()).Warn("tombstone not written")
	}
	return nil
}

// Objects 返回索引中的对象数量。
func (s *VolumeStore) Objects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

type scannedFragment struct {
	ref    volume.Ref
	serial uint32
	first  fragment.Key
	total  uint64
}

// Rebuild 扫描卷重建内存索引，返回恢复的对象数量。
// 同一 key 取 serial 最新的记录；晚于对象的墓碑使其失效；缺少任一片段的对象被丢弃。
func (s *VolumeStore) Rebuild(ctx context.Context) (int, error) {
	heads := make(map[fragment.Key]*object)
	tombs := make(map[fragment.Key]uint32)
	frags := make(map[fragment.Key]scannedFragment)

	err := s.backend.Scan(ctx, func(rec *fragment.Record, ref volume.Ref) error {
		switch rec.DocType {
		case fragment.TypeTombstone:
			if prev, ok := tombs[rec.Key]; !ok || !serialNewer(prev, rec.WriteSerial) {
				tombs[rec.Key] = rec.WriteSerial
			}
			if h, ok := heads[rec.Key]; ok && !serialNewer(h.serial, rec.WriteSerial) {
				delete(heads, rec.Key)
			}
		case fragment.TypeHTTP:
			if prev, ok := frags[rec.Key]; ok && serialNewer(prev.serial, rec.WriteSerial) {
				return nil
			}
			frags[rec.Key] = scannedFragment{ref: ref, serial: rec.WriteSerial, first: rec.FirstKey, total: rec.TotalLen}
			if rec.Key != rec.FirstKey {
				return nil
			}
			if ts, ok := tombs[rec.Key]; ok && serialNewer(ts, rec.WriteSerial) {
				return nil
			}
			var meta objectMeta
			if err := json.Unmarshal(rec.ExtraHeader, &meta); err != nil {
				s.log.WithError(err).WithField("key", rec.Key.String()).Debug("skip fragment with unreadable metadata")
				return nil
			}
			heads[rec.Key] = &object{key: rec.Key, serial: rec.WriteSerial, meta: meta}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	index := make(map[string]*object, len(heads))
	dropped := 0
	for key, obj := range heads {
		if !s.resolve(key, obj, frags) {
			dropped++
			continue
		}
		index[locatorKey(Locator{HubName: obj.meta.Hub, Path: obj.meta.Path})] = obj
	}

	s.mu.Lock()
	s.index = index
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"objects": len(index),
		"dropped": dropped,
	}).Info("cache index rebuilt")
	return len(index), nil
}

// resolve 为对象找齐全部片段；片段必须不早于首片段写入，且总长一致。
func (s *VolumeStore) resolve(key fragment.Key, obj *object, frags map[fragment.Key]scannedFragment) bool {
	meta := obj.meta
	if meta.Fragments <= 0 || meta.Size < 0 {
		return false
	}
	if ObjectKey(Locator{HubName: meta.Hub, Path: meta.Path}) != key {
		return false
	}
	obj.refs = make([]volume.Ref, meta.Fragments)
	for i := range obj.refs {
		f, ok := frags[FragmentKey(key, i)]
		if !ok || f.first != key || f.total != uint64(meta.Size) || serialNewer(obj.serial, f.serial) {
			return false
		}
		obj.refs[i] = f.ref
	}
	return true
}

func (s *VolumeStore) evict(key string, obj *object) {
	s.mu.Lock()
	if s.index[key] == obj {
		delete(s.index, key)
	}
	s.mu.Unlock()
	s.log.WithField("key", obj.key.String()).Debug("cache entry evicted")
}

func (s *VolumeStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.lockMu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.lockMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.lockMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.lockMu.Unlock()
	}
}

func normalizeLocator(locator Locator) (Locator, error) {
	if locator.HubName == "" {
		return Locator{}, errors.New("hub name required")
	}
	rel := locator.Path
	if rel == "" {
		rel = "/"
	}
	locator.Path = path.Clean("/" + rel)
	if len(locator.Path) > MaxPathLength {
		return Locator{}, fmt.Errorf("%w: path of %d bytes", ErrTooLarge, len(locator.Path))
	}
	return locator, nil
}

func fragmentCount(size, max int) int {
	if size <= max {
		return 1
	}
	return (size + max - 1) / max
}

// serialNewer 按回绕安全的方式判断 a 是否晚于 b。
func serialNewer(a, b uint32) bool {
	return int32(a-b) > 0
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
