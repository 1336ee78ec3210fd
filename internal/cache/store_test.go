package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/fragment"
	"github.com/stripecache/stripecache/internal/storage"
	"github.com/stripecache/stripecache/internal/stripe"
	"github.com/stripecache/stripecache/internal/volume"
)

func TestStorePutAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	locator := Locator{HubName: "docker", Path: "/v2/library/sample/manifests/latest"}

	modTime := time.Now().Add(-time.Hour).UTC()
	payload := []byte("payload")
	entry, err := store.Put(context.Background(), locator, bytes.NewReader(payload), PutOptions{ModTime: modTime, ContentType: "application/json"})
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if entry.Fragments != 1 {
		t.Fatalf("expected single fragment, got %d", entry.Fragments)
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer result.Reader.Close()

	body, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached body error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("cached payload mismatch: %s", string(body))
	}
	if result.Entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", result.Entry.SizeBytes)
	}
	if !result.Entry.ModTime.Equal(modTime) {
		t.Fatalf("modtime mismatch: expected %v got %v", modTime, result.Entry.ModTime)
	}
	if result.Entry.ContentType != "application/json" {
		t.Fatalf("content type mismatch: %s", result.Entry.ContentType)
	}
}

func TestStoreSplitsLargeObjectIntoFragments(t *testing.T) {
	store, _ := newTestStore(t)
	locator := Locator{HubName: "npm", Path: "/lodash/-/lodash-4.17.21.tgz"}

	payload := make([]byte, 3500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	entry, err := store.Put(context.Background(), locator, bytes.NewReader(payload), PutOptions{})
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if entry.Fragments != 4 {
		t.Fatalf("expected 4 fragments, got %d", entry.Fragments)
	}

	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	body, _ := io.ReadAll(result.Reader)
	if !bytes.Equal(body, payload) {
		t.Fatalf("fragmented payload mismatch, got %d bytes", len(body))
	}
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), Locator{HubName: "docker", Path: "/missing"})
	if err == nil || err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsOversizedObject(t *testing.T) {
	store, _ := newTestStore(t)
	locator := Locator{HubName: "docker", Path: "/big"}
	_, err := store.Put(context.Background(), locator, bytes.NewReader(make([]byte, 20000)), PutOptions{})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if _, err := store.Get(context.Background(), locator); err != ErrNotFound {
		t.Fatalf("oversized object should not be cached, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store, _ := newTestStore(t)
	locator := Locator{HubName: "docker", Path: "/cache/remove"}
	if _, err := store.Put(context.Background(), locator, bytes.NewReader([]byte("data")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); err == nil || err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestStorePathIsNormalized(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.Put(context.Background(), Locator{HubName: "go", Path: "a/b/../c"}, bytes.NewReader([]byte("x")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	result, err := store.Get(context.Background(), Locator{HubName: "go", Path: "/a/c"})
	if err != nil {
		t.Fatalf("expected normalized hit, got %v", err)
	}
	if result.Entry.Locator.Path != "/a/c" {
		t.Fatalf("unexpected path: %s", result.Entry.Locator.Path)
	}
	if _, err := store.Put(context.Background(), Locator{Path: "/x"}, bytes.NewReader(nil), PutOptions{}); err == nil {
		t.Fatalf("expected error without hub name")
	}
}

func TestStoreLongLocatorsStayWithinFragmentBudget(t *testing.T) {
	_, vol := newTestStore(t)
	// 片段正文取上限 AggSize-4096，元数据必须挤在剩余的 4 KiB 内
	store, err := NewStore(vol, Options{MaxObjectSize: 64 * 1024, MaxFragmentSize: 16*1024 - 4096, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	ctx := context.Background()

	long := Locator{HubName: "npm", Path: "/" + strings.Repeat("p", MaxPathLength-1)}
	body := bytes.Repeat([]byte("b"), 16*1024-4096)
	if _, err := store.Put(ctx, long, bytes.NewReader(body), PutOptions{ContentType: "application/octet-stream", ETag: "etag"}); err != nil {
		t.Fatalf("path at the limit should be cached: %v", err)
	}
	if _, err := store.Get(ctx, long); err != nil {
		t.Fatalf("expected hit for path at the limit, got %v", err)
	}

	tooLong := Locator{HubName: "npm", Path: "/" + strings.Repeat("p", 4096)}
	if _, err := store.Put(ctx, tooLong, bytes.NewReader([]byte("x")), PutOptions{}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge for long path, got %v", err)
	}
	if _, err := store.Get(ctx, tooLong); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for long path, got %v", err)
	}
	if err := store.Remove(ctx, tooLong); err != nil {
		t.Fatalf("remove of long path should be a no-op: %v", err)
	}

	hugeTag := Locator{HubName: "npm", Path: "/tagged"}
	if _, err := store.Put(ctx, hugeTag, bytes.NewReader([]byte("x")), PutOptions{ETag: strings.Repeat("e", 4096)}); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge for oversized metadata, got %v", err)
	}
}

func TestStorePutCompletesWithoutExplicitSyncInterval(t *testing.T) {
	vol, err := volume.New(storage.NewMemDevice(1<<20), volume.Options{
		Stripes:        2,
		BlockSize:      512,
		AggSize:        16 * 1024,
		EnableChecksum: true,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("open volume error: %v", err)
	}
	t.Cleanup(func() { vol.Close(context.Background()) })
	store := newStoreOn(t, vol)

	// 远小于水位线的对象只能靠定时刷盘落盘
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	locator := Locator{HubName: "docker", Path: "/small"}
	if _, err := store.Put(ctx, locator, bytes.NewReader([]byte("small")), PutOptions{}); err != nil {
		t.Fatalf("small put should complete via the default sync timer: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); err != nil {
		t.Fatalf("expected hit after put, got %v", err)
	}
}

func TestStoreRebuildRestoresIndex(t *testing.T) {
	store, vol := newTestStore(t)
	ctx := context.Background()

	keep := Locator{HubName: "npm", Path: "/keep"}
	gone := Locator{HubName: "npm", Path: "/gone"}
	updated := Locator{HubName: "npm", Path: "/updated"}
	for _, loc := range []Locator{keep, gone, updated} {
		if _, err := store.Put(ctx, loc, bytes.NewReader(bytes.Repeat([]byte("v1"), 700)), PutOptions{}); err != nil {
			t.Fatalf("put %s error: %v", loc.Path, err)
		}
	}
	if _, err := store.Put(ctx, updated, bytes.NewReader([]byte("v2")), PutOptions{ETag: "v2"}); err != nil {
		t.Fatalf("overwrite error: %v", err)
	}
	if err := store.Remove(ctx, gone); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if err := vol.Sync(ctx); err != nil {
		t.Fatalf("sync error: %v", err)
	}

	reopened := newStoreOn(t, vol)
	n, err := reopened.Rebuild(ctx)
	if err != nil {
		t.Fatalf("rebuild error: %v", err)
	}
	if n != 2 || reopened.Objects() != 2 {
		t.Fatalf("expected 2 objects after rebuild, got %d", n)
	}

	result, err := reopened.Get(ctx, keep)
	if err != nil {
		t.Fatalf("get after rebuild error: %v", err)
	}
	body, _ := io.ReadAll(result.Reader)
	if !bytes.Equal(body, bytes.Repeat([]byte("v1"), 700)) {
		t.Fatalf("rebuilt payload mismatch")
	}

	result, err = reopened.Get(ctx, updated)
	if err != nil {
		t.Fatalf("get updated error: %v", err)
	}
	body, _ = io.ReadAll(result.Reader)
	if string(body) != "v2" || result.Entry.ETag != "v2" {
		t.Fatalf("expected newest version, got %q etag %q", body, result.Entry.ETag)
	}

	if _, err := reopened.Get(ctx, gone); err != ErrNotFound {
		t.Fatalf("removed object resurrected: %v", err)
	}
}

func TestStoreGetEvictsUnreadableEntry(t *testing.T) {
	backend := &fakeBackend{}
	store, err := NewStore(backend, Options{MaxObjectSize: 1 << 20, MaxFragmentSize: 1024, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	locator := Locator{HubName: "pypi", Path: "/simple/requests/"}
	if _, err := store.Put(context.Background(), locator, bytes.NewReader([]byte("index")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	backend.readErr = fmt.Errorf("%w: checksum mismatch", volume.ErrMiss)
	if _, err := store.Get(context.Background(), locator); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unreadable fragment, got %v", err)
	}
	if store.Objects() != 0 {
		t.Fatalf("unreadable entry should be evicted")
	}
}

func TestStorePutReportsWriteFailure(t *testing.T) {
	backend := &fakeBackend{writeErr: &stripe.IOError{Stripe: 0, Err: errors.New("disk gone")}}
	store, err := NewStore(backend, Options{MaxObjectSize: 1 << 20, MaxFragmentSize: 1024, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	locator := Locator{HubName: "pypi", Path: "/x"}
	if _, err := store.Put(context.Background(), locator, bytes.NewReader([]byte("x")), PutOptions{}); err == nil {
		t.Fatalf("expected write failure")
	}
	if _, err := store.Get(context.Background(), locator); err != ErrNotFound {
		t.Fatalf("failed put must not be visible, got %v", err)
	}
}

func TestObjectKeysAreStable(t *testing.T) {
	loc := Locator{HubName: "npm", Path: "/react"}
	if ObjectKey(loc) != ObjectKey(loc) {
		t.Fatalf("object key must be deterministic")
	}
	if ObjectKey(loc) == ObjectKey(Locator{HubName: "pypi", Path: "/react"}) {
		t.Fatalf("hubs must not share keys")
	}
	k := ObjectKey(loc)
	if FragmentKey(k, 0) != k {
		t.Fatalf("first fragment key must equal object key")
	}
	if FragmentKey(k, 1) == FragmentKey(k, 2) {
		t.Fatalf("fragment keys must differ")
	}
}

func newTestStore(t *testing.T) (*VolumeStore, *volume.Volume) {
	t.Helper()
	dev := storage.NewMemDevice(1 << 20)
	vol, err := volume.New(dev, volume.Options{
		Stripes:        2,
		BlockSize:      512,
		AggSize:        16 * 1024,
		SyncInterval:   5 * time.Millisecond,
		EnableChecksum: true,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("open volume error: %v", err)
	}
	t.Cleanup(func() { vol.Close(context.Background()) })
	return newStoreOn(t, vol), vol
}

func newStoreOn(t *testing.T, vol *volume.Volume) *VolumeStore {
	t.Helper()
	store, err := NewStore(vol, Options{MaxObjectSize: 16 * 1024, MaxFragmentSize: 1000, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new store error: %v", err)
	}
	return store
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeBackend 立即完成写入，并可注入读写错误。
type fakeBackend struct {
	writeErr error
	readErr  error
	records  map[fragment.Key]*fragment.Record
	next     uint64
}

func (f *fakeBackend) Submit(_ context.Context, req stripe.Request) (int, <-chan stripe.Completion, error) {
	if f.records == nil {
		f.records = make(map[fragment.Key]*fragment.Record)
	}
	ch := make(chan stripe.Completion, 1)
	if f.writeErr != nil {
		ch <- stripe.Completion{Key: req.Key, FirstKey: req.FirstKey, Err: f.writeErr}
		return 0, ch, nil
	}
	f.records[req.Key] = &fragment.Record{
		Key:         req.Key,
		FirstKey:    req.FirstKey,
		TotalLen:    req.TotalLen,
		DocType:     req.DocType,
		ExtraHeader: req.ExtraHeader,
		Payload:     append([]byte(nil), req.Payload...),
	}
	loc := fragment.Location{Offset: f.next, Length: uint32(req.EncodedLen())}
	f.next += uint64(loc.Length)
	ch <- stripe.Completion{Location: loc, Key: req.Key, FirstKey: req.FirstKey}
	return 0, ch, nil
}

func (f *fakeBackend) ReadFragment(_ volume.Ref, key fragment.Key) (*fragment.Record, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	rec, ok := f.records[key]
	if !ok {
		return nil, volume.ErrMiss
	}
	return rec, nil
}

func (f *fakeBackend) Scan(ctx context.Context, fn volume.ScanFunc) error {
	return ctx.Err()
}
