package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// Store 负责管理磁盘缓存的读写。
type Store interface {
	// Get 返回一个可流式读取的缓存条目。若不存在或片段已失效则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*ReadResult, error)

	// Put 将上游响应写入缓存，全部片段落盘后才对 Get 可见。
	Put(ctx context.Context, locator Locator, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除缓存条目，通常用于上游错误或复合策略清理。
	Remove(ctx context.Context, locator Locator) error
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime     time.Time
	ContentType string
	ETag        string
}

// Locator 唯一定位一个缓存条目（Hub + 相对路径），所有路径均为 URL 路径风格。
type Locator struct {
	HubName string
	Path    string
}

// Entry 表示一次缓存命中结果。
type Entry struct {
	Locator     Locator   `json:"locator"`
	Key         string    `json:"key"`
	SizeBytes   int64     `json:"size_bytes"`
	ModTime     time.Time `json:"mod_time"`
	ContentType string    `json:"content_type,omitempty"`
	ETag        string    `json:"etag,omitempty"`
	Fragments   int       `json:"fragments"`
}

// ReadResult 组合 Entry 与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrTooLarge 表示对象超过 MaxObjectSize，不写入缓存。
	ErrTooLarge = errors.New("cache object too large")
)

type bodyReader struct {
	*bytes.Reader
}

func (bodyReader) Close() error { return nil }
