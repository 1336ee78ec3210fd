package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/cache"
	"github.com/stripecache/stripecache/internal/config"
)

func TestOpenCacheRebuildsIndexAfterRestart(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5000
StoragePath = "%s"

[Cache]
VolumeSize = 4194304
Stripes = 2
BlockSize = 512
AggSize = 65536
SyncInterval = "5ms"
CheckpointInterval = 0
MaxFragmentSize = 16384

[[Hub]]
Name = "npm"
Domain = "npm.local"
Upstream = "https://registry.npmjs.org"
`, filepath.Join(dir, "storage")))

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	vol, store, err := openCache(cfg, logger)
	if err != nil {
		t.Fatalf("打开缓存卷失败: %v", err)
	}
	locator := cache.Locator{HubName: "npm", Path: "/left-pad"}
	payload := bytes.Repeat([]byte("left-pad"), 5000)
	if _, err := store.Put(context.Background(), locator, bytes.NewReader(payload), cache.PutOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("写入缓存失败: %v", err)
	}
	if err := vol.Close(context.Background()); err != nil {
		t.Fatalf("关闭缓存卷失败: %v", err)
	}

	if _, err := os.Stat(cfg.Cache.VolumePath); err != nil {
		t.Fatalf("卷文件应位于 StoragePath 下: %v", err)
	}

	vol, store, err = openCache(cfg, logger)
	if err != nil {
		t.Fatalf("重新打开缓存卷失败: %v", err)
	}
	defer vol.Close(context.Background())

	if store.Objects() != 1 {
		t.Fatalf("重启后应恢复 1 个对象，得到 %d", store.Objects())
	}
	result, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("重启后读取失败: %v", err)
	}
	defer result.Reader.Close()
	body, _ := io.ReadAll(result.Reader)
	if !bytes.Equal(body, payload) {
		t.Fatalf("重启后内容不一致，长度 %d", len(body))
	}
	if result.Entry.Fragments != 3 {
		t.Fatalf("40000 字节应拆为 3 个片段，得到 %d", result.Entry.Fragments)
	}
}
