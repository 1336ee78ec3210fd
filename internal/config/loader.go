package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// DefaultVolumeFile 为未配置 VolumePath 时在 StoragePath 下使用的卷文件名。
	DefaultVolumeFile = "volume.db"
	// FragmentOverhead 为单个片段在正文之外预留的空间（固定头 + 对象元数据）。
	FragmentOverhead = 4096
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectHubLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)
	for i := range cfg.Hubs {
		applyHubDefaults(&cfg.Hubs[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	cfg.Cache.VolumePath = resolveVolumePath(absStorage, cfg.Cache.VolumePath)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheTTL", 86400)
	v.SetDefault("UpstreamTimeout", "30s")

	v.SetDefault("Cache.VolumePath", "")
	v.SetDefault("Cache.VolumeSize", 1<<30)
	v.SetDefault("Cache.Stripes", 4)
	v.SetDefault("Cache.BlockSize", 4096)
	v.SetDefault("Cache.AggSize", 4<<20)
	v.SetDefault("Cache.HighWaterMark", 0)
	v.SetDefault("Cache.SyncInterval", "250ms")
	v.SetDefault("Cache.CheckpointInterval", "60s")
	v.SetDefault("Cache.EnableChecksum", true)
	v.SetDefault("Cache.SyncWrites", false)
	v.SetDefault("Cache.MaxWriteBacklog", 16<<20)
	v.SetDefault("Cache.ErrorThreshold", 5)
	v.SetDefault("Cache.DirectIO", false)
	v.SetDefault("Cache.MaxObjectSize", 64<<20)
	v.SetDefault("Cache.MaxFragmentSize", 1<<20)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.CacheTTL.DurationValue() == 0 {
		g.CacheTTL = Duration(24 * time.Hour)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if c.HighWaterMark == 0 && c.AggSize > 0 {
		c.HighWaterMark = c.AggSize / 2
	}
}

func applyHubDefaults(h *HubConfig) {
	if h.CacheTTL.DurationValue() < 0 {
		h.CacheTTL = Duration(0)
	}
}

// resolveVolumePath 将相对卷路径解析到缓存目录之下。
func resolveVolumePath(storage, volume string) string {
	if volume == "" {
		return filepath.Join(storage, DefaultVolumeFile)
	}
	if filepath.IsAbs(volume) {
		return volume
	}
	return filepath.Join(storage, volume)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func rejectHubLevelPorts(v *viper.Viper) error {
	raw := v.Get("Hub")
	hubs, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range hubs {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := m["Port"]; exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(hubField(name, "Port"), "字段已弃用，请移除并使用全局 ListenPort")
		}
	}

	return nil
}
