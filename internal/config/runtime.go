package config

import "time"

// HubRuntime 将 Hub 配置与生效的缓存策略合并，方便运行时快速取用。
type HubRuntime struct {
	Config   HubConfig
	CacheTTL time.Duration
	// MaxObjectSize 超过该大小的响应不写入缓存。
	MaxObjectSize int64
}

// BuildHubRuntime 根据 Hub 配置创建运行时描述，应用最终 TTL 覆盖。
func (c *Config) BuildHubRuntime(hub HubConfig) HubRuntime {
	return HubRuntime{
		Config:        hub,
		CacheTTL:      c.EffectiveCacheTTL(hub),
		MaxObjectSize: c.Cache.MaxObjectSize,
	}
}
