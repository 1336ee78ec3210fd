package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// stripeHeaderSize 与 stripe 包中 checkpoint 区域大小一致。
const stripeHeaderSize = 4096

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError("Global.CacheTTL", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := c.Cache.validate(); err != nil {
		return err
	}

	if len(c.Hubs) == 0 {
		return errors.New("至少需要配置一个 Hub")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Hubs {
		hub := &c.Hubs[i]
		if hub.Name == "" {
			return newFieldError("Hub[].Name", "不能为空")
		}
		if _, exists := seenNames[hub.Name]; exists {
			return newFieldError(hubField(hub.Name, "Name"), "重复")
		}
		seenNames[hub.Name] = struct{}{}

		if err := validateDomain(hub.Domain); err != nil {
			return fmt.Errorf("%s: %w", hubField(hub.Name, "Domain"), err)
		}
		domain := strings.ToLower(hub.Domain)
		if other, exists := seenDomains[domain]; exists {
			return newFieldError(hubField(hub.Name, "Domain"), "与 "+other+" 重复")
		}
		seenDomains[domain] = hub.Name

		if (hub.Username == "") != (hub.Password == "") {
			return newFieldError(hubField(hub.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(hub.Upstream); err != nil {
			return fmt.Errorf("%s: %w", hubField(hub.Name, "Upstream"), err)
		}
		if hub.Proxy != "" {
			if err := validateUpstream(hub.Proxy); err != nil {
				return fmt.Errorf("%s: %w", hubField(hub.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

// validate 校验卷的几何参数，保证每个 stripe 至少能容纳一个完整的聚合缓冲区。
func (c CacheConfig) validate() error {
	if c.BlockSize < 512 || c.BlockSize > stripeHeaderSize || c.BlockSize&(c.BlockSize-1) != 0 {
		return cacheFieldError("BlockSize", c.BlockSize, "必须是 512-4096 之间的 2 的幂")
	}
	if c.DirectIO && c.BlockSize != stripeHeaderSize {
		return cacheFieldError("BlockSize", c.BlockSize, fmt.Sprintf("启用 DirectIO 时必须为 %d", stripeHeaderSize))
	}
	if c.AggSize <= 0 || c.AggSize%c.BlockSize != 0 {
		return cacheFieldError("AggSize", c.AggSize, "必须为 BlockSize 的正整数倍")
	}
	if c.HighWaterMark < 0 || c.HighWaterMark > c.AggSize {
		return cacheFieldError("HighWaterMark", c.HighWaterMark, "必须在 0 与 AggSize 之间")
	}
	if c.Stripes <= 0 {
		return cacheFieldError("Stripes", c.Stripes, "必须大于 0")
	}
	if c.VolumeSize <= 0 {
		return cacheFieldError("VolumeSize", c.VolumeSize, "必须大于 0")
	}
	span := c.VolumeSize / int64(c.Stripes)
	span -= span % stripeHeaderSize
	if span-stripeHeaderSize < int64(c.AggSize) {
		return cacheFieldError("VolumeSize", c.VolumeSize, fmt.Sprintf("每个 stripe 至少需要 %d 字节", c.AggSize+stripeHeaderSize))
	}
	if c.MaxWriteBacklog < 0 || (c.MaxWriteBacklog > 0 && c.MaxWriteBacklog < c.AggSize) {
		return cacheFieldError("MaxWriteBacklog", c.MaxWriteBacklog, "为 0 或不小于 AggSize")
	}
	if c.ErrorThreshold < 0 {
		return cacheFieldError("ErrorThreshold", c.ErrorThreshold, "不能为负数")
	}
	// 0 表示使用默认刷盘周期，不允许关闭定时刷盘
	if c.SyncInterval.DurationValue() < 0 {
		return cacheFieldError("SyncInterval", c.SyncInterval.DurationValue(), "不能为负数")
	}
	if c.CheckpointInterval.DurationValue() < 0 {
		return cacheFieldError("CheckpointInterval", c.CheckpointInterval.DurationValue(), "不能为负数")
	}
	if c.MaxFragmentSize <= 0 || c.MaxFragmentSize+FragmentOverhead > c.AggSize {
		return cacheFieldError("MaxFragmentSize", c.MaxFragmentSize, fmt.Sprintf("必须大于 0 且不超过 AggSize-%d", FragmentOverhead))
	}
	if c.MaxObjectSize <= 0 {
		return cacheFieldError("MaxObjectSize", c.MaxObjectSize, "必须大于 0")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// EffectiveCacheTTL 返回特定 Hub 生效的 TTL，未覆盖时回退至全局值。
func (c *Config) EffectiveCacheTTL(h HubConfig) time.Duration {
	if h.CacheTTL.DurationValue() > 0 {
		return h.CacheTTL.DurationValue()
	}
	return c.Global.CacheTTL.DurationValue()
}
