package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 hub/domain/命中状态字段，供代理请求日志复用。
func RequestFields(hub, domain string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"hub":       hub,
		"domain":    domain,
		"cache_hit": cacheHit,
	}
}

// StripeFields 描述 stripe 在卷内的位置。
func StripeFields(stripe int, base, extent uint64) logrus.Fields {
	return logrus.Fields{
		"stripe":        stripe,
		"stripe_base":   base,
		"stripe_extent": extent,
	}
}

// ObjectFields 描述缓存对象的片段布局。
func ObjectFields(key string, size int64, fragments int) logrus.Fields {
	return logrus.Fields{
		"object_key": key,
		"size":       size,
		"fragments":  fragments,
	}
}
