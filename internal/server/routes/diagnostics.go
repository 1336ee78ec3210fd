package routes

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/stripecache/stripecache/internal/server"
	"github.com/stripecache/stripecache/internal/volume"
)

// StripeSource 提供各 stripe 的运行状态，*volume.Volume 满足该接口。
type StripeSource interface {
	Stats() []volume.StripeStatus
}

// ObjectCounter 返回缓存索引中的对象数量。
type ObjectCounter interface {
	Objects() int
}

// RegisterDiagnosticsRoutes 暴露 /-/stripes 与 /-/hubs 诊断接口，供 SRE 查看写入聚合与 Hub 绑定情况。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.HubRegistry, stripes StripeSource, objects ObjectCounter) {
	if app == nil || registry == nil || stripes == nil {
		return
	}

	app.Get("/-/stripes", func(c fiber.Ctx) error {
		stats := stripes.Stats()
		payload := fiber.Map{
			"stripes": stats,
			"online":  countOnline(stats),
		}
		if objects != nil {
			payload["objects"] = objects.Objects()
		}
		return c.JSON(payload)
	})

	app.Get("/-/stripes/:id", func(c fiber.Ctx) error {
		id, err := strconv.Atoi(strings.TrimSpace(c.Params("id")))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "stripe_id_invalid"})
		}
		stats := stripes.Stats()
		if id < 0 || id >= len(stats) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "stripe_not_found"})
		}
		return c.JSON(stats[id])
	})

	app.Get("/-/hubs", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"hubs": encodeHubBindings(registry.List()),
		})
	})
}

type hubBindingPayload struct {
	HubName       string `json:"hub_name"`
	Domain        string `json:"domain"`
	Port          int    `json:"port"`
	Upstream      string `json:"upstream"`
	AuthMode      string `json:"auth_mode"`
	CacheTTL      int64  `json:"cache_ttl_seconds"`
	MaxObjectSize int64  `json:"max_object_size"`
}

func encodeHubBindings(routes []server.HubRoute) []hubBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]hubBindingPayload, 0, len(routes))
	for _, route := range routes {
		upstream := ""
		if route.UpstreamURL != nil {
			upstream = route.UpstreamURL.String()
		}
		result = append(result, hubBindingPayload{
			HubName:       route.Config.Name,
			Domain:        route.Config.Domain,
			Port:          route.ListenPort,
			Upstream:      upstream,
			AuthMode:      route.Config.AuthMode(),
			CacheTTL:      int64(route.CacheTTL / time.Second),
			MaxObjectSize: route.MaxObjectSize,
		})
	}
	return result
}

func countOnline(stats []volume.StripeStatus) int {
	online := 0
	for _, s := range stats {
		if s.Health.Online {
			online++
		}
	}
	return online
}
