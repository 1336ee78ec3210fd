package volume

import (
	"sync"
	"time"
)

// StripeHealth 是单个 stripe 的健康快照。
type StripeHealth struct {
	Stripe            int       `json:"stripe"`
	Online            bool      `json:"online"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	LastErrorAt       time.Time `json:"last_error_at,omitempty"`
}

// Health 汇总各 stripe 的刷盘结果，实现 stripe.HealthReporter。
type Health struct {
	mu      sync.RWMutex
	stripes []StripeHealth
}

func newHealth(n int) *Health {
	h := &Health{stripes: make([]StripeHealth, n)}
	for i := range h.stripes {
		h.stripes[i] = StripeHealth{Stripe: i, Online: true}
	}
	return h
}

func (h *Health) FlushSucceeded(stripe int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stripes[stripe].ConsecutiveErrors = 0
}

func (h *Health) FlushFailed(stripe int, err error, consecutive int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &h.stripes[stripe]
	s.ConsecutiveErrors = consecutive
	s.LastError = err.Error()
	s.LastErrorAt = time.Now()
}

func (h *Health) StripeOffline(stripe int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := &h.stripes[stripe]
	s.Online = false
	s.LastError = err.Error()
	s.LastErrorAt = time.Now()
}

// Online 报告 stripe 是否仍可写。
func (h *Health) Online(stripe int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stripes[stripe].Online
}

// Snapshot 返回所有 stripe 的健康状态副本。
func (h *Health) Snapshot() []StripeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]StripeHealth, len(h.stripes))
	copy(out, h.stripes)
	return out
}

// OnlineCount 返回在线 stripe 数量。
func (h *Health) OnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.stripes {
		if s.Online {
			n++
		}
	}
	return n
}
