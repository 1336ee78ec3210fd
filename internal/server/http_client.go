package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/stripecache/stripecache/internal/config"
)

// 上游请求共用的 Transport 参数。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回所有 Hub 共享的 http.Client，超时取 Global.UpstreamTimeout。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

type routeClientKey struct {
	base  *http.Client
	proxy string
}

// routeClients 按 (基础 client, 代理地址) 缓存派生 client，保证同一代理复用连接池。
var routeClients sync.Map

// ClientForRoute 返回访问 route 上游应使用的 client。未配置 Proxy 时直接返回 base。
func ClientForRoute(base *http.Client, route *HubRoute) *http.Client {
	if route == nil || route.ProxyURL == nil {
		return base
	}
	key := routeClientKey{base: base, proxy: route.ProxyURL.String()}
	if cached, ok := routeClients.Load(key); ok {
		return cached.(*http.Client)
	}

	transport := defaultTransport.Clone()
	if t, ok := base.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	}
	transport.Proxy = http.ProxyURL(route.ProxyURL)
	client := *base
	client.Transport = transport

	actual, _ := routeClients.LoadOrStore(key, &client)
	return actual.(*http.Client)
}

// hopByHopHeaders 是 RFC 7230 规定代理不得转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// 本服务自己写入的响应头，不接受来自上游或客户端的同名值。
var localHeaders = map[string]struct{}{
	HeaderHost:     {},
	HeaderUpstream: {},
	HeaderCacheHit: {},
}

// ForwardableHeaders 返回 src 中可以跨越代理的部分：去掉 hop-by-hop 头、
// Connection 中点名的头以及本服务的标记头。
func ForwardableHeaders(src http.Header) http.Header {
	named := connectionTokens(src)
	out := make(http.Header, len(src))
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if isHopByHopHeader(canonical) {
			continue
		}
		if _, ok := localHeaders[canonical]; ok {
			continue
		}
		if _, ok := named[canonical]; ok {
			continue
		}
		out[canonical] = append(out[canonical], values...)
	}
	return out
}

// CopyHeaders 将 src 中允许透传的头追加到 dst。
func CopyHeaders(dst, src http.Header) {
	for key, values := range ForwardableHeaders(src) {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func connectionTokens(h http.Header) map[string]struct{} {
	var named map[string]struct{}
	for _, line := range h.Values("Connection") {
		for _, token := range strings.Split(line, ",") {
			token = strings.TrimSpace(token)
			if token == "" {
				continue
			}
			if named == nil {
				named = make(map[string]struct{})
			}
			named[textproto.CanonicalMIMEHeaderKey(token)] = struct{}{}
		}
	}
	return named
}

func isHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
