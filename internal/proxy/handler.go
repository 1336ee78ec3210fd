package proxy

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/stripecache/stripecache/internal/cache"
	"github.com/stripecache/stripecache/internal/server"
)

// storeTimeout 限制后台缓存写入的最长等待时间。
const storeTimeout = 2 * time.Minute

// Handler 负责 orchestrate “缓存命中 → revalidate → 回源写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client 与卷缓存。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
	store  cache.Store
	stores sync.WaitGroup
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/store.
func NewHandler(client *http.Client, logger *logrus.Logger, store cache.Store) *Handler {
	return &Handler{
		client: client,
		logger: logger,
		store:  store,
	}
}

// Wait 阻塞直到所有后台缓存写入结束，关闭卷之前调用。
func (h *Handler) Wait() {
	h.stores.Wait()
}

// Handle 执行缓存查找、条件回源和最终 streaming 逻辑，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.HubRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	rawQuery := append([]byte(nil), c.Request().URI().QueryString()...)
	cleanPath := normalizeRequestPath(string(c.Request().URI().Path()))
	locator := buildLocator(route, cleanPath, rawQuery)
	policy := determineCachePolicy(c.Method())
	strategyWriter := cache.NewStrategyWriter(h.store, cache.Strategy{
		TTL:        route.CacheTTL,
		Revalidate: true,
	})

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var cached *cache.ReadResult
	if strategyWriter.Enabled() && policy.allowCache {
		result, err := h.store.Get(ctx, locator)
		switch {
		case err == nil:
			cached = result
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			h.logger.WithError(err).
				WithFields(logrus.Fields{"hub": route.Config.Name, "path": locator.Path}).
				Warn("cache_get_failed")
		}
	}

	if cached != nil {
		serve := true
		if policy.requireRevalidate {
			if strategyWriter.ShouldBypassValidation(cached.Entry) {
				serve = true
			} else if strategyWriter.SupportsValidation() {
				fresh, err := h.isCacheFresh(c, route, locator, cached.Entry)
				if err != nil {
					h.logger.WithError(err).
						WithFields(logrus.Fields{"hub": route.Config.Name, "path": locator.Path}).
						Warn("cache_revalidate_failed")
					serve = false
				} else if !fresh {
					serve = false
				}
			} else {
				serve = false
			}
		}
		if serve {
			return h.serveCache(c, route, cached, requestID, started)
		}
		cached.Reader.Close()
	}

	return h.fetchAndStream(c, route, locator, policy, strategyWriter, requestID, started)
}

func (h *Handler) serveCache(
	c fiber.Ctx,
	route *server.HubRoute,
	result *cache.ReadResult,
	requestID string,
	started time.Time,
) error {
	defer result.Reader.Close()
	entry := result.Entry

	contentType := entry.ContentType
	if contentType == "" {
		contentType = inferCachedContentType(entry.Locator)
	}
	if contentType != "" {
		c.Set("Content-Type", contentType)
	} else {
		c.Response().Header.Del("Content-Type")
	}
	c.Response().Header.SetContentLength(int(entry.SizeBytes))
	if entry.ETag != "" {
		c.Set("ETag", quoteETag(entry.ETag))
	}
	if !entry.ModTime.IsZero() {
		c.Set("Last-Modified", entry.ModTime.UTC().Format(http.TimeFormat))
	}

	server.SetCacheHeaders(c, route.UpstreamURL.String(), true)

	status := fiber.StatusOK
	c.Status(status)

	if c.Method() == http.MethodHead {
		h.logResult(route, route.UpstreamURL.String(), requestID, status, true, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), result.Reader)
	h.logResult(route, route.UpstreamURL.String(), requestID, status, true, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

func (h *Handler) fetchAndStream(
	c fiber.Ctx,
	route *server.HubRoute,
	locator cache.Locator,
	policy cachePolicy,
	writer cache.StrategyWriter,
	requestID string,
	started time.Time,
) error {
	resp, upstreamURL, err := h.executeRequest(c, route)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, upstreamURL, err = h.retryOnAuthFailure(c, route, requestID, resp, upstreamURL)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	shouldStore := policy.allowStore && writer.Enabled() && isCacheableStatus(resp.StatusCode) &&
		c.Method() == http.MethodGet && fitsObjectLimit(route, resp.ContentLength)
	return h.consumeUpstream(c, route, locator, resp, shouldStore, writer, requestID, started)
}

func (h *Handler) consumeUpstream(
	c fiber.Ctx,
	route *server.HubRoute,
	locator cache.Locator,
	resp *http.Response,
	shouldStore bool,
	writer cache.StrategyWriter,
	requestID string,
	started time.Time,
) error {
	upstreamURL := resp.Request.URL.String()
	authFailure := isAuthFailure(resp.StatusCode) && route.Config.HasCredentials()

	copyResponseHeaders(c, resp.Header)
	server.SetCacheHeaders(c, upstreamURL, false)
	c.Status(resp.StatusCode)

	if authFailure {
		h.logAuthFailure(route, upstreamURL, requestID, resp.StatusCode)
	}

	if c.Method() == http.MethodHead {
		h.logResult(route, upstreamURL, requestID, resp.StatusCode, false, started, nil)
		return nil
	}

	var dst io.Writer = c.Response().BodyWriter()
	var sp *spool
	if shouldStore {
		sp = newSpool(route.MaxObjectSize)
		dst = io.MultiWriter(dst, sp)
	}

	_, err := io.Copy(dst, resp.Body)
	h.logResult(route, upstreamURL, requestID, resp.StatusCode, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}

	if sp != nil && !sp.overflow {
		h.storeAsync(route, locator, writer, sp.buf.Bytes(), cache.PutOptions{
			ModTime:     extractModTime(resp.Header),
			ContentType: resp.Header.Get("Content-Type"),
			ETag:        responseETag(resp),
		}, requestID)
	}
	return nil
}

// storeAsync 在后台把响应写入缓存，失败只记录日志，不影响已返回的响应。
func (h *Handler) storeAsync(
	route *server.HubRoute,
	locator cache.Locator,
	writer cache.StrategyWriter,
	body []byte,
	opts cache.PutOptions,
	requestID string,
) {
	h.stores.Add(1)
	go func() {
		defer h.stores.Done()
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		entry, err := writer.Put(ctx, locator, bytes.NewReader(body), opts)
		fields := server.LogFields(route, requestID, false)
		fields["action"] = "cache_store"
		fields["path"] = locator.Path
		if err != nil {
			fields["error"] = err.Error()
			h.logger.WithFields(fields).Warn("cache_store_failed")
			return
		}
		fields["size"] = entry.SizeBytes
		fields["fragments"] = entry.Fragments
		h.logger.WithFields(fields).Debug("cache_store_complete")
	}()
}

// spool 在透传的同时缓存正文，超过 limit 后丢弃已缓存内容。
type spool struct {
	buf      bytes.Buffer
	limit    int64
	overflow bool
}

func newSpool(limit int64) *spool {
	return &spool{limit: limit}
}

func (s *spool) Write(p []byte) (int, error) {
	if s.overflow {
		return len(p), nil
	}
	if s.limit > 0 && int64(s.buf.Len()+len(p)) > s.limit {
		s.overflow = true
		s.buf = bytes.Buffer{}
		return len(p), nil
	}
	return s.buf.Write(p)
}

func fitsObjectLimit(route *server.HubRoute, contentLength int64) bool {
	if route.MaxObjectSize <= 0 || contentLength < 0 {
		return true
	}
	return contentLength <= route.MaxObjectSize
}

func (h *Handler) executeRequest(c fiber.Ctx, route *server.HubRoute) (*http.Response, *url.URL, error) {
	return h.executeRequestWithAuth(c, route, "")
}

func (h *Handler) executeRequestWithAuth(
	c fiber.Ctx,
	route *server.HubRoute,
	authHeader string,
) (*http.Response, *url.URL, error) {
	upstreamURL := resolveUpstreamURL(route.UpstreamURL, c)
	body := bytesReader(c.Body())
	req, err := h.buildUpstreamRequest(c, upstreamURL, route, c.Method(), body, authHeader)
	if err != nil {
		return nil, upstreamURL, err
	}

	resp, err := h.doRequest(req, route)
	return resp, upstreamURL, err
}

func (h *Handler) buildUpstreamRequest(
	c fiber.Ctx,
	upstream *url.URL,
	route *server.HubRoute,
	method string,
	body io.Reader,
	overrideAuth string,
) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if body == nil {
		body = http.NoBody
	}

	req, err := http.NewRequestWithContext(ctx, method, upstream.String(), body)
	if err != nil {
		return nil, err
	}

	requestHeaders := fiberHeadersAsHTTP(c)
	server.CopyHeaders(req.Header, requestHeaders)
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))

	if overrideAuth != "" {
		req.Header.Set("Authorization", overrideAuth)
	} else if authHeader := buildCredentialHeader(route.Config.Username, route.Config.Password); authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	return req, nil
}

func (h *Handler) doRequest(req *http.Request, route *server.HubRoute) (*http.Response, error) {
	return server.ClientForRoute(h.client, route).Do(req)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.HubRoute,
	upstream string,
	requestID string,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := server.LogFields(route, requestID, cacheHit)
	fields["action"] = "proxy"
	fields["auth_mode"] = route.Config.AuthMode()
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func inferCachedContentType(locator cache.Locator) string {
	clean := stripQueryMarker(locator.Path)
	switch {
	case strings.HasSuffix(clean, ".zip"):
		return "application/zip"
	case strings.HasSuffix(clean, ".json"):
		return "application/json"
	case strings.HasSuffix(clean, ".mod"):
		return "text/plain"
	case strings.HasSuffix(clean, ".info"):
		return "application/json"
	case strings.HasSuffix(clean, ".tgz"):
		return "application/octet-stream"
	case strings.HasSuffix(clean, "/@v/list"):
		return "text/plain"
	case strings.HasSuffix(clean, ".whl"):
		return "application/octet-stream"
	case strings.HasSuffix(clean, ".tar.gz"), strings.HasSuffix(clean, ".tar.bz2"):
		return "application/x-tar"
	}

	return ""
}

// buildLocator 把查询串折叠为 /__qs/<sha1>，使不同查询参数映射到不同缓存对象。
func buildLocator(route *server.HubRoute, clean string, rawQuery []byte) cache.Locator {
	if len(rawQuery) > 0 {
		sum := sha1.Sum(rawQuery)
		clean = fmt.Sprintf("%s/__qs/%s", clean, hex.EncodeToString(sum[:]))
	}
	return cache.Locator{
		HubName: route.Config.Name,
		Path:    clean,
	}
}

func stripQueryMarker(p string) string {
	if idx := strings.Index(p, "/__qs/"); idx >= 0 {
		return p[:idx]
	}
	return p
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	return path.Clean("/" + raw)
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean, RawPath: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range server.ForwardableHeaders(headers) {
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.HubRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}

type cachePolicy struct {
	allowCache        bool
	allowStore        bool
	requireRevalidate bool
}

func determineCachePolicy(method string) cachePolicy {
	if method != http.MethodGet {
		return cachePolicy{}
	}
	return cachePolicy{allowCache: true, allowStore: true, requireRevalidate: true}
}

func isCacheableStatus(status int) bool {
	return status == http.StatusOK
}

func (h *Handler) isCacheFresh(
	c fiber.Ctx,
	route *server.HubRoute,
	locator cache.Locator,
	entry cache.Entry,
) (bool, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	upstreamURL := resolveUpstreamURL(route.UpstreamURL, c)
	resp, err := h.revalidateRequest(c, route, upstreamURL, entry, "")
	if err != nil {
		return false, err
	}

	if shouldRetryAuth(route, resp.StatusCode) {
		challenge, ok := parseBearerChallenge(resp.Header.Values("Www-Authenticate"))
		resp.Body.Close()

		authHeader := ""
		if ok {
			token, err := h.fetchBearerToken(ctx, challenge, route)
			if err != nil {
				return false, err
			}
			authHeader = "Bearer " + token
		}

		resp, err = h.revalidateRequest(c, route, upstreamURL, entry, authHeader)
		if err != nil {
			return false, err
		}
	}

	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return true, nil
	case http.StatusOK:
		if etag := responseETag(resp); etag != "" && entry.ETag != "" {
			return etag == entry.ETag, nil
		}
		remote := extractModTime(resp.Header)
		if !remote.After(entry.ModTime.Add(time.Second)) {
			return true, nil
		}
		return false, nil
	case http.StatusNotFound:
		if h.store != nil {
			_ = h.store.Remove(ctx, locator)
		}
		return false, nil
	default:
		return false, nil
	}
}

func (h *Handler) revalidateRequest(
	c fiber.Ctx,
	route *server.HubRoute,
	upstreamURL *url.URL,
	entry cache.Entry,
	overrideAuth string,
) (*http.Response, error) {
	req, err := h.buildUpstreamRequest(c, upstreamURL, route, http.MethodHead, http.NoBody, overrideAuth)
	if err != nil {
		return nil, err
	}
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", quoteETag(entry.ETag))
	}
	return h.doRequest(req, route)
}

func extractModTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}

func responseETag(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	etag := resp.Header.Get("Docker-Content-Digest")
	if etag == "" {
		etag = resp.Header.Get("Etag")
	}
	return normalizeETag(etag)
}

func normalizeETag(value string) string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "W/")
	if value == "" {
		return ""
	}
	return strings.Trim(value, "\"")
}

func quoteETag(value string) string {
	return "\"" + value + "\""
}
