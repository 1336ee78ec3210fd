package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

type cacheFlowStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	hits     int
	headHits int
	status   int
	body     []byte
	etag     string
	etagVer  int
	lastMod  string
}

func newCacheFlowStub(t *testing.T, paths ...string) *cacheFlowStub {
	t.Helper()
	stub := &cacheFlowStub{
		status:  http.StatusOK,
		body:    []byte("upstream payload"),
		etag:    `"etag-v1"`,
		etagVer: 1,
		lastMod: time.Now().UTC().Format(http.TimeFormat),
	}

	if len(paths) == 0 {
		paths = []string{"/pkg"}
	}

	mux := http.NewServeMux()
	for _, p := range paths {
		mux.HandleFunc(p, stub.handle)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start stub listener: %v", err)
	}

	server := &http.Server{Handler: mux}
	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(stub.Close)

	return stub
}

func (s *cacheFlowStub) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *cacheFlowStub) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	etag := s.etag
	lastMod := s.lastMod
	status := s.status
	body := s.body
	if r.Method == http.MethodHead {
		s.headHits++
	} else {
		s.hits++
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Etag", etag)
	w.Header().Set("Last-Modified", lastMod)
	if r.Method == http.MethodHead {
		for _, candidate := range r.Header.Values("If-None-Match") {
			if strings.Trim(candidate, `"`) == strings.Trim(etag, `"`) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
		w.WriteHeader(status)
		return
	}

	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *cacheFlowStub) UpdateBody(body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = body
	s.etagVer++
	s.etag = fmt.Sprintf(`"etag-v%d"`, s.etagVer)
	s.lastMod = time.Now().UTC().Add(2 * time.Second).Format(http.TimeFormat)
}

func (s *cacheFlowStub) SetStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *cacheFlowStub) Hits() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.headHits
}

type bearerStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	expectedBasic string
	tokenValue    string

	mu           sync.Mutex
	tokenAuth    string
	manifestHits int
	tokenHits    int
}

func newBearerStub(t *testing.T, username, password string) *bearerStub {
	t.Helper()
	stub := &bearerStub{
		expectedBasic: "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password)),
		tokenValue:    "test-token",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/alpine/manifests/latest", stub.handleManifest)
	mux.HandleFunc("/token", stub.handleToken)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start bearer stub listener: %v", err)
	}
	server := &http.Server{Handler: mux}
	stub.server = server
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		_ = listener.Close()
	})

	return stub
}

func (s *bearerStub) handleManifest(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.manifestHits++
	success := r.Header.Get("Authorization") == "Bearer "+s.tokenValue
	s.mu.Unlock()

	if success {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"schemaVersion":2}`))
		return
	}

	w.Header().Set("Www-Authenticate", fmt.Sprintf(`Bearer realm="%s/token",service="registry.test",scope="repository:library/alpine:pull"`, s.URL))
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte("token required"))
}

func (s *bearerStub) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenHits++
	s.tokenAuth = r.Header.Get("Authorization")
	valid := s.tokenAuth == s.expectedBasic &&
		r.URL.Query().Get("service") == "registry.test" &&
		r.URL.Query().Get("scope") == "repository:library/alpine:pull"
	s.mu.Unlock()

	if !valid {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid credentials"))
		return
	}

	data, _ := json.Marshal(map[string]string{"token": s.tokenValue})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *bearerStub) Hits() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifestHits, s.tokenHits
}
