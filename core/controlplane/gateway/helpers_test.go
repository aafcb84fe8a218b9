package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/storyloom/storyloom/core/agent"
	"github.com/storyloom/storyloom/core/auth"
	"github.com/storyloom/storyloom/core/infra/bus"
	"github.com/storyloom/storyloom/core/infra/memory"
)

type upstreamCall struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

// fakeUpstream records every call made to the agent service.
type fakeUpstream struct {
	mu    sync.Mutex
	calls []upstreamCall
	srv   *httptest.Server
}

func newFakeUpstream(t *testing.T, handler http.HandlerFunc) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := upstreamCall{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &call.Body)
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func writeUpstreamJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// storyUpstream behaves like a healthy agent service.
func storyUpstream(statuses ...map[string]any) http.HandlerFunc {
	var mu sync.Mutex
	n := 0
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/thread":
			writeUpstreamJSON(w, http.StatusOK, map[string]any{"thread_id": "t-1"})
		case r.URL.Path == "/api/thread/t-1/agent/start":
			writeUpstreamJSON(w, http.StatusOK, map[string]any{"agent_run_id": "r-1"})
		case r.URL.Path == "/api/agent/status":
			mu.Lock()
			idx := n
			if idx >= len(statuses) {
				idx = len(statuses) - 1
			}
			n++
			mu.Unlock()
			if idx < 0 {
				writeUpstreamJSON(w, http.StatusOK, map[string]any{"status": "running"})
				return
			}
			writeUpstreamJSON(w, http.StatusOK, statuses[idx])
		default:
			http.NotFound(w, r)
		}
	}
}

type gatewayOption func(*Deps)

func withVerifier(v auth.Verifier) gatewayOption {
	return func(d *Deps) { d.Verifier = v }
}

func withLimiter(tb *tokenBucket) gatewayOption {
	return func(d *Deps) { d.Limiter = tb }
}

func withEvents(p bus.Publisher) gatewayOption {
	return func(d *Deps) { d.Events = p }
}

func withRegistry(t *testing.T) (gatewayOption, *memory.JobRegistry) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	reg := memory.NewJobRegistryWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = reg.Close() })
	return func(d *Deps) { d.Registry = reg }, reg
}

func newTestGateway(t *testing.T, upstream *fakeUpstream, opts ...gatewayOption) *httptest.Server {
	t.Helper()
	client := agent.NewClient(agent.ClientConfig{
		BaseURL:    upstream.srv.URL,
		ThreadPath: "/api/thread",
		StatusPath: "/api/agent/status",
	})
	resolver := agent.NewResolver(client, nil, nil, nil)
	deps := Deps{
		Orchestrator: agent.NewOrchestrator(client, resolver, nil, nil),
		Status:       client,
		Poll:         agent.PollOptions{Interval: time.Millisecond, MaxAttempts: 5},
		UpstreamBase: upstream.srv.URL,
		Candidates:   []string{"thread-agent-start", "agent-start", "agent-runs", "agent-generate"},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	srv := httptest.NewServer(newServer(deps).routes())
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &out)
	}
	return resp, out
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []bus.JobEvent
}

func (p *recordingPublisher) PublishJobEvent(_ context.Context, evt bus.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Types() []bus.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]bus.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
