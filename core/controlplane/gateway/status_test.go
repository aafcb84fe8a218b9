package gateway

import (
	"io"
	"net/http"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/storyloom/storyloom/core/auth"
	"github.com/storyloom/storyloom/core/infra/memory"
)

type stubBus struct{ state string }

func (b stubBus) IsConnected() bool { return b.state == "CONNECTED" }
func (b stubBus) Status() string    { return b.state }

func TestHealth(t *testing.T) {
	gw := newTestGateway(t, newFakeUpstream(t, storyUpstream()))
	resp, err := http.Get(gw.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", resp.StatusCode, body)
	}
}

func TestStatusDefaults(t *testing.T) {
	upstream := newFakeUpstream(t, storyUpstream())
	gw := newTestGateway(t, upstream)

	resp, body := doRequest(t, http.MethodGet, gw.URL+"/status", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["upstream"] != upstream.srv.URL || body["token_auth"] != "passthrough" {
		t.Fatalf("unexpected status %v", body)
	}
	if body["registry"] != "disabled" || body["bus"] != "disabled" {
		t.Fatalf("optional components must report disabled, got %v", body)
	}
	candidates, _ := body["candidates"].([]any)
	if len(candidates) != 4 || candidates[0] != "thread-agent-start" {
		t.Fatalf("unexpected candidates %v", body["candidates"])
	}
	build, _ := body["build"].(map[string]any)
	if build["version"] == nil {
		t.Fatalf("expected build info, got %v", body["build"])
	}
}

func TestStatusWithComponents(t *testing.T) {
	v, err := auth.NewSupabaseVerifier("https://proj.supabase.co", "secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	regOpt, _ := withRegistry(t)
	withBus := func(d *Deps) { d.BusState = stubBus{state: "CONNECTED"} }
	gw := newTestGateway(t, newFakeUpstream(t, storyUpstream()), regOpt, withVerifier(v), withBus)

	_, body := doRequest(t, http.MethodGet, gw.URL+"/status", "", "")
	if body["token_auth"] != "verified" || body["registry"] != "ok" || body["bus"] != "CONNECTED" {
		t.Fatalf("unexpected status %v", body)
	}
}

func TestStatusHidesRegistryError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := mr.Addr()
	mr.Close()
	reg := memory.NewJobRegistryWithClient(redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1}))
	t.Cleanup(func() { _ = reg.Close() })
	withReg := func(d *Deps) { d.Registry = reg }
	gw := newTestGateway(t, newFakeUpstream(t, storyUpstream()), withReg)

	_, body := doRequest(t, http.MethodGet, gw.URL+"/status", "", "")
	if body["registry"] != "error" {
		t.Fatalf("expected bare error state, got %v", body["registry"])
	}
}
