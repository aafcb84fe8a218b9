package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/storyloom/storyloom/core/agent"
)

func newTestRegistry(t *testing.T) (*JobRegistry, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	reg := NewJobRegistryWithClient(client)
	t.Cleanup(func() { _ = reg.Close() })
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	reg.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return reg, srv
}

func TestRecordAndGetJob(t *testing.T) {
	reg, srv := newTestRegistry(t)
	ctx := context.Background()

	err := reg.RecordJob(ctx, JobRecord{ThreadID: "t-1", AgentRunID: "r-1", Principal: "user-1", Prompt: "a fox"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	rec, err := reg.GetJob(ctx, "r-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Handle() != (agent.JobHandle{ThreadID: "t-1", AgentRunID: "r-1"}) {
		t.Fatalf("unexpected handle %#v", rec.Handle())
	}
	if rec.Status != agent.StatePending || rec.Principal != "user-1" || rec.Prompt != "a fox" {
		t.Fatalf("unexpected record %#v", rec)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps")
	}
	if ttl := srv.TTL(jobMetaKey("r-1")); ttl != defaultRegistryTTL {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestRecordJobRequiresHandle(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.RecordJob(context.Background(), JobRecord{ThreadID: "t-1"}); err == nil {
		t.Fatalf("expected error for missing run id")
	}
}

func TestRecordJobClipsPrompt(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	long := strings.Repeat("é", maxPromptChars+10)
	if err := reg.RecordJob(ctx, JobRecord{ThreadID: "t", AgentRunID: "r", Prompt: long}); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec, _ := reg.GetJob(ctx, "r")
	if !strings.HasSuffix(rec.Prompt, "…") || len([]rune(rec.Prompt)) != maxPromptChars+1 {
		t.Fatalf("unexpected clipped prompt length %d", len([]rune(rec.Prompt)))
	}
}

func TestUpdateStatus(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.RecordJob(ctx, JobRecord{ThreadID: "t-1", AgentRunID: "r-1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	progress := 40.0
	if err := reg.UpdateStatus(ctx, "r-1", &agent.JobStatus{Status: agent.StateRunning, Progress: &progress}); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, _ := reg.GetJob(ctx, "r-1")
	if rec.Status != agent.StateRunning || rec.Progress == nil || *rec.Progress != 40 {
		t.Fatalf("unexpected record %#v", rec)
	}

	if err := reg.UpdateStatus(ctx, "r-1", &agent.JobStatus{Status: agent.StateCompleted}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := reg.UpdateStatus(ctx, "r-1", &agent.JobStatus{Status: agent.StateRunning}); err != nil {
		t.Fatalf("update after terminal: %v", err)
	}
	rec, _ = reg.GetJob(ctx, "r-1")
	if rec.Status != agent.StateCompleted {
		t.Fatalf("terminal status must stick, got %s", rec.Status)
	}
}

func TestUpdateStatusUnknownJob(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.UpdateStatus(context.Background(), "missing", &agent.JobStatus{Status: agent.StateRunning})
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := reg.GetJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListRecentPerPrincipal(t *testing.T) {
	reg, srv := newTestRegistry(t)
	ctx := context.Background()
	for i, id := range []string{"r-1", "r-2", "r-3"} {
		rec := JobRecord{
			ThreadID:   "t-" + id,
			AgentRunID: id,
			Principal:  "user-1",
			CreatedAt:  time.Date(2026, 5, 1, 10, i, 0, 0, time.UTC),
		}
		if err := reg.RecordJob(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := reg.RecordJob(ctx, JobRecord{ThreadID: "t-x", AgentRunID: "r-x", Principal: "user-2"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := reg.ListRecent(ctx, "user-1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].AgentRunID != "r-3" || got[1].AgentRunID != "r-2" {
		t.Fatalf("unexpected order %#v", got)
	}

	srv.Del(jobMetaKey("r-3"))
	got, err = reg.ListRecent(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].AgentRunID != "r-2" {
		t.Fatalf("expired records must be skipped, got %#v", got)
	}

	none, err := reg.ListRecent(ctx, "nobody", 5)
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty list, got %v %v", none, err)
	}
}

func TestAnonymousPrincipalIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	if err := reg.RecordJob(ctx, JobRecord{ThreadID: "t", AgentRunID: "r"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := reg.ListRecent(ctx, "", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected anonymous listing, got %v %v", got, err)
	}
}

func TestRegistryTTLEnv(t *testing.T) {
	t.Setenv(envJobRegistryTTL, "90m")
	if got := registryTTL(); got != 90*time.Minute {
		t.Fatalf("unexpected ttl %v", got)
	}
	t.Setenv(envJobRegistryTTL, "120")
	if got := registryTTL(); got != 2*time.Minute {
		t.Fatalf("unexpected ttl %v", got)
	}
	t.Setenv(envJobRegistryTTL, "bogus")
	if got := registryTTL(); got != defaultRegistryTTL {
		t.Fatalf("unexpected ttl %v", got)
	}
}

func TestPing(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if err := reg.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
