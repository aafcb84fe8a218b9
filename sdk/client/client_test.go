package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/storyloom/storyloom/core/agent"
)

func newGateway(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "tok")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestStartJob(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/job/start" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer, got %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "a dragon" || body["ageGroup"] != "6-8" {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]string{"threadId": "t-1", "agentRunId": "r-1"})
	})

	handle, err := c.StartJob(context.Background(), &StartJobRequest{Prompt: "a dragon", AgeGroup: "6-8"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if handle.ThreadID != "t-1" || handle.AgentRunID != "r-1" {
		t.Fatalf("unexpected handle %#v", handle)
	}
}

func TestStartJobRequiresPrompt(t *testing.T) {
	c := New("http://127.0.0.1:1", "tok")
	if _, err := c.StartJob(context.Background(), &StartJobRequest{Prompt: "  "}); err == nil {
		t.Fatalf("expected error for blank prompt")
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "could not start the story job",
			"details": "tried a, b",
		})
	})
	_, err := c.StartJob(context.Background(), &StartJobRequest{Prompt: "p"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "could not start the story job" || apiErr.Details != "tried a, b" {
		t.Fatalf("unexpected error %#v", apiErr)
	}
	if !IsStatus(err, http.StatusBadGateway) || IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("IsStatus mismatch for %v", err)
	}
}

func TestAPIErrorPlainBody(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	})
	_, err := c.GetStatus(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "nope" || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestJobStatus(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("threadId") != "t-1" || r.URL.Query().Get("agentRunId") != "r-1" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "running", "progress": 20, "story": nil, "result": nil, "completed": false, "failed": false})
	})
	st, err := c.JobStatus(context.Background(), agent.JobHandle{ThreadID: "t-1", AgentRunID: "r-1"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != agent.StateRunning || st.Progress == nil || *st.Progress != 20 {
		t.Fatalf("unexpected status %#v", st)
	}
	if _, err := c.JobStatus(context.Background(), agent.JobHandle{ThreadID: "t-1"}); err == nil {
		t.Fatalf("expected error for incomplete handle")
	}
}

func TestWaitForJob(t *testing.T) {
	var calls atomic.Int32
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusOK, map[string]any{"status": "running"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "story": "The end.", "completed": true})
	})

	var seen []agent.State
	st, err := c.WaitForJob(context.Background(), agent.JobHandle{ThreadID: "t-1", AgentRunID: "r-1"}, agent.PollOptions{
		Interval:    time.Millisecond,
		MaxAttempts: 10,
		OnStatus:    func(_ int, s *agent.JobStatus) { seen = append(seen, s.Status) },
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !st.Completed || st.Story != "The end." {
		t.Fatalf("unexpected final status %#v", st)
	}
	if len(seen) != 3 || seen[2] != agent.StateCompleted {
		t.Fatalf("unexpected observed states %v", seen)
	}
}

func TestWaitForJobTimeout(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "running"})
	})
	st, err := c.WaitForJob(context.Background(), agent.JobHandle{ThreadID: "t-1", AgentRunID: "r-1"}, agent.PollOptions{
		Interval:    time.Millisecond,
		MaxAttempts: 2,
	})
	if !errors.Is(err, agent.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if st == nil || st.Status != agent.StateRunning {
		t.Fatalf("expected last snapshot, got %#v", st)
	}
}

func TestRecentJobs(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/job/recent" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": []map[string]any{
			{"threadId": "t-1", "agentRunId": "r-1", "status": "completed", "createdAt": "2026-01-02T03:04:05Z"},
		}})
	})
	jobs, err := c.RecentJobs(context.Background(), 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(jobs) != 1 || jobs[0].AgentRunID != "r-1" || jobs[0].CreatedAt.Year() != 2026 {
		t.Fatalf("unexpected jobs %#v", jobs)
	}
}
