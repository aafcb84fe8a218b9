package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/storyloom/storyloom/core/agent"
)

func TestNewJobEvent(t *testing.T) {
	evt := NewJobEvent(EventJobStarted, agent.JobHandle{ThreadID: "t-1", AgentRunID: "r-1"})
	if evt.ID == "" || evt.Time.IsZero() {
		t.Fatalf("expected id and time to be stamped")
	}
	if evt.Subject() != "storyloom.job.started" {
		t.Fatalf("unexpected subject %q", evt.Subject())
	}
	other := NewJobEvent(EventJobStarted, agent.JobHandle{})
	if other.ID == evt.ID {
		t.Fatalf("event ids must be unique")
	}
}

func TestWithStatusPromotesTerminal(t *testing.T) {
	handle := agent.JobHandle{ThreadID: "t-1", AgentRunID: "r-1"}
	running := NewJobEvent(EventJobStatus, handle).WithStatus(&agent.JobStatus{Status: agent.StateRunning})
	if running.Type != EventJobStatus || running.Status != agent.StateRunning {
		t.Fatalf("unexpected event %#v", running)
	}
	failed := NewJobEvent(EventJobStatus, handle).WithStatus(&agent.JobStatus{Status: agent.StateFailed, Error: "quota"})
	if failed.Type != EventJobFinished || failed.Error != "quota" {
		t.Fatalf("unexpected event %#v", failed)
	}
	if failed.Subject() != "storyloom.job.finished" {
		t.Fatalf("unexpected subject %q", failed.Subject())
	}
	same := NewJobEvent(EventJobStarted, handle).WithStatus(nil)
	if same.Type != EventJobStarted {
		t.Fatalf("nil status must not change the event")
	}
}

func TestDecodeJobEvent(t *testing.T) {
	progress := 55.0
	evt := NewJobEvent(EventJobStatus, agent.JobHandle{ThreadID: "t", AgentRunID: "r"})
	evt.Progress = &progress
	evt.Principal = "user-1"
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := DecodeJobEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != evt.ID || got.Principal != "user-1" || got.Progress == nil || *got.Progress != 55 {
		t.Fatalf("unexpected decoded event %#v", got)
	}
	if _, err := DecodeJobEvent([]byte(`{"type":"job.started"}`)); err == nil {
		t.Fatalf("expected error for missing run id")
	}
	if _, err := DecodeJobEvent([]byte(`nope`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestNilBus(t *testing.T) {
	var b *NatsBus
	if err := b.PublishJobEvent(context.Background(), JobEvent{}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if _, err := b.SubscribeJobEvents("", func(JobEvent) {}); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	if b.IsConnected() || b.Status() != "UNKNOWN" {
		t.Fatalf("nil bus must report disconnected")
	}
	b.Close()
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	if err := p.PublishJobEvent(context.Background(), JobEvent{}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		if !truthy(v) {
			t.Fatalf("expected %q to be truthy", v)
		}
	}
	for _, v := range []string{"", "0", "no", "off"} {
		if truthy(v) {
			t.Fatalf("expected %q to be falsy", v)
		}
	}
}
