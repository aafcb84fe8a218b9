package agent

import "strings"

// State is the normalized lifecycle state of a remote job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Terminal reports whether polling should stop at this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// NormalizeState maps the upstream's status vocabulary onto State.
func NormalizeState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "complete", "finished", "succeeded", "success", "done":
		return StateCompleted
	case "failed", "failure", "error", "errored", "cancelled", "canceled", "stopped":
		return StateFailed
	case "running", "in_progress", "processing", "started", "active":
		return StateRunning
	case "pending", "queued", "created", "scheduled":
		return StatePending
	default:
		return StateUnknown
	}
}

// JobHandle identifies a started remote job.
type JobHandle struct {
	ThreadID   string `json:"threadId"`
	AgentRunID string `json:"agentRunId"`
}

// Valid reports whether both identifiers are present.
func (h JobHandle) Valid() bool {
	return strings.TrimSpace(h.ThreadID) != "" && strings.TrimSpace(h.AgentRunID) != ""
}

// JobStatus is a transient snapshot of upstream job state.
type JobStatus struct {
	Status   State    `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Result   any      `json:"result"`
	Error    string   `json:"error,omitempty"`
	// RawStatus keeps the upstream wording before normalization.
	RawStatus string `json:"-"`
}

// StartOptions are the optional story parameters forwarded on agent start.
type StartOptions struct {
	StoryLength string `json:"storyLength,omitempty"`
	AgeGroup    string `json:"ageGroup,omitempty"`
	StoryType   string `json:"storyType,omitempty"`
	Tags        string `json:"tags,omitempty"`
}

func (o StartOptions) fields() map[string]any {
	out := map[string]any{}
	if o.StoryLength != "" {
		out["story_length"] = o.StoryLength
	}
	if o.AgeGroup != "" {
		out["age_group"] = o.AgeGroup
	}
	if o.StoryType != "" {
		out["story_type"] = o.StoryType
	}
	if o.Tags != "" {
		out["tags"] = o.Tags
	}
	return out
}

// ThreadResult is the outcome of thread creation.
type ThreadResult struct {
	ThreadID string
	Raw      map[string]any
}

// AgentStartResult is the outcome of a successful agent start.
type AgentStartResult struct {
	AgentRunID string
	// ThreadID is set when the upstream echoes a thread id back.
	ThreadID string
	Raw      map[string]any
}
