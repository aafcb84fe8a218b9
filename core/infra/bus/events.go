package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom/core/agent"
)

// EventType names a job lifecycle transition.
type EventType string

const (
	EventJobStarted  EventType = "job.started"
	EventJobStatus   EventType = "job.status"
	EventJobFinished EventType = "job.finished"
)

// SubjectPrefix namespaces every job event subject.
const SubjectPrefix = "storyloom."

// JobEvent is published whenever the gateway observes a job transition.
type JobEvent struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	ThreadID   string      `json:"threadId"`
	AgentRunID string      `json:"agentRunId"`
	Principal  string      `json:"principal,omitempty"`
	Status     agent.State `json:"status,omitempty"`
	Progress   *float64    `json:"progress,omitempty"`
	Error      string      `json:"error,omitempty"`
	RequestID  string      `json:"requestId,omitempty"`
	Time       time.Time   `json:"time"`
}

// NewJobEvent stamps an event with a fresh id and the current time.
func NewJobEvent(typ EventType, handle agent.JobHandle) JobEvent {
	return JobEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		ThreadID:   handle.ThreadID,
		AgentRunID: handle.AgentRunID,
		Time:       time.Now().UTC(),
	}
}

// WithStatus copies status fields from a snapshot. Terminal snapshots turn
// a job.status event into job.finished.
func (e JobEvent) WithStatus(st *agent.JobStatus) JobEvent {
	if st == nil {
		return e
	}
	e.Status = st.Status
	e.Progress = st.Progress
	e.Error = st.Error
	if e.Type == EventJobStatus && st.Status.Terminal() {
		e.Type = EventJobFinished
	}
	return e
}

// Subject returns the NATS subject the event is published on.
func (e JobEvent) Subject() string {
	return SubjectPrefix + string(e.Type)
}

// Publisher emits job lifecycle events.
type Publisher interface {
	PublishJobEvent(ctx context.Context, evt JobEvent) error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

// PublishJobEvent implements Publisher.
func (NoopPublisher) PublishJobEvent(context.Context, JobEvent) error { return nil }
