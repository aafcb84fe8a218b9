package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/storyloom/storyloom/core/agent"
	"github.com/storyloom/storyloom/core/infra/bus"
	"github.com/storyloom/storyloom/core/infra/logging"
	"github.com/storyloom/storyloom/core/infra/memory"
	"github.com/storyloom/storyloom/core/infra/schema"
)

const sideEffectTimeout = 2 * time.Second

type startJobRequest struct {
	Prompt      string          `json:"prompt"`
	StoryLength string          `json:"storyLength"`
	AgeGroup    string          `json:"ageGroup"`
	StoryType   string          `json:"storyType"`
	Tags        json.RawMessage `json:"tags"`
}

func (r startJobRequest) options() agent.StartOptions {
	return agent.StartOptions{
		StoryLength: strings.TrimSpace(r.StoryLength),
		AgeGroup:    strings.TrimSpace(r.AgeGroup),
		StoryType:   strings.TrimSpace(r.StoryType),
		Tags:        tagsString(r.Tags),
	}
}

// tagsString accepts "a,b" or ["a","b"] and returns the comma-joined form.
func tagsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, t := range list {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
		return strings.Join(out, ",")
	}
	return ""
}

type startJobResponse struct {
	ThreadID   string `json:"threadId"`
	AgentRunID string `json:"agentRunId"`
}

// jobStatusResponse is the client-facing status shape. Story carries the
// result when it is textual so polling clients can read it directly.
type jobStatusResponse struct {
	Status    agent.State `json:"status"`
	Progress  *float64    `json:"progress,omitempty"`
	Story     any         `json:"story"`
	Result    any         `json:"result"`
	Error     string      `json:"error,omitempty"`
	Completed bool        `json:"completed"`
	Failed    bool        `json:"failed"`
}

func newJobStatusResponse(st *agent.JobStatus) jobStatusResponse {
	return jobStatusResponse{
		Status:    st.Status,
		Progress:  st.Progress,
		Story:     storyText(st.Result),
		Result:    st.Result,
		Error:     st.Error,
		Completed: st.Status == agent.StateCompleted,
		Failed:    st.Status == agent.StateFailed,
	}
}

// storyText extracts readable story text from a result payload, or nil.
func storyText(result any) any {
	switch v := result.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"story", "content", "text"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	case []any:
		var parts []string
		for _, item := range v {
			if s, ok := storyText(item).(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n")
		}
	}
	return nil
}

func (s *server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	ra := authFromContext(r.Context())
	if ra == nil {
		writeErrorEnvelope(w, http.StatusUnauthorized, "missing or invalid credentials", "")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErrorEnvelope(w, http.StatusRequestEntityTooLarge, "request body too large", "")
		return
	}
	if err := schema.ValidateStartRequest(body); err != nil {
		writeError(w, log, err)
		return
	}
	var req startJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid request", "body is not valid JSON")
		return
	}

	handle, err := s.orch.WithLogger(log.With("principal", ra.Principal)).StartJob(r.Context(), ra.Credential, req.Prompt, req.options())
	if err != nil {
		writeError(w, log, err)
		return
	}
	log.Info("job started", "thread_id", handle.ThreadID, "agent_run_id", handle.AgentRunID, "principal", ra.Principal)

	s.recordStart(r.Context(), log, ra.Principal, req.Prompt, handle)
	writeJSON(w, http.StatusOK, startJobResponse{ThreadID: handle.ThreadID, AgentRunID: handle.AgentRunID})
}

func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	ra := authFromContext(r.Context())
	if ra == nil {
		writeErrorEnvelope(w, http.StatusUnauthorized, "missing or invalid credentials", "")
		return
	}
	handle, err := handleFromRequest(r)
	if err != nil && handle.ThreadID == "" && handle.AgentRunID != "" {
		if known, ok := s.knownHandle(r.Context(), log, ra.Principal, handle.AgentRunID); ok {
			handle, err = known, nil
		}
	}
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	log = log.With("thread_id", handle.ThreadID, "agent_run_id", handle.AgentRunID)

	st, err := s.status.GetStatus(r.Context(), ra.Credential, handle)
	if err != nil {
		writeError(w, log, err)
		return
	}
	s.recordStatus(r.Context(), log, ra.Principal, handle, st)
	writeJSON(w, http.StatusOK, newJobStatusResponse(st))
}

// knownHandle recovers the full handle for a run the caller started earlier.
func (s *server) knownHandle(ctx context.Context, log *logging.Logger, principal, agentRunID string) (agent.JobHandle, bool) {
	if s.registry == nil {
		return agent.JobHandle{}, false
	}
	rec, err := s.registry.GetJob(ctx, agentRunID)
	if err != nil {
		if !errors.Is(err, memory.ErrJobNotFound) {
			log.Warn("job registry lookup failed", "agent_run_id", agentRunID, "error", err)
		}
		return agent.JobHandle{}, false
	}
	if rec.Principal != principal || !rec.Handle().Valid() {
		return agent.JobHandle{}, false
	}
	return rec.Handle(), true
}

func (s *server) handleRecentJobs(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeErrorEnvelope(w, http.StatusNotFound, "job registry not configured", "")
		return
	}
	ra := authFromContext(r.Context())
	if ra == nil {
		writeErrorEnvelope(w, http.StatusUnauthorized, "missing or invalid credentials", "")
		return
	}
	limit := int64(20)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			writeErrorEnvelope(w, http.StatusBadRequest, "invalid request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := s.registry.ListRecent(r.Context(), ra.Principal, limit)
	if err != nil {
		requestLogger(r).Error("list recent jobs failed", "error", err)
		writeErrorEnvelope(w, http.StatusServiceUnavailable, "job registry unavailable", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

type statusRequestBody struct {
	ThreadID      string `json:"thread_id"`
	AgentRunID    string `json:"agent_run_id"`
	ThreadIDAlt   string `json:"threadId"`
	AgentRunIDAlt string `json:"agentRunId"`
}

// handleFromRequest reads the job handle from the query string, or from a
// JSON body on POST.
func handleFromRequest(r *http.Request) (agent.JobHandle, error) {
	q := r.URL.Query()
	h := agent.JobHandle{
		ThreadID:   firstNonEmpty(q.Get("threadId"), q.Get("thread_id")),
		AgentRunID: firstNonEmpty(q.Get("agentRunId"), q.Get("agent_run_id")),
	}
	if !h.Valid() && r.Method == http.MethodPost && r.Body != nil {
		var body statusRequestBody
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return h, errors.New("body is not valid JSON")
		}
		if h.ThreadID == "" {
			h.ThreadID = firstNonEmpty(body.ThreadID, body.ThreadIDAlt)
		}
		if h.AgentRunID == "" {
			h.AgentRunID = firstNonEmpty(body.AgentRunID, body.AgentRunIDAlt)
		}
	}
	if !h.Valid() {
		return h, errors.New("threadId and agentRunId are required")
	}
	return h, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// recordStart stores the job and announces it. Both are best effort.
func (s *server) recordStart(ctx context.Context, log *logging.Logger, principal, prompt string, handle agent.JobHandle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if s.registry != nil {
		rec := memory.JobRecord{
			ThreadID:   handle.ThreadID,
			AgentRunID: handle.AgentRunID,
			Principal:  principal,
			Prompt:     prompt,
		}
		if err := s.registry.RecordJob(ctx, rec); err != nil {
			log.Warn("job registry write failed", "error", err)
		}
	}
	evt := bus.NewJobEvent(bus.EventJobStarted, handle)
	evt.Principal = principal
	evt.Status = agent.StatePending
	evt.RequestID = requestIDFromContext(ctx)
	if err := s.events.PublishJobEvent(ctx, evt); err != nil {
		log.Warn("publish job event failed", "type", evt.Type, "error", err)
	}
}

// recordStatus mirrors an observed snapshot into the registry and bus.
func (s *server) recordStatus(ctx context.Context, log *logging.Logger, principal string, handle agent.JobHandle, st *agent.JobStatus) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if s.registry != nil {
		if err := s.registry.UpdateStatus(ctx, handle.AgentRunID, st); err != nil && !errors.Is(err, memory.ErrJobNotFound) {
			log.Warn("job registry update failed", "error", err)
		}
	}
	evt := bus.NewJobEvent(bus.EventJobStatus, handle).WithStatus(st)
	evt.Principal = principal
	evt.RequestID = requestIDFromContext(ctx)
	if err := s.events.PublishJobEvent(ctx, evt); err != nil {
		log.Warn("publish job event failed", "type", evt.Type, "error", err)
	}
}
