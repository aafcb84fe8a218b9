package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/storyloom/storyloom/core/infra/logging"
	"github.com/storyloom/storyloom/core/infra/metrics"
)

// BodyShape selects how an agent-start request body is built.
type BodyShape string

const (
	// BodyThreadPrompt sends {thread_id, prompt, ...options}.
	BodyThreadPrompt BodyShape = "thread_prompt"
	// BodyPromptTags sends {prompt, tags, ...options} with no thread.
	BodyPromptTags BodyShape = "prompt_tags"
)

func (b BodyShape) build(threadID, prompt string, opts StartOptions) map[string]any {
	body := opts.fields()
	body["prompt"] = prompt
	switch b {
	case BodyPromptTags:
		if _, ok := body["tags"]; !ok {
			body["tags"] = ""
		}
	default:
		body["thread_id"] = threadID
	}
	return body
}

// Valid reports whether b names a known shape.
func (b BodyShape) Valid() bool {
	return b == BodyThreadPrompt || b == BodyPromptTags
}

// Candidate is one agent-start endpoint variant the resolver may try.
type Candidate struct {
	Name         string    `yaml:"name"`
	Method       string    `yaml:"method"`
	Path         string    `yaml:"path"`
	Body         BodyShape `yaml:"body"`
	RunIDAliases []string  `yaml:"run_id_aliases"`
}

func (c Candidate) method() string {
	if m := strings.ToUpper(strings.TrimSpace(c.Method)); m != "" {
		return m
	}
	return http.MethodPost
}

func (c Candidate) label() string {
	if c.Name != "" {
		return c.Name
	}
	return c.method() + " " + c.Path
}

// DefaultCandidates is the built-in resolution table, most specific first.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{Name: "thread-agent-start", Method: http.MethodPost, Path: "/api/thread/{thread_id}/agent/start", Body: BodyThreadPrompt},
		{Name: "agent-start", Method: http.MethodPost, Path: "/api/agent/start", Body: BodyThreadPrompt},
		{Name: "agent-runs", Method: http.MethodPost, Path: "/api/agents/{thread_id}/runs", Body: BodyThreadPrompt},
		{Name: "agent-generate", Method: http.MethodPost, Path: "/api/agent/generate", Body: BodyPromptTags},
	}
}

// Starter starts an agent run against one candidate.
type Starter interface {
	StartAgent(ctx context.Context, credential string, cand Candidate, threadID, prompt string, opts StartOptions) (*AgentStartResult, error)
}

// Resolution reports which candidate produced a run and what was tried.
type Resolution struct {
	Result    *AgentStartResult
	Candidate Candidate
	Attempted []string
}

// Resolver tries candidates in order until one starts the agent.
type Resolver struct {
	starter    Starter
	candidates []Candidate
	log        *logging.Logger
	metrics    metrics.AgentMetrics
}

// NewResolver builds a resolver; an empty table falls back to DefaultCandidates.
func NewResolver(starter Starter, candidates []Candidate, logger *logging.Logger, m metrics.AgentMetrics) *Resolver {
	if len(candidates) == 0 {
		candidates = DefaultCandidates()
	}
	if logger == nil {
		logger = logging.New("resolver")
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Resolver{
		starter:    starter,
		candidates: append([]Candidate(nil), candidates...),
		log:        logger,
		metrics:    m,
	}
}

// Candidates returns a copy of the resolution table.
func (r *Resolver) Candidates() []Candidate {
	return append([]Candidate(nil), r.candidates...)
}

// Resolve starts the agent on the first candidate that succeeds.
// Upstream auth rejection aborts immediately; every other failure moves on.
func (r *Resolver) Resolve(ctx context.Context, credential, threadID, prompt string, opts StartOptions) (*Resolution, error) {
	attempted := make([]string, 0, len(r.candidates))
	var lastErr error
	allUnreachable := true
	for _, cand := range r.candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resolve agent start: %w", err)
		}
		attempted = append(attempted, cand.label())
		log := r.log.With("candidate", cand.label())

		res, err := r.starter.StartAgent(ctx, credential, cand, threadID, prompt, opts)
		if err == nil {
			log.Info("agent start endpoint resolved", "attempts", len(attempted), "agent_run_id", res.AgentRunID)
			r.metrics.IncEndpointResolved(cand.label())
			return &Resolution{Result: res, Candidate: cand, Attempted: attempted}, nil
		}
		if errors.Is(err, ErrAuthRejected) {
			log.Warn("agent start rejected credentials; aborting resolution", "error", err)
			return nil, err
		}
		if errors.Is(err, ErrEndpointNotFound) {
			log.Debug("agent start endpoint not found")
		} else {
			log.Warn("agent start candidate failed", "error", err)
		}
		if !errors.Is(err, ErrUnreachable) {
			allUnreachable = false
		}
		lastErr = err
	}

	kind := KindAllEndpointsFailed
	if allUnreachable {
		kind = KindUnreachable
	}
	e := newError(kind, opStartAgent, "", lastErr)
	e.Attempted = attempted
	var last *Error
	if errors.As(lastErr, &last) {
		e.Preview = last.Preview
	}
	r.log.Error("all agent start endpoints failed", "attempted", strings.Join(attempted, ","), "unreachable", allUnreachable, "error", lastErr)
	return nil, e
}
