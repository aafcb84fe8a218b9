package agent

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/storyloom/storyloom/core/infra/logging"
	"github.com/storyloom/storyloom/core/infra/metrics"
)

// FallbackThreadPrefix prefixes synthesized thread ids.
const FallbackThreadPrefix = "default-thread-"

// ThreadCreator opens upstream threads.
type ThreadCreator interface {
	CreateThread(ctx context.Context, credential string, metadata map[string]any) (*ThreadResult, error)
}

// Orchestrator sequences thread creation and agent start.
type Orchestrator struct {
	threads  ThreadCreator
	resolver *Resolver
	log      *logging.Logger
	metrics  metrics.AgentMetrics
	now      func() time.Time
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(threads ThreadCreator, resolver *Resolver, logger *logging.Logger, m metrics.AgentMetrics) *Orchestrator {
	if logger == nil {
		logger = logging.New("orchestrator")
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Orchestrator{
		threads:  threads,
		resolver: resolver,
		log:      logger,
		metrics:  m,
		now:      time.Now,
	}
}

// WithLogger returns a shallow copy using a request-scoped logger.
func (o *Orchestrator) WithLogger(logger *logging.Logger) *Orchestrator {
	if o == nil || logger == nil {
		return o
	}
	cp := *o
	cp.log = logger
	return &cp
}

// StartJob creates a thread (or synthesizes one when that fails) and starts
// the agent on it.
func (o *Orchestrator) StartJob(ctx context.Context, credential, prompt string, opts StartOptions) (JobHandle, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return JobHandle{}, newError(KindInvalidRequest, "start_job", "prompt is required", nil)
	}

	threadID, synthesized, err := o.resolveThread(ctx, credential, opts)
	if err != nil {
		return JobHandle{}, err
	}
	log := o.log.With("thread_id", threadID)

	res, err := o.resolver.Resolve(ctx, credential, threadID, prompt, opts)
	if err != nil {
		log.Error("agent start failed", "error", err)
		return JobHandle{}, err
	}
	// A synthesized id is only a placeholder; prefer the one upstream assigned.
	if synthesized && res.Result.ThreadID != "" {
		threadID = res.Result.ThreadID
	}
	handle := JobHandle{ThreadID: threadID, AgentRunID: res.Result.AgentRunID}
	log.Info("job started", "agent_run_id", handle.AgentRunID, "candidate", res.Candidate.label(), "synthesized_thread", synthesized)
	return handle, nil
}

func (o *Orchestrator) resolveThread(ctx context.Context, credential string, opts StartOptions) (string, bool, error) {
	metadata := map[string]any{"source": "storyloom"}
	for k, v := range opts.fields() {
		metadata[k] = v
	}
	res, err := o.threads.CreateThread(ctx, credential, metadata)
	if err == nil && res != nil && strings.TrimSpace(res.ThreadID) != "" {
		return res.ThreadID, false, nil
	}
	if errors.Is(err, ErrAuthRejected) {
		o.log.Warn("thread creation rejected credentials", "error", err)
		return "", false, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", false, newError(KindUnreachable, opCreateThread, "", ctxErr)
	}
	// TODO: revisit once the upstream thread API is stable; this fallback can
	// hide a thread-service outage behind an apparently successful start.
	threadID := FallbackThreadPrefix + strconv.FormatInt(o.now().UnixMilli(), 10)
	o.log.Warn("thread creation failed; using synthesized thread id", "thread_id", threadID, "error", err)
	o.metrics.IncThreadFallback()
	return threadID, true, nil
}
