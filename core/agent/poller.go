package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/storyloom/storyloom/core/infra/logging"
	"github.com/storyloom/storyloom/core/infra/metrics"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultPollMaxAttempts = 100
)

// StatusGetter fetches one status snapshot for a job.
type StatusGetter interface {
	GetStatus(ctx context.Context, credential string, handle JobHandle) (*JobStatus, error)
}

// PollOptions tunes a polling loop.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
	// OnStatus observes every snapshot, terminal or not.
	OnStatus func(attempt int, status *JobStatus)
	Logger   *logging.Logger
	Metrics  metrics.AgentMetrics
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultPollMaxAttempts
	}
	if o.Logger == nil {
		o.Logger = logging.New("poller")
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop{}
	}
	return o
}

// Poller waits for a remote job to reach a terminal state.
type Poller struct {
	getter StatusGetter
	opts   PollOptions
	wait   func(ctx context.Context, d time.Duration) error
}

// NewPoller returns a poller over getter.
func NewPoller(getter StatusGetter, opts PollOptions) *Poller {
	return &Poller{getter: getter, opts: opts.withDefaults(), wait: sleepContext}
}

// PollUntilDone sleeps Interval, queries status, and repeats until the job
// completes or fails, the attempt budget runs out, or ctx is done.
// A status query error ends the loop and is returned as-is.
func (p *Poller) PollUntilDone(ctx context.Context, credential string, handle JobHandle) (*JobStatus, error) {
	log := p.opts.Logger.With("thread_id", handle.ThreadID, "agent_run_id", handle.AgentRunID)
	var last *JobStatus
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if err := p.wait(ctx, p.opts.Interval); err != nil {
			p.opts.Metrics.IncPollOutcome("cancelled")
			return last, fmt.Errorf("poll cancelled: %w", err)
		}
		st, err := p.getter.GetStatus(ctx, credential, handle)
		if err != nil {
			log.Warn("status query failed", "attempt", attempt, "error", err)
			p.opts.Metrics.IncPollOutcome("error")
			return last, err
		}
		last = st
		if p.opts.OnStatus != nil {
			p.opts.OnStatus(attempt, st)
		}
		log.Debug("status polled", "attempt", attempt, "status", st.Status)
		if st.Status.Terminal() {
			log.Info("job reached terminal state", "status", st.Status, "attempts", attempt)
			p.opts.Metrics.IncPollOutcome(string(st.Status))
			return st, nil
		}
	}
	p.opts.Metrics.IncPollOutcome("timeout")
	e := newError(KindTimeout, "poll", "", nil)
	e.LastStatus = last
	log.Warn("job did not finish within attempt budget", "max_attempts", p.opts.MaxAttempts, "last_status", statusOf(last))
	return last, e
}

func statusOf(st *JobStatus) State {
	if st == nil {
		return ""
	}
	return st.Status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
