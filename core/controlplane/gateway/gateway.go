package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/storyloom/storyloom/core/agent"
	"github.com/storyloom/storyloom/core/auth"
	"github.com/storyloom/storyloom/core/infra/buildinfo"
	"github.com/storyloom/storyloom/core/infra/bus"
	"github.com/storyloom/storyloom/core/infra/config"
	"github.com/storyloom/storyloom/core/infra/logging"
	"github.com/storyloom/storyloom/core/infra/memory"
	"github.com/storyloom/storyloom/core/infra/metrics"
)

const (
	serviceName      = "storyloom-gateway"
	metricsNamespace = "storyloom"
	maxBodyBytes     = 64 << 10
	shutdownTimeout  = 10 * time.Second
)

// jobRegistry is the subset of memory.JobRegistry the gateway uses.
type jobRegistry interface {
	RecordJob(ctx context.Context, rec memory.JobRecord) error
	UpdateStatus(ctx context.Context, agentRunID string, st *agent.JobStatus) error
	GetJob(ctx context.Context, agentRunID string) (*memory.JobRecord, error)
	ListRecent(ctx context.Context, principal string, limit int64) ([]memory.JobRecord, error)
	Ping(ctx context.Context) error
}

// busState reports event bus connectivity for /status.
type busState interface {
	IsConnected() bool
	Status() string
}

// Deps are the collaborators a gateway server is built from. Registry and
// Events are optional.
type Deps struct {
	Orchestrator *agent.Orchestrator
	Status       agent.StatusGetter
	Verifier     auth.Verifier
	Registry     jobRegistry
	Events       bus.Publisher
	BusState     busState
	Metrics      metrics.GatewayMetrics
	Poll         agent.PollOptions
	UpstreamBase string
	Candidates   []string
	Limiter      *tokenBucket
}

type server struct {
	orch         *agent.Orchestrator
	status       agent.StatusGetter
	verifier     auth.Verifier
	registry     jobRegistry
	events       bus.Publisher
	busState     busState
	metrics      metrics.GatewayMetrics
	poll         agent.PollOptions
	upstreamBase string
	candidates   []string
	limiter      *tokenBucket
	started      time.Time
	log          *logging.Logger
}

func newServer(d Deps) *server {
	s := &server{
		orch:         d.Orchestrator,
		status:       d.Status,
		verifier:     d.Verifier,
		registry:     d.Registry,
		events:       d.Events,
		busState:     d.BusState,
		metrics:      d.Metrics,
		poll:         d.Poll,
		upstreamBase: d.UpstreamBase,
		candidates:   d.Candidates,
		limiter:      d.Limiter,
		started:      time.Now(),
		log:          logging.New("gateway"),
	}
	if s.verifier == nil {
		s.verifier = auth.NoopVerifier{}
	}
	if s.events == nil {
		s.events = bus.NoopPublisher{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	return s
}

// Run wires the gateway from configuration and serves until ctx is done.
func Run(ctx context.Context, cfg *config.Config) error {
	buildinfo.Log(serviceName)

	agentCfg, err := config.LoadAgent(cfg.AgentConfigPath)
	if err != nil {
		return fmt.Errorf("load agent config: %w", err)
	}
	agentCfg.ApplyEnv(cfg)

	agentMetrics := metrics.NewProm(metricsNamespace)
	client := agent.NewClient(agent.ClientConfig{
		BaseURL:      agentCfg.BaseURL,
		ThreadPath:   agentCfg.ThreadPath,
		StatusMethod: agentCfg.Status.Method,
		StatusPath:   agentCfg.Status.Path,
		Aliases:      agentCfg.Aliases,
		HTTPClient:   &http.Client{Timeout: agentCfg.HTTPTimeout()},
		Metrics:      agentMetrics,
	})
	resolver := agent.NewResolver(client, agentCfg.Candidates, nil, agentMetrics)
	orch := agent.NewOrchestrator(client, resolver, nil, agentMetrics)

	deps := Deps{
		Orchestrator: orch,
		Status:       client,
		Metrics:      metrics.NewGatewayProm(metricsNamespace),
		Poll: agent.PollOptions{
			Interval:    agentCfg.PollInterval(),
			MaxAttempts: agentCfg.Poll.MaxAttempts,
			Metrics:     agentMetrics,
		},
		UpstreamBase: agentCfg.BaseURL,
		Limiter:      newTokenBucketFromEnv(),
	}
	for _, c := range resolver.Candidates() {
		deps.Candidates = append(deps.Candidates, c.Name)
	}

	if cfg.SupabaseJWTSecret != "" {
		v, err := auth.NewSupabaseVerifier(cfg.SupabaseURL, cfg.SupabaseJWTSecret)
		if err != nil {
			return fmt.Errorf("token verifier: %w", err)
		}
		deps.Verifier = v
		logging.Info("gateway", "token verification enabled", "issuer", v.Issuer())
	} else {
		logging.Warn("gateway", "SUPABASE_JWT_SECRET not set, bearer tokens are forwarded unverified")
	}

	if cfg.RedisURL != "" {
		reg, err := memory.NewJobRegistry(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("job registry: %w", err)
		}
		defer reg.Close()
		deps.Registry = reg
	}
	if cfg.NatsURL != "" {
		nb, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
		defer nb.Close()
		deps.Events = nb
		deps.BusState = nb
	}

	return startHTTPServer(ctx, newServer(deps), cfg.HTTPAddr, cfg.MetricsAddr)
}

func startHTTPServer(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("gateway", "metrics server error", "error", err)
		}
	}()

	// WriteTimeout stays zero: /job/watch holds its connection for the whole poll.
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.routes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("gateway", "http listening", "addr", httpAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = metricsSrv.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logging.Error("gateway", "http server error", "error", err)
		return err
	case <-ctx.Done():
	}
	logging.Info("gateway", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

// routes builds the HTTP handler with its middleware chain.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /status", s.instrumented("/status", s.handleStatus))

	mux.HandleFunc("POST /job/start", s.instrumented("/job/start", s.handleStartJob))
	mux.HandleFunc("GET /job/status", s.instrumented("/job/status", s.handleJobStatus))
	mux.HandleFunc("GET /job/recent", s.instrumented("/job/recent", s.handleRecentJobs))
	mux.HandleFunc("GET /job/watch", s.instrumented("/job/watch", s.handleWatchJob))

	// Routes the original web client calls.
	mux.HandleFunc("POST /api/suna", s.instrumented("/api/suna", s.handleStartJob))
	mux.HandleFunc("GET /api/suna-status", s.instrumented("/api/suna-status", s.handleJobStatus))
	mux.HandleFunc("POST /api/suna-status", s.instrumented("/api/suna-status", s.handleJobStatus))

	return requestIDMiddleware(corsMiddleware(rateLimitMiddleware(s.limiter, authMiddleware(s.verifier, mux))))
}
