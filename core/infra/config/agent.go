package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storyloom/storyloom/core/agent"
)

const (
	defaultAgentBaseURL     = "https://suna-1.learnwise.app"
	defaultThreadPath       = "/api/thread"
	defaultStatusPath       = "/api/agent/status"
	defaultAgentTimeoutSecs = 30
)

// StatusEndpoint describes how job status is queried upstream.
type StatusEndpoint struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

// PollConfig tunes status polling.
type PollConfig struct {
	IntervalSeconds float64 `yaml:"interval_seconds"`
	MaxAttempts     int     `yaml:"max_attempts"`
}

// AgentConfig is the upstream agent-service contract.
type AgentConfig struct {
	BaseURL        string            `yaml:"base_url"`
	ThreadPath     string            `yaml:"thread_path"`
	Status         StatusEndpoint    `yaml:"status"`
	Candidates     []agent.Candidate `yaml:"candidates"`
	Aliases        agent.Aliases     `yaml:"aliases"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Poll           PollConfig        `yaml:"poll"`
}

// LoadAgent loads the agent contract YAML. A missing file yields the
// built-in contract; an unreadable or invalid file is an error.
func LoadAgent(path string) (*AgentConfig, error) {
	if path == "" {
		return defaultAgent(), nil
	}
	// #nosec G304 -- agent config path is operator-provided.
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return defaultAgent(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	cfg, err := ParseAgent(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseAgent parses agent contract data from YAML/JSON bytes.
func ParseAgent(data []byte) (*AgentConfig, error) {
	if len(data) == 0 {
		return defaultAgent(), nil
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the candidate table and status endpoint.
func (c *AgentConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("agent config is nil")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("agent config: base_url must be http(s), got %q", c.BaseURL)
	}
	switch c.Status.Method {
	case http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("agent config: status.method must be GET or POST, got %q", c.Status.Method)
	}
	seen := map[string]struct{}{}
	for i, cand := range c.Candidates {
		if !strings.HasPrefix(cand.Path, "/") {
			return fmt.Errorf("agent config: candidate %d path must start with /", i)
		}
		if !cand.Body.Valid() {
			return fmt.Errorf("agent config: candidate %d has unknown body shape %q", i, cand.Body)
		}
		if _, dup := seen[cand.Name]; dup {
			return fmt.Errorf("agent config: duplicate candidate name %q", cand.Name)
		}
		seen[cand.Name] = struct{}{}
	}
	return nil
}

// ApplyEnv lets environment settings override file values.
func (c *AgentConfig) ApplyEnv(env *Config) {
	if c == nil || env == nil {
		return
	}
	if env.AgentBaseURL != "" {
		c.BaseURL = strings.TrimRight(env.AgentBaseURL, "/")
	}
	if env.AgentHTTPTimeout > 0 {
		c.TimeoutSeconds = int(env.AgentHTTPTimeout.Round(time.Second) / time.Second)
		if c.TimeoutSeconds == 0 {
			c.TimeoutSeconds = 1
		}
	}
	if env.PollInterval > 0 {
		c.Poll.IntervalSeconds = env.PollInterval.Seconds()
	}
	if env.PollMaxAttempts > 0 {
		c.Poll.MaxAttempts = env.PollMaxAttempts
	}
}

// HTTPTimeout returns the per-call upstream timeout.
func (c *AgentConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval returns the configured poll interval.
func (c *AgentConfig) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds * float64(time.Second))
}

func (c *AgentConfig) fillDefaults() {
	def := defaultAgent()
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = def.BaseURL
	}
	if c.ThreadPath == "" {
		c.ThreadPath = def.ThreadPath
	}
	c.Status.Method = strings.ToUpper(strings.TrimSpace(c.Status.Method))
	if c.Status.Method == "" {
		c.Status.Method = def.Status.Method
	}
	if c.Status.Path == "" {
		c.Status.Path = def.Status.Path
	}
	if len(c.Candidates) == 0 {
		c.Candidates = def.Candidates
	}
	for i := range c.Candidates {
		if c.Candidates[i].Body == "" {
			c.Candidates[i].Body = agent.BodyThreadPrompt
		}
		if c.Candidates[i].Name == "" {
			c.Candidates[i].Name = fmt.Sprintf("candidate-%d", i+1)
		}
	}
	c.Aliases = c.Aliases.WithDefaults()
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = def.TimeoutSeconds
	}
	if c.Poll.IntervalSeconds <= 0 {
		c.Poll.IntervalSeconds = def.Poll.IntervalSeconds
	}
	if c.Poll.MaxAttempts <= 0 {
		c.Poll.MaxAttempts = def.Poll.MaxAttempts
	}
}

func defaultAgent() *AgentConfig {
	return &AgentConfig{
		BaseURL:    defaultAgentBaseURL,
		ThreadPath: defaultThreadPath,
		Status: StatusEndpoint{
			Method: http.MethodPost,
			Path:   defaultStatusPath,
		},
		Candidates:     agent.DefaultCandidates(),
		Aliases:        agent.DefaultAliases(),
		TimeoutSeconds: defaultAgentTimeoutSecs,
		Poll: PollConfig{
			IntervalSeconds: agent.DefaultPollInterval.Seconds(),
			MaxAttempts:     agent.DefaultPollMaxAttempts,
		},
	}
}
