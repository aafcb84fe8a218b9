package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/storyloom/storyloom/core/infra/logging"
	"github.com/storyloom/storyloom/core/infra/metrics"
)

const (
	opCreateThread = "create_thread"
	opStartAgent   = "start_agent"
	opGetStatus    = "get_status"

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 4 << 20
)

// ClientConfig configures the upstream agent-service client.
type ClientConfig struct {
	BaseURL      string
	ThreadPath   string
	StatusMethod string
	StatusPath   string
	Aliases      Aliases
	HTTPClient   *http.Client
	Logger       *logging.Logger
	Metrics      metrics.AgentMetrics
}

// Client performs calls against the agent service and classifies failures.
type Client struct {
	baseURL      string
	threadPath   string
	statusMethod string
	statusPath   string
	aliases      Aliases
	http         *http.Client
	log          *logging.Logger
	metrics      metrics.AgentMetrics
}

// NewClient returns a client with defaults applied.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New("agent")
	}
	var m metrics.AgentMetrics = metrics.Noop{}
	if cfg.Metrics != nil {
		m = cfg.Metrics
	}
	method := strings.ToUpper(strings.TrimSpace(cfg.StatusMethod))
	if method == "" {
		method = http.MethodPost
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		threadPath:   cfg.ThreadPath,
		statusMethod: method,
		statusPath:   cfg.StatusPath,
		aliases:      cfg.Aliases.WithDefaults(),
		http:         httpClient,
		log:          logger,
		metrics:      m,
	}
}

// CreateThread opens an upstream thread and returns its id.
func (c *Client) CreateThread(ctx context.Context, credential string, metadata map[string]any) (*ThreadResult, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := c.call(ctx, opCreateThread, credential, http.MethodPost, c.threadPath, nil, metadata)
	if err != nil {
		return nil, err
	}
	threadID := lookupString(body, c.aliases.ThreadID)
	if threadID == "" {
		return nil, newError(KindBadUpstreamFormat, opCreateThread, "story service returned no thread id", nil)
	}
	return &ThreadResult{ThreadID: threadID, Raw: body}, nil
}

// StartAgent starts an agent run using the given candidate's path and body shape.
func (c *Client) StartAgent(ctx context.Context, credential string, cand Candidate, threadID, prompt string, opts StartOptions) (*AgentStartResult, error) {
	path := expandPath(cand.Path, threadID, "")
	payload := cand.Body.build(threadID, prompt, opts)
	body, err := c.call(ctx, opStartAgent, credential, cand.method(), path, nil, payload)
	if err != nil {
		return nil, err
	}
	aliases := cand.RunIDAliases
	if len(aliases) == 0 {
		aliases = c.aliases.RunID
	}
	runID := lookupString(body, aliases)
	if runID == "" {
		return nil, newError(KindBadUpstreamFormat, opStartAgent, "story service returned no run id", nil)
	}
	// Only explicit thread keys count here; "id" already named the run.
	echoed := lookupString(body, withoutKey(c.aliases.ThreadID, "id"))
	return &AgentStartResult{AgentRunID: runID, ThreadID: echoed, Raw: body}, nil
}

// GetStatus queries the current status of a job.
func (c *Client) GetStatus(ctx context.Context, credential string, handle JobHandle) (*JobStatus, error) {
	if !handle.Valid() {
		return nil, newError(KindInvalidRequest, opGetStatus, "threadId and agentRunId are required", nil)
	}
	path := expandPath(c.statusPath, handle.ThreadID, handle.AgentRunID)
	var query url.Values
	var payload any
	if c.statusMethod == http.MethodGet {
		query = url.Values{}
		query.Set("thread_id", handle.ThreadID)
		query.Set("agent_run_id", handle.AgentRunID)
	} else {
		payload = map[string]string{
			"thread_id":    handle.ThreadID,
			"agent_run_id": handle.AgentRunID,
		}
	}
	body, err := c.call(ctx, opGetStatus, credential, c.statusMethod, path, query, payload)
	if err != nil {
		return nil, err
	}
	return parseStatus(body, c.aliases), nil
}

// call performs one HTTP exchange and returns the decoded JSON object.
func (c *Client) call(ctx context.Context, op, credential, method, path string, query url.Values, payload any) (map[string]any, error) {
	start := time.Now()
	body, err := c.do(ctx, op, credential, method, path, query, payload)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	c.metrics.ObserveUpstreamCall(op, outcome, time.Since(start).Seconds())
	return body, err
}

func (c *Client) do(ctx context.Context, op, credential, method, path string, query url.Values, payload any) (map[string]any, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, newError(KindInvalidRequest, op, "", fmt.Errorf("encode json: %w", err))
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, newError(KindUnreachable, op, "", fmt.Errorf("new request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	log := c.log.With("op", op, "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn("upstream request failed", "error", err)
		return nil, newError(KindUnreachable, op, "", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		log.Warn("upstream body read failed", "status", resp.StatusCode, "error", err)
		return nil, newError(KindUnreachable, op, "", fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(log, op, resp.StatusCode, data)
	}

	if !isJSONContentType(resp.Header.Get("Content-Type")) {
		preview := truncate(string(data), previewLimit)
		log.Warn("upstream returned non-json", "status", resp.StatusCode, "content_type", resp.Header.Get("Content-Type"), "preview", preview)
		e := newError(KindBadUpstreamFormat, op, "", fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type")))
		e.Status = resp.StatusCode
		e.Preview = preview
		return nil, e
	}

	decoded, err := decodeObject(data)
	if err != nil {
		log.Warn("upstream json parse failed", "status", resp.StatusCode, "error", err, "preview", truncate(string(data), previewLimit))
		e := newError(KindBadUpstreamFormat, op, "", err)
		e.Status = resp.StatusCode
		return nil, e
	}
	log.Debug("upstream call ok", "status", resp.StatusCode)
	return decoded, nil
}

func (c *Client) statusError(log *logging.Logger, op string, status int, data []byte) *Error {
	preview := truncate(string(data), previewLimit)
	var e *Error
	switch {
	case status == http.StatusNotFound:
		e = newError(KindEndpointNotFound, op, "", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = newError(KindAuthRejected, op, "", nil)
	default:
		e = newError(KindUpstreamError, op, "", nil)
	}
	e.Status = status
	e.Preview = preview
	log.Warn("upstream returned error status", "status", status, "kind", e.Kind, "preview", preview)
	return e
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	obj, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode json: expected object, got %T", out)
	}
	return obj, nil
}

func isJSONContentType(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// expandPath fills {thread_id} and {agent_run_id} placeholders.
func expandPath(template, threadID, runID string) string {
	return strings.NewReplacer(
		"{thread_id}", url.PathEscape(threadID),
		"{agent_run_id}", url.PathEscape(runID),
	).Replace(template)
}

func withoutKey(keys []string, drop string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != drop {
			out = append(out, k)
		}
	}
	return out
}
