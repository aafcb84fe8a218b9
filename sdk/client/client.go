package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/storyloom/storyloom/core/agent"
)

// Client is a minimal HTTP client for the storyloom gateway.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New returns a client with a default HTTP timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// StartJobRequest mirrors the gateway start payload.
type StartJobRequest struct {
	Prompt      string   `json:"prompt"`
	StoryLength string   `json:"storyLength,omitempty"`
	AgeGroup    string   `json:"ageGroup,omitempty"`
	StoryType   string   `json:"storyType,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// JobStatus is the gateway's view of a job.
type JobStatus struct {
	Status    agent.State `json:"status"`
	Progress  *float64    `json:"progress,omitempty"`
	Story     string      `json:"story,omitempty"`
	Result    any         `json:"result"`
	Error     string      `json:"error,omitempty"`
	Completed bool        `json:"completed"`
	Failed    bool        `json:"failed"`
}

// JobRecord is one entry of the recent-jobs listing.
type JobRecord struct {
	ThreadID   string      `json:"threadId"`
	AgentRunID string      `json:"agentRunId"`
	Prompt     string      `json:"prompt,omitempty"`
	Status     agent.State `json:"status"`
	Progress   *float64    `json:"progress,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// APIError is a non-2xx gateway response.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var env struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	if json.Unmarshal(data, &env) == nil && env.Error != "" {
		apiErr.Message = env.Error
		apiErr.Details = env.Details
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(data))
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}

// StartJob starts a story job and returns its handle.
func (c *Client) StartJob(ctx context.Context, req *StartJobRequest) (agent.JobHandle, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return agent.JobHandle{}, fmt.Errorf("prompt required")
	}
	var handle agent.JobHandle
	if err := c.doJSON(ctx, http.MethodPost, "/job/start", req, &handle); err != nil {
		return agent.JobHandle{}, err
	}
	if !handle.Valid() {
		return handle, fmt.Errorf("gateway returned an incomplete job handle")
	}
	return handle, nil
}

// JobStatus fetches one status snapshot.
func (c *Client) JobStatus(ctx context.Context, handle agent.JobHandle) (*JobStatus, error) {
	if !handle.Valid() {
		return nil, fmt.Errorf("thread id and agent run id required")
	}
	q := url.Values{}
	q.Set("threadId", handle.ThreadID)
	q.Set("agentRunId", handle.AgentRunID)
	var st JobStatus
	if err := c.doJSON(ctx, http.MethodGet, "/job/status?"+q.Encode(), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WaitForJob polls until the job completes or fails. The returned error is
// nil for both terminal states; check Failed on the status.
func (c *Client) WaitForJob(ctx context.Context, handle agent.JobHandle, opts agent.PollOptions) (*JobStatus, error) {
	getter := &statusGetter{client: c}
	_, err := agent.NewPoller(getter, opts).PollUntilDone(ctx, c.Token, handle)
	return getter.last, err
}

// RecentJobs lists jobs the gateway registry holds for the caller.
func (c *Client) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	path := "/job/recent"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Items []JobRecord `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// GetStatus fetches the gateway status snapshot.
func (c *Client) GetStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// statusGetter adapts the gateway status endpoint to agent.StatusGetter so
// the poller can drive it. The credential is already on the client.
type statusGetter struct {
	client *Client
	last   *JobStatus
}

func (g *statusGetter) GetStatus(ctx context.Context, _ string, handle agent.JobHandle) (*agent.JobStatus, error) {
	st, err := g.client.JobStatus(ctx, handle)
	if err != nil {
		return nil, err
	}
	g.last = st
	result := st.Result
	if st.Story != "" {
		result = st.Story
	}
	return &agent.JobStatus{
		Status:   st.Status,
		Progress: st.Progress,
		Result:   result,
		Error:    st.Error,
	}, nil
}
