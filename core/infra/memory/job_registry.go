package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/storyloom/storyloom/core/agent"
	"github.com/storyloom/storyloom/core/infra/redisutil"
)

const (
	jobMetaKeyPrefix    = "storyjob:meta:"
	jobRecentKeyPrefix  = "storyjob:recent:"
	anonymousPrincipal  = "anonymous"
	fieldThreadID       = "thread_id"
	fieldAgentRunID     = "agent_run_id"
	fieldPrincipal      = "principal"
	fieldPrompt         = "prompt"
	fieldStatus         = "status"
	fieldProgress       = "progress"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
	maxRecentPerUser    = 200
	defaultListLimit    = 20
	maxPromptChars      = 280
	defaultRegistryTTL  = 7 * 24 * time.Hour
	defaultRedisTimeout = 2 * time.Second
	envJobRegistryTTL   = "JOB_REGISTRY_TTL"
)

// ErrJobNotFound is returned when no record exists for a run id.
var ErrJobNotFound = errors.New("job not found")

// JobRecord is the registry's view of a started job. It mirrors the last
// observed upstream status and is never authoritative.
type JobRecord struct {
	ThreadID   string      `json:"threadId"`
	AgentRunID string      `json:"agentRunId"`
	Principal  string      `json:"principal,omitempty"`
	Prompt     string      `json:"prompt,omitempty"`
	Status     agent.State `json:"status"`
	Progress   *float64    `json:"progress,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Handle returns the upstream handle for the record.
func (r JobRecord) Handle() agent.JobHandle {
	return agent.JobHandle{ThreadID: r.ThreadID, AgentRunID: r.AgentRunID}
}

// JobRegistry remembers which jobs a principal started.
type JobRegistry struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewJobRegistry connects to Redis at url.
func NewJobRegistry(ctx context.Context, url string) (*JobRegistry, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewJobRegistryWithClient(client), nil
}

// NewJobRegistryWithClient wraps an existing client. JOB_REGISTRY_TTL
// (Go duration or seconds) overrides the record lifetime.
func NewJobRegistryWithClient(client redis.UniversalClient) *JobRegistry {
	return &JobRegistry{client: client, ttl: registryTTL(), now: time.Now}
}

// RecordJob stores a newly started job and indexes it under its principal.
func (r *JobRegistry) RecordJob(ctx context.Context, rec JobRecord) error {
	if rec.AgentRunID == "" || rec.ThreadID == "" {
		return fmt.Errorf("thread id and agent run id required")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.Status == "" {
		rec.Status = agent.StatePending
	}
	fields := map[string]any{
		fieldThreadID:   rec.ThreadID,
		fieldAgentRunID: rec.AgentRunID,
		fieldPrincipal:  rec.Principal,
		fieldPrompt:     clip(rec.Prompt, maxPromptChars),
		fieldStatus:     string(rec.Status),
		fieldCreatedAt:  rec.CreatedAt.UnixMilli(),
		fieldUpdatedAt:  now.UnixMilli(),
	}
	if rec.Progress != nil {
		fields[fieldProgress] = strconv.FormatFloat(*rec.Progress, 'f', -1, 64)
	}
	metaKey := jobMetaKey(rec.AgentRunID)
	idxKey := recentKey(rec.Principal)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, metaKey, fields)
	pipe.ZAdd(ctx, idxKey, redis.Z{Score: float64(rec.CreatedAt.UnixMilli()), Member: rec.AgentRunID})
	pipe.ZRemRangeByRank(ctx, idxKey, 0, -(maxRecentPerUser + 1))
	if r.ttl > 0 {
		pipe.Expire(ctx, metaKey, r.ttl)
		pipe.Expire(ctx, idxKey, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// UpdateStatus records the latest observed status. Terminal records are
// left untouched; unknown run ids return ErrJobNotFound.
func (r *JobRegistry) UpdateStatus(ctx context.Context, agentRunID string, st *agent.JobStatus) error {
	if agentRunID == "" || st == nil {
		return fmt.Errorf("agent run id and status required")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	metaKey := jobMetaKey(agentRunID)

	return r.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, metaKey, fieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if agent.State(prev).Terminal() {
			return nil
		}
		fields := map[string]any{
			fieldStatus:    string(st.Status),
			fieldUpdatedAt: r.now().UTC().UnixMilli(),
		}
		if st.Progress != nil {
			fields[fieldProgress] = strconv.FormatFloat(*st.Progress, 'f', -1, 64)
		}
		pipe := tx.TxPipeline()
		pipe.HSet(ctx, metaKey, fields)
		_, err = pipe.Exec(ctx)
		return err
	}, metaKey)
}

// GetJob fetches one record by run id.
func (r *JobRegistry) GetJob(ctx context.Context, agentRunID string) (*JobRecord, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()
	meta, err := r.client.HGetAll(ctx, jobMetaKey(agentRunID)).Result()
	if err != nil {
		return nil, err
	}
	if len(meta) == 0 {
		return nil, ErrJobNotFound
	}
	rec := recordFromMeta(meta)
	return &rec, nil
}

// ListRecent returns the principal's most recently started jobs, newest first.
func (r *JobRegistry) ListRecent(ctx context.Context, principal string, limit int64) ([]JobRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxRecentPerUser {
		limit = maxRecentPerUser
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	ids, err := r.client.ZRevRange(ctx, recentKey(principal), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]JobRecord, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobMetaKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, cmd := range cmds {
		meta, err := cmd.Result()
		if err != nil || len(meta) == 0 {
			// expired between the index read and the fetch
			continue
		}
		out = append(out, recordFromMeta(meta))
	}
	return out, nil
}

// Ping checks Redis connectivity.
func (r *JobRegistry) Ping(ctx context.Context) error {
	ctx, cancel := opContext(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis client.
func (r *JobRegistry) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func recordFromMeta(meta map[string]string) JobRecord {
	rec := JobRecord{
		ThreadID:   meta[fieldThreadID],
		AgentRunID: meta[fieldAgentRunID],
		Principal:  meta[fieldPrincipal],
		Prompt:     meta[fieldPrompt],
		Status:     agent.State(meta[fieldStatus]),
		CreatedAt:  unixMilli(meta[fieldCreatedAt]),
		UpdatedAt:  unixMilli(meta[fieldUpdatedAt]),
	}
	if raw := meta[fieldProgress]; raw != "" {
		if p, err := strconv.ParseFloat(raw, 64); err == nil {
			rec.Progress = &p
		}
	}
	return rec
}

func unixMilli(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisTimeout)
}

func registryTTL() time.Duration {
	raw := strings.TrimSpace(os.Getenv(envJobRegistryTTL))
	if raw == "" {
		return defaultRegistryTTL
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultRegistryTTL
}

func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit]) + "…"
}

func jobMetaKey(agentRunID string) string {
	return jobMetaKeyPrefix + agentRunID
}

func recentKey(principal string) string {
	if principal == "" {
		principal = anonymousPrincipal
	}
	return jobRecentKeyPrefix + principal
}
