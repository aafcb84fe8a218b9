package agent

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Aliases lists, per logical field, the upstream JSON keys that may carry it.
// The first key present wins.
type Aliases struct {
	RunID    []string `yaml:"run_id"`
	ThreadID []string `yaml:"thread_id"`
	Status   []string `yaml:"status"`
	Result   []string `yaml:"result"`
	Progress []string `yaml:"progress"`
	Error    []string `yaml:"error"`
}

// DefaultAliases returns the built-in alias priority lists.
func DefaultAliases() Aliases {
	return Aliases{
		RunID:    []string{"agent_run_id", "run_id", "id"},
		ThreadID: []string{"thread_id", "threadId", "id"},
		Status:   []string{"status", "state"},
		Result:   []string{"result", "output", "responses", "story"},
		Progress: []string{"progress", "percent"},
		Error:    []string{"error", "message"},
	}
}

// WithDefaults fills empty lists from DefaultAliases.
func (a Aliases) WithDefaults() Aliases {
	def := DefaultAliases()
	if len(a.RunID) == 0 {
		a.RunID = def.RunID
	}
	if len(a.ThreadID) == 0 {
		a.ThreadID = def.ThreadID
	}
	if len(a.Status) == 0 {
		a.Status = def.Status
	}
	if len(a.Result) == 0 {
		a.Result = def.Result
	}
	if len(a.Progress) == 0 {
		a.Progress = def.Progress
	}
	if len(a.Error) == 0 {
		a.Error = def.Error
	}
	return a
}

// envelopeKey is the wrapper object some upstream versions nest payloads in.
const envelopeKey = "data"

// lookup returns the first alias present in body, checking the top level
// before the "data" envelope. Null values count as absent.
func lookup(body map[string]any, aliases []string) (any, bool) {
	if v, ok := lookupFlat(body, aliases); ok {
		return v, true
	}
	if inner, ok := body[envelopeKey].(map[string]any); ok {
		return lookupFlat(inner, aliases)
	}
	return nil, false
}

func lookupFlat(body map[string]any, aliases []string) (any, bool) {
	for _, key := range aliases {
		if v, ok := body[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// lookupString is lookup restricted to scalar values, rendered as strings.
// Empty strings are skipped so a blank "run_id" does not shadow "id".
func lookupString(body map[string]any, aliases []string) string {
	for _, scope := range []map[string]any{body, nestedEnvelope(body)} {
		if scope == nil {
			continue
		}
		for _, key := range aliases {
			if s := scalarString(scope[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

func nestedEnvelope(body map[string]any) map[string]any {
	inner, _ := body[envelopeKey].(map[string]any)
	return inner
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int, int64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func lookupFloat(body map[string]any, aliases []string) (float64, bool) {
	v, ok := lookup(body, aliases)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// errorText renders an upstream error field, which may be a string or an
// object carrying a message.
func errorText(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		if msg := lookupString(t, []string{"message", "detail", "error"}); msg != "" {
			return msg
		}
	}
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return truncate(string(data), previewLimit)
}

// parseStatus builds a JobStatus from a decoded upstream status payload.
func parseStatus(body map[string]any, aliases Aliases) *JobStatus {
	raw := lookupString(body, aliases.Status)
	st := &JobStatus{Status: NormalizeState(raw), RawStatus: raw}
	if p, ok := lookupFloat(body, aliases.Progress); ok {
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		st.Progress = &p
	}
	if res, ok := lookup(body, aliases.Result); ok {
		st.Result = res
	}
	if errVal, ok := lookup(body, aliases.Error); ok {
		// Secondary aliases such as "message" only count when the job failed.
		if st.Status == StateFailed || hasKey(body, aliases.Error[0]) {
			st.Error = errorText(errVal)
		}
	}
	return st
}

func hasKey(body map[string]any, key string) bool {
	if v, ok := body[key]; ok && v != nil {
		return true
	}
	if inner := nestedEnvelope(body); inner != nil {
		if v, ok := inner[key]; ok && v != nil {
			return true
		}
	}
	return false
}
