package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/storyloom/storyloom/core/agent"
	"github.com/storyloom/storyloom/core/auth"
	"github.com/storyloom/storyloom/core/infra/logging"
	"github.com/storyloom/storyloom/core/infra/schema"
)

// maxDetailLen bounds the details field of an error envelope.
const maxDetailLen = 512

type errorEnvelope struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorEnvelope(w http.ResponseWriter, status int, msg, details string) {
	writeJSON(w, status, errorEnvelope{Error: msg, Details: clipDetail(details)})
}

// writeError maps err to a status and envelope. The full error goes to the
// log only.
func writeError(w http.ResponseWriter, log *logging.Logger, err error) {
	status, msg, details := describeError(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "status", status, "kind", agent.KindOf(err), "error", err)
	} else {
		log.Warn("request rejected", "status", status, "kind", agent.KindOf(err), "error", err)
	}
	writeErrorEnvelope(w, status, msg, details)
}

func describeError(err error) (int, string, string) {
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, "invalid request", verr.Detail
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		return http.StatusUnauthorized, "missing or invalid credentials", ""
	}
	var aerr *agent.Error
	if !errors.As(err, &aerr) {
		return http.StatusInternalServerError, "internal error", ""
	}
	return statusForKind(aerr), aerr.UserMessage(), detailsFor(aerr)
}

func statusForKind(e *agent.Error) int {
	switch e.Kind {
	case agent.KindUnauthorized, agent.KindAuthRejected:
		return http.StatusUnauthorized
	case agent.KindInvalidRequest:
		return http.StatusBadRequest
	case agent.KindUnreachable:
		return http.StatusServiceUnavailable
	case agent.KindBadUpstreamFormat, agent.KindEndpointNotFound, agent.KindAllEndpointsFailed:
		return http.StatusBadGateway
	case agent.KindUpstreamError:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	case agent.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func detailsFor(e *agent.Error) string {
	if e.Kind == agent.KindAllEndpointsFailed && len(e.Attempted) > 0 {
		d := "tried " + strings.Join(e.Attempted, ", ")
		if e.Preview != "" {
			d += ": " + e.Preview
		}
		return d
	}
	return e.Preview
}

func clipDetail(s string) string {
	if len(s) <= maxDetailLen {
		return s
	}
	cut := maxDetailLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
