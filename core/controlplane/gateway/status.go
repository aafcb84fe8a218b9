package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/storyloom/storyloom/core/auth"
	"github.com/storyloom/storyloom/core/infra/buildinfo"
)

type statusResponse struct {
	Upstream      string            `json:"upstream"`
	Candidates    []string          `json:"candidates"`
	TokenAuth     string            `json:"token_auth"`
	Registry      string            `json:"registry"`
	Bus           string            `json:"bus"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Build         map[string]string `json:"build"`
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Upstream:      s.upstreamBase,
		Candidates:    s.candidates,
		TokenAuth:     "verified",
		Registry:      "disabled",
		Bus:           "disabled",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Build:         buildinfo.Fields(),
	}
	if _, ok := s.verifier.(auth.NoopVerifier); ok {
		resp.TokenAuth = "passthrough"
	}
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		resp.Registry = "ok"
		if err := s.registry.Ping(ctx); err != nil {
			s.log.Warn("registry ping failed", "error", err)
			resp.Registry = "error"
		}
	}
	if s.busState != nil {
		resp.Bus = s.busState.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}
