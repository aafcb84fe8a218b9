package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/storyloom/storyloom/core/auth"
	"github.com/storyloom/storyloom/core/infra/logging"
)

const (
	defaultRateLimitRPS   = 50
	defaultRateLimitBurst = 100
	envRateLimitRPS       = "API_RATE_LIMIT_RPS"
	envRateLimitBurst     = "API_RATE_LIMIT_BURST"
	envAllowedOrigins     = "ALLOWED_ORIGINS"
	envAllowedOriginsAlt  = "CORS_ALLOW_ORIGINS"
	headerRequestID       = "X-Request-ID"
	wsTokenProtocol       = "storyloom-token"
	maxRequestIDLen       = 128
)

type requestIDKey struct{}

type requestAuthKey struct{}

// requestAuth is the caller identity attached to a request context.
type requestAuth struct {
	Credential string
	Principal  string
}

func authFromContext(ctx context.Context) *requestAuth {
	if ctx == nil {
		return nil
	}
	if ra, ok := ctx.Value(requestAuthKey{}).(*requestAuth); ok {
		return ra
	}
	return nil
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// requestLogger returns a gateway logger bound to the request id.
func requestLogger(r *http.Request) *logging.Logger {
	return logging.New("gateway").With("request_id", requestIDFromContext(r.Context()))
}

// requestIDMiddleware propagates X-Request-ID or assigns a fresh one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requiresAuth(path string) bool {
	return strings.HasPrefix(path, "/job/") || strings.HasPrefix(path, "/api/")
}

// authMiddleware extracts the bearer credential, verifies it, and injects
// the caller identity. Rejected requests never reach a handler.
func authMiddleware(verifier auth.Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuth(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		token, err := credentialFromRequest(r)
		if err != nil {
			writeErrorEnvelope(w, http.StatusUnauthorized, "missing or invalid credentials", "")
			return
		}
		principal, err := verifier.Verify(token)
		if err != nil {
			requestLogger(r).Warn("token rejected", "path", r.URL.Path, "error", err)
			writeErrorEnvelope(w, http.StatusUnauthorized, "invalid token", "")
			return
		}
		ra := &requestAuth{Credential: token}
		if principal != nil {
			ra.Principal = principal.Subject
		}
		ctx := context.WithValue(r.Context(), requestAuthKey{}, ra)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// credentialFromRequest reads the Authorization header; websocket upgrades
// may instead carry the token as a subprotocol pair.
func credentialFromRequest(r *http.Request) (string, error) {
	token, err := auth.BearerToken(r)
	if err == nil {
		return token, nil
	}
	if r.Header.Get("Authorization") == "" && websocket.IsWebSocketUpgrade(r) {
		if ws := tokenFromWebSocket(r); ws != "" {
			return ws, nil
		}
	}
	return "", err
}

func tokenFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	prefix := wsTokenProtocol + "."
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsTokenProtocol) && i+1 < len(protocols) {
			return decodeWSToken(protocols[i+1])
		}
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSToken(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				writeErrorEnvelope(w, http.StatusForbidden, "origin not allowed", "")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", headerRequestID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin admits requests without Origin, any origin when the allow
// list is "*", listed origins, and otherwise only localhost or same-host.
func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}
	if len(allowed) > 0 {
		_, ok := allowed[origin]
		return ok
	}
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	reqHost := strings.ToLower(requestHostname(r.Host))
	return reqHost != "" && host == reqHost
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	for _, key := range []string{envAllowedOrigins, envAllowedOriginsAlt} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			return nil, true
		}
		set := make(map[string]struct{})
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimRight(strings.TrimSpace(part), "/"); p != "" {
				set[p] = struct{}{}
			}
		}
		return set, false
	}
	return nil, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

// tokenBucket is a lazily refilled limiter shared by all callers.
type tokenBucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

func newTokenBucket(rps, burst int) *tokenBucket {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &tokenBucket{
		capacity: float64(burst),
		tokens:   float64(burst),
		rate:     float64(rps),
		last:     time.Now(),
		now:      time.Now,
	}
}

// newTokenBucketFromEnv reads API_RATE_LIMIT_RPS/BURST; "0" disables limiting.
func newTokenBucketFromEnv() *tokenBucket {
	rps := envLimit(envRateLimitRPS, defaultRateLimitRPS)
	burst := envLimit(envRateLimitBurst, defaultRateLimitBurst)
	return newTokenBucket(rps, burst)
}

func envLimit(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// Allow takes one token if available.
func (tb *tokenBucket) Allow() bool {
	if tb == nil {
		return true
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := tb.now()
	if elapsed := now.Sub(tb.last).Seconds(); elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
	}
	tb.last = now
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

func rateLimitMiddleware(limiter *tokenBucket, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuth(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			writeErrorEnvelope(w, http.StatusTooManyRequests, "rate limited", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking to the underlying writer.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	// Upgraded connections report 101 regardless of what was written.
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record request metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}
