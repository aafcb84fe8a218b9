package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envTLSCA         = "REDIS_TLS_CA"
	envTLSCert       = "REDIS_TLS_CERT"
	envTLSKey        = "REDIS_TLS_KEY"
	envTLSInsecure   = "REDIS_TLS_INSECURE"
	envTLSServerName = "REDIS_TLS_SERVER_NAME"
	envClusterAddrs  = "REDIS_CLUSTER_ADDRESSES"

	pingTimeout = 2 * time.Second
)

// Connect builds a client from url and verifies it answers PING.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewClient creates a universal client. REDIS_CLUSTER_ADDRESSES switches it
// to cluster mode; REDIS_TLS_* variables configure TLS.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := splitAddrs(os.Getenv(envClusterAddrs))
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// ParseOptions parses a Redis URL and layers env TLS settings on top.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	tlsCfg, err := tlsFromEnv(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsCfg
	return opts, nil
}

type tlsEnv struct {
	ca, cert, key, serverName string
	insecure                  bool
}

func readTLSEnv() tlsEnv {
	return tlsEnv{
		ca:         strings.TrimSpace(os.Getenv(envTLSCA)),
		cert:       strings.TrimSpace(os.Getenv(envTLSCert)),
		key:        strings.TrimSpace(os.Getenv(envTLSKey)),
		serverName: strings.TrimSpace(os.Getenv(envTLSServerName)),
		insecure:   truthy(os.Getenv(envTLSInsecure)),
	}
}

func (e tlsEnv) empty() bool {
	return e.ca == "" && e.cert == "" && e.key == "" && e.serverName == "" && !e.insecure
}

func tlsFromEnv(base *tls.Config) (*tls.Config, error) {
	env := readTLSEnv()
	if env.empty() {
		return base, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if env.serverName != "" {
		cfg.ServerName = env.serverName
	}
	// #nosec G402 -- opt-in for local development only.
	cfg.InsecureSkipVerify = cfg.InsecureSkipVerify || env.insecure

	if env.ca != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(env.ca)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca parse: %s", env.ca)
		}
		cfg.RootCAs = pool
	}
	switch {
	case env.cert == "" && env.key == "":
	case env.cert == "" || env.key == "":
		return nil, fmt.Errorf("redis tls cert/key must be set together")
	default:
		pair, err := tls.LoadX509KeyPair(env.cert, env.key)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

func truthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func splitAddrs(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	}) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
