package redisutil

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestConnectMiniredis(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	client, err := Connect(context.Background(), "redis://"+srv.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := srv.Get("k"); got != "v" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestConnectUnreachable(t *testing.T) {
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	addr := srv.Addr()
	srv.Close()
	if _, err := Connect(context.Background(), "redis://"+addr); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestParseOptionsRejectsBadURL(t *testing.T) {
	if _, err := ParseOptions("http://not-redis"); err == nil {
		t.Fatalf("expected url error")
	}
}

func TestParseOptionsNoTLS(t *testing.T) {
	opts, err := ParseOptions("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.TLSConfig != nil || opts.DB != 2 {
		t.Fatalf("unexpected options %#v", opts)
	}
}

func TestParseOptionsInsecureTLS(t *testing.T) {
	t.Setenv(envTLSInsecure, "yes")
	t.Setenv(envTLSServerName, "cache.internal")
	opts, err := ParseOptions("redis://localhost:6379")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify || opts.TLSConfig.ServerName != "cache.internal" {
		t.Fatalf("unexpected tls config %#v", opts.TLSConfig)
	}
}

func TestParseOptionsClientCert(t *testing.T) {
	certPath, keyPath := writeTempCert(t, t.TempDir())
	t.Setenv(envTLSCA, certPath)
	t.Setenv(envTLSCert, certPath)
	t.Setenv(envTLSKey, keyPath)

	opts, err := ParseOptions("rediss://localhost:6380")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.TLSConfig.RootCAs == nil || len(opts.TLSConfig.Certificates) != 1 {
		t.Fatalf("expected CA pool and client cert")
	}
}

func TestParseOptionsCertWithoutKey(t *testing.T) {
	certPath, _ := writeTempCert(t, t.TempDir())
	t.Setenv(envTLSCert, certPath)
	if _, err := ParseOptions("redis://localhost:6379"); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestSplitAddrs(t *testing.T) {
	got := splitAddrs(" a:1, b:2\nc:3 ")
	if len(got) != 3 || got[0] != "a:1" || got[2] != "c:3" {
		t.Fatalf("unexpected addrs %v", got)
	}
	if splitAddrs("") != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func writeTempCert(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(7),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPath := filepath.Join(dir, "redis.crt")
	keyPath := filepath.Join(dir, "redis.key")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}
