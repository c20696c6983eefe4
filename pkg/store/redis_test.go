package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestRedisTLSConfigDisabled(t *testing.T) {
	cfg, err := redisTLSConfig(envFrom(map[string]string{"REDIS_TLS": "false"}))
	if err != nil || cfg != nil {
		t.Fatalf("expected nil TLS config, got %v %v", cfg, err)
	}
}

func TestRedisTLSConfigInsecure(t *testing.T) {
	cfg, err := redisTLSConfig(envFrom(map[string]string{
		"REDIS_TLS":                "true",
		"REDIS_TLS_INSECURE":       "true",
		"REDIS_ALLOW_INSECURE_TLS": "true",
		"REDIS_TLS_SERVER_NAME":    "redis.internal",
	}))
	if err != nil {
		t.Fatalf("unexpected tls config error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify || cfg.ServerName != "redis.internal" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	if _, err := redisTLSConfig(envFrom(map[string]string{
		"REDIS_TLS":          "true",
		"REDIS_TLS_INSECURE": "true",
	})); err == nil {
		t.Fatal("expected insecure tls guard error")
	}
}

func TestRedisTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	badCA := filepath.Join(dir, "bad-ca.pem")
	if err := os.WriteFile(badCA, []byte("not-a-certificate"), 0o600); err != nil {
		t.Fatalf("write bad ca: %v", err)
	}
	badCert := filepath.Join(dir, "cert.pem")
	badKey := filepath.Join(dir, "key.pem")
	_ = os.WriteFile(badCert, []byte("bad-cert"), 0o600)
	_ = os.WriteFile(badKey, []byte("bad-key"), 0o600)

	cases := map[string]map[string]string{
		"incomplete mtls": {"REDIS_TLS": "true", "REDIS_TLS_CERT_FILE": "/tmp/client.pem"},
		"missing ca":      {"REDIS_TLS": "true", "REDIS_TLS_CA_CERT_FILE": "/tmp/non-existent-ca.pem"},
		"invalid ca":      {"REDIS_TLS": "true", "REDIS_TLS_CA_CERT_FILE": badCA},
		"bad keypair":     {"REDIS_TLS": "true", "REDIS_TLS_CERT_FILE": badCert, "REDIS_TLS_KEY_FILE": badKey},
	}
	for name, env := range cases {
		if _, err := redisTLSConfig(envFrom(env)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestRedisTLSConfigCAAndMTLS(t *testing.T) {
	tmp := t.TempDir()
	certPEM, keyPEM := mustCreateSelfSignedPEM(t)
	caPath := filepath.Join(tmp, "ca.pem")
	certPath := filepath.Join(tmp, "client.pem")
	keyPath := filepath.Join(tmp, "client-key.pem")
	for path, data := range map[string][]byte{caPath: certPEM, certPath: certPEM, keyPath: keyPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	cfg, err := redisTLSConfig(envFrom(map[string]string{
		"REDIS_TLS":              "true",
		"REDIS_TLS_CA_CERT_FILE": caPath,
		"REDIS_TLS_CERT_FILE":    certPath,
		"REDIS_TLS_KEY_FILE":     keyPath,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected CA pool and one certificate, got %+v", cfg)
	}
}

func TestNewRedisRejectsInsecureWhenRequired(t *testing.T) {
	client, err := NewRedis(context.Background(), "127.0.0.1:1", envFrom(map[string]string{
		"REDIS_REQUIRE_TLS": "true",
	}))
	if err == nil {
		_ = client.Close()
		t.Fatal("expected tls requirement error")
	}
	if !strings.Contains(err.Error(), "REDIS_REQUIRE_TLS") {
		t.Fatalf("expected REDIS_REQUIRE_TLS error, got %v", err)
	}
}

func TestNewRedisPingFailure(t *testing.T) {
	orig := redisPingTimeout
	redisPingTimeout = 200 * time.Millisecond
	defer func() { redisPingTimeout = orig }()

	if _, err := NewRedis(context.Background(), "127.0.0.1:1", envFrom(nil)); err == nil {
		t.Fatal("expected ping failure for closed port")
	}
}

func TestNewRedisSuccess(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client, err := NewRedis(context.Background(), "", envFrom(map[string]string{
		"REDIS_ADDR": mr.Addr(),
		"REDIS_DB":   "not-a-number",
	}))
	if err != nil {
		t.Fatalf("expected redis client success, got %v", err)
	}
	defer client.Close()
}

func TestTruthy(t *testing.T) {
	cases := map[string]bool{"true": true, "1": true, " YES ": true, "on": true, "false": false, "": false, "off": false}
	for val, want := range cases {
		if got := truthy(val); got != want {
			t.Fatalf("truthy(%q) = %v, want %v", val, got, want)
		}
	}
}

func mustCreateSelfSignedPEM(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "redis-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	priv := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return cert, priv
}
