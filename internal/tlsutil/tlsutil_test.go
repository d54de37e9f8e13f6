package tlsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDisabledReturnsNil(t *testing.T) {
	cfg, err := Load(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil tls config when disabled, got %+v", cfg)
	}
}

func TestLoadWithoutClientCert(t *testing.T) {
	cfg, err := Load(Config{Enabled: true, InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil || !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure tls config, got %+v", cfg)
	}
	if len(cfg.Certificates) != 0 {
		t.Fatalf("expected no client certificates, got %d", len(cfg.Certificates))
	}
}

func TestLoadRejectsHalfConfiguredCert(t *testing.T) {
	if _, err := Load(Config{Enabled: true, CertPath: "/tmp/cert.pem"}); err == nil {
		t.Fatal("expected error when key path is missing")
	}
}

func TestLoadRejectsBadCA(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caPath, []byte("not a pem"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := Load(Config{Enabled: true, CAPath: caPath}); err == nil {
		t.Fatal("expected error for invalid CA bundle")
	}
	if _, err := Load(Config{Enabled: true, CAPath: filepath.Join(dir, "missing.pem")}); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}
