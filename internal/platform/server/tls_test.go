package server

import (
	"path/filepath"
	"testing"

	"github.com/wizardbeardstudio/open-ledger-go/internal/platform/config"
)

func TestBuildTLSConfigDisabled(t *testing.T) {
	cfg, err := BuildTLSConfig(config.TLS{})
	if err != nil || cfg != nil {
		t.Fatalf("disabled tls: cfg=%v err=%v", cfg, err)
	}
}

func TestBuildTLSConfigRejectsIncompleteSettings(t *testing.T) {
	if _, err := BuildTLSConfig(config.TLS{Enabled: true}); err == nil {
		t.Fatalf("expected error for missing cert/key")
	}
	missing := filepath.Join(t.TempDir(), "missing.pem")
	if _, err := BuildTLSConfig(config.TLS{Enabled: true, CertFile: missing, KeyFile: missing}); err == nil {
		t.Fatalf("expected error for unreadable keypair")
	}
}
