package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nuetzliches/accountdelete/internal/config"
)

func TestBuildTracingTLSConfig_None(t *testing.T) {
	cfg, err := buildTracingTLSConfig(config.TracingTLSConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config, got %#v", cfg)
	}
}

func TestBuildTracingTLSConfig_MissingCAFile(t *testing.T) {
	_, err := buildTracingTLSConfig(config.TracingTLSConfig{
		CAFile: filepath.Join(t.TempDir(), "missing-ca.pem"),
	})
	if err == nil {
		t.Fatalf("expected error for missing ca file")
	}
}

func TestBuildTracingTLSConfig_CAFileWithoutCerts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := buildTracingTLSConfig(config.TracingTLSConfig{CAFile: path}); err == nil {
		t.Fatalf("expected error for ca file without certificates")
	}
}

func TestBuildTracingTLSConfig_ServerNameAndSkipVerify(t *testing.T) {
	cfg, err := buildTracingTLSConfig(config.TracingTLSConfig{
		ServerName:         "otel.example.com",
		InsecureSkipVerify: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatalf("expected tls config")
	}
	if cfg.ServerName != "otel.example.com" {
		t.Fatalf("unexpected server name %q", cfg.ServerName)
	}
	if !cfg.InsecureSkipVerify {
		t.Fatalf("expected insecure skip verify true")
	}
}

func TestInitTracing_ShutdownWithoutCollector(t *testing.T) {
	shutdown, err := initTracing(context.Background(), config.TracingConfig{
		Enabled:   true,
		Collector: "http://127.0.0.1:1/v1/traces",
		Insecure:  true,
	}, nil)
	if err != nil {
		t.Fatalf("init tracing: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
