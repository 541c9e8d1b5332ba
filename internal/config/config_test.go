package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	l, err := New(nil, "")
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendMemory {
		t.Fatalf("expected default backend memory, got %s", cfg.Backend)
	}
	if cfg.HealthIntervalMin != 5*time.Second {
		t.Fatalf("expected default health interval min 5s, got %s", cfg.HealthIntervalMin)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	os.Setenv("BATATA_BACKEND", "oracle")
	defer os.Unsetenv("BATATA_BACKEND")

	l, err := New(nil, "")
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if _, err := l.Load(); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	os.Setenv("BATATA_NODE_ID", "node-from-env")
	defer os.Unsetenv("BATATA_NODE_ID")

	l, err := New(nil, "")
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeID != "node-from-env" {
		t.Fatalf("expected env override to take effect, got %q", cfg.NodeID)
	}
}
