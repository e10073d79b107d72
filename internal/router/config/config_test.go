package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PORT", "ROUTER_ADDR", "ROUTER_SELECTION_POLICY", "ROUTER_DEDUP_WINDOW", "AZURE_ACS_CONNECTION_STRING", "ACS_CONNECTION_STRING"} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":4000" || cfg.SelectionPolicy != "lifo" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.DedupWindow != 10*time.Second {
		t.Errorf("dedup window = %v", cfg.DedupWindow)
	}
	if cfg.NodeID == "" {
		t.Error("node id should default to the hostname")
	}
}

func TestLoadLayering(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "router.yaml")
	yaml := `
selection_policy: rotate
dedup_window: 5s
origins: [app.example.com]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "8080")
	t.Setenv("ACS_CONNECTION_STRING", "endpoint=https://x/;accesskey=a2V5")

	cfg, err := Load([]string{"-config", path, "-dedup-window", "7s"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// file beats default
	if cfg.SelectionPolicy != "rotate" || len(cfg.Origins) != 1 {
		t.Errorf("file values = %q %v", cfg.SelectionPolicy, cfg.Origins)
	}
	// flag beats file
	if cfg.DedupWindow != 7*time.Second {
		t.Errorf("dedup window = %v", cfg.DedupWindow)
	}
	// env beats everything
	if cfg.Addr != ":8080" || cfg.ConnectionString == "" {
		t.Errorf("env values = %q %q", cfg.Addr, cfg.ConnectionString)
	}

	t.Setenv("ROUTER_ADDR", "127.0.0.1:9000")
	cfg, err = Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "127.0.0.1:9000" {
		t.Errorf("ROUTER_ADDR should win over PORT, got %q", cfg.Addr)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.SelectionPolicy = "random"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown policy should fail")
	}

	cfg = Default()
	cfg.DedupWindow = 0
	if err := cfg.Validate(); err == nil {
		t.Error("zero dedup window should fail")
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}
