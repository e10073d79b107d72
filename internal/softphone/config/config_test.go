package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"-advertise", "127.0.0.1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIAddr != "127.0.0.1:7070" || cfg.SIP.Port != 5070 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.DTMFPacing != 300*time.Millisecond {
		t.Errorf("pacing = %v", cfg.DTMFPacing)
	}
	if cfg.Speech.Voice != "en-US-AvaMultilingualNeural" {
		t.Errorf("voice = %q", cfg.Speech.Voice)
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "softphone.yaml")
	yaml := `
identity: yaml-agent
setup_timeout: 45s
sip:
  port: 5080
  domain: pbx.example.com
  codecs: [PCMA]
audio:
  device: "null"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SOFTPHONE_SIP_PORT", "5090")
	t.Setenv("AZURE_SPEECH_REGION", "westus")

	cfg, err := Load([]string{"-config", path, "-identity", "flag-agent", "-advertise", "127.0.0.1"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConfigFile != path {
		t.Errorf("config file = %q", cfg.ConfigFile)
	}
	// flag beats file
	if cfg.Identity != "flag-agent" {
		t.Errorf("identity = %q", cfg.Identity)
	}
	// file beats default
	if cfg.SetupTimeout != 45*time.Second || cfg.SIP.Domain != "pbx.example.com" || cfg.Audio.Device != "null" {
		t.Errorf("file values = %v %q %q", cfg.SetupTimeout, cfg.SIP.Domain, cfg.Audio.Device)
	}
	if len(cfg.SIP.Codecs) != 1 || cfg.SIP.Codecs[0] != "PCMA" {
		t.Errorf("codecs = %v", cfg.SIP.Codecs)
	}
	// env beats file
	if cfg.SIP.Port != 5090 || cfg.Speech.Region != "westus" {
		t.Errorf("env values = %d %q", cfg.SIP.Port, cfg.Speech.Region)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Audio.Device = "pulse"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown device should fail")
	}

	cfg = Default()
	cfg.SIP.RegisterExpiry = time.Hour
	if err := cfg.Validate(); err == nil {
		t.Error("registration without username should fail")
	}

	if _, err := Load([]string{"-nope"}); err == nil {
		t.Error("unknown flag should fail")
	}
}
