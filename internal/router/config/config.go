package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sebas/dialtest/internal/configutil"
	"github.com/sebas/dialtest/internal/router/pool"
)

// Config holds the router configuration
type Config struct {
	LogLevel string `yaml:"log_level"`
	NodeID   string `yaml:"node_id"`

	// Listen addresses
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// SelectionPolicy is lifo or rotate
	SelectionPolicy  string        `yaml:"selection_policy"`
	DedupWindow      time.Duration `yaml:"dedup_window"`
	RedirectTimeout  time.Duration `yaml:"redirect_timeout"`
	HistoryRetention time.Duration `yaml:"history_retention"`

	// Origins allowed on the agent channel; empty allows any
	Origins []string `yaml:"origins"`

	// ConnectionString for the provider's call automation API. Empty
	// runs the router in dry-run mode.
	ConnectionString string `yaml:"connection_string"`

	SpeechKey    string `yaml:"speech_key"`
	SpeechRegion string `yaml:"speech_region"`

	ConfigFile string `yaml:"-"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		Addr:             ":4000",
		GRPCAddr:         ":4001",
		SelectionPolicy:  string(pool.PolicyLIFO),
		DedupWindow:      10 * time.Second,
		RedirectTimeout:  10 * time.Second,
		HistoryRetention: 24 * time.Hour,
	}
}

// Load layers defaults, .env, the YAML file, flags and environment
// variables, in that order.
func Load(args []string) (*Config, error) {
	if err := configutil.LoadDotEnv(); err != nil {
		return nil, err
	}

	cfg := Default()
	if path := configutil.ConfigPath(args); path != "" {
		if err := configutil.ReadYAML(path, cfg); err != nil {
			return nil, err
		}
		cfg.ConfigFile = path
	}

	fs := flag.NewFlagSet("router", flag.ContinueOnError)
	fs.String("config", cfg.ConfigFile, "Path to YAML config file")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.NodeID, "node", cfg.NodeID, "Node id stamped on router events (defaults to hostname)")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc", cfg.GRPCAddr, "gRPC health listen address")
	fs.StringVar(&cfg.SelectionPolicy, "policy", cfg.SelectionPolicy, "Agent selection policy (lifo, rotate)")
	fs.DurationVar(&cfg.DedupWindow, "dedup-window", cfg.DedupWindow, "Per-caller duplicate suppression window")
	fs.DurationVar(&cfg.RedirectTimeout, "redirect-timeout", cfg.RedirectTimeout, "Timeout for one redirect request")
	fs.DurationVar(&cfg.HistoryRetention, "history-retention", cfg.HistoryRetention, "How long call records are kept")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if cfg.NodeID == "" {
		cfg.NodeID, _ = os.Hostname()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from ROUTER_* and provider variables.
func applyEnv(cfg *Config) {
	var port string
	configutil.String(&port, "PORT")
	if port != "" {
		cfg.Addr = ":" + port
	}
	configutil.String(&cfg.Addr, "ROUTER_ADDR")
	configutil.String(&cfg.LogLevel, "ROUTER_LOGLEVEL", "LOGLEVEL")
	configutil.String(&cfg.NodeID, "ROUTER_NODE_ID")
	configutil.String(&cfg.GRPCAddr, "ROUTER_GRPC_ADDR")
	configutil.String(&cfg.SelectionPolicy, "ROUTER_SELECTION_POLICY")
	configutil.Duration(&cfg.DedupWindow, "ROUTER_DEDUP_WINDOW")
	configutil.Duration(&cfg.RedirectTimeout, "ROUTER_REDIRECT_TIMEOUT")
	configutil.Duration(&cfg.HistoryRetention, "ROUTER_HISTORY_RETENTION")
	configutil.List(&cfg.Origins, "ROUTER_ORIGINS")

	configutil.String(&cfg.ConnectionString, "AZURE_ACS_CONNECTION_STRING", "ACS_CONNECTION_STRING")
	configutil.String(&cfg.SpeechKey, "AZURE_SPEECH_KEY", "VITE_SPEECH_KEY")
	configutil.String(&cfg.SpeechRegion, "AZURE_SPEECH_REGION", "VITE_SPEECH_REGION")
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := pool.ParsePolicy(c.SelectionPolicy); err != nil {
		return err
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup window must be positive, got %v", c.DedupWindow)
	}
	if c.RedirectTimeout <= 0 {
		return fmt.Errorf("redirect timeout must be positive, got %v", c.RedirectTimeout)
	}
	if c.HistoryRetention <= 0 {
		return fmt.Errorf("history retention must be positive, got %v", c.HistoryRetention)
	}
	return nil
}
