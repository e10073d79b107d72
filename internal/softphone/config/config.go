package config

import (
	"flag"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sebas/dialtest/internal/configutil"
)

// SIPConfig holds the SIP provider settings
type SIPConfig struct {
	Port          int    `yaml:"port"`
	BindAddr      string `yaml:"bind"`
	AdvertiseAddr string `yaml:"advertise"` // Address to advertise in SIP headers and SDP
	Domain        string `yaml:"domain"`
	Proxy         string `yaml:"proxy"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	DisplayName   string `yaml:"display_name"`

	// RegisterExpiry of zero disables REGISTER
	RegisterExpiry time.Duration `yaml:"register_expiry"`
	InviteTimeout  time.Duration `yaml:"invite_timeout"`
	ToneDuration   time.Duration `yaml:"tone_duration"`

	RTPPortMin int      `yaml:"rtp_port_min"`
	RTPPortMax int      `yaml:"rtp_port_max"`
	Codecs     []string `yaml:"codecs"`
}

// AudioConfig holds the mixing graph settings
type AudioConfig struct {
	Device   string  `yaml:"device"` // malgo or null
	MicGain  float64 `yaml:"mic_gain"`
	ClipGain float64 `yaml:"clip_gain"`
}

// SpeechConfig holds text-to-speech settings. Without a key, tokens are
// fetched from the router.
type SpeechConfig struct {
	Key      string `yaml:"key"`
	Region   string `yaml:"region"`
	Voice    string `yaml:"voice"`
	Endpoint string `yaml:"endpoint"`
}

// Config holds the softphone configuration
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Control surfaces
	APIAddr  string `yaml:"api_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	// Identity is the agent id used for the provider and the router
	Identity string `yaml:"identity"`
	// Token is the provider credential; for SIP it overrides the password
	Token string `yaml:"token"`
	// RouterURL enables the agent channel when set
	RouterURL string `yaml:"router_url"`

	SetupTimeout time.Duration `yaml:"setup_timeout"`
	GraceDelay   time.Duration `yaml:"grace_delay"`
	DTMFPacing   time.Duration `yaml:"dtmf_pacing"`

	SIP    SIPConfig    `yaml:"sip"`
	Audio  AudioConfig  `yaml:"audio"`
	Speech SpeechConfig `yaml:"speech"`

	ConfigFile string `yaml:"-"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		APIAddr:      "127.0.0.1:7070",
		GRPCAddr:     "127.0.0.1:7071",
		SetupTimeout: 60 * time.Second,
		GraceDelay:   2 * time.Second,
		DTMFPacing:   300 * time.Millisecond,
		SIP: SIPConfig{
			Port:          5070,
			BindAddr:      "0.0.0.0",
			InviteTimeout: 60 * time.Second,
			ToneDuration:  200 * time.Millisecond,
			RTPPortMin:    20000,
			RTPPortMax:    20100,
			Codecs:        []string{"PCMU", "PCMA"},
		},
		Audio: AudioConfig{
			Device:   "malgo",
			MicGain:  1.5,
			ClipGain: 2.0,
		},
		Speech: SpeechConfig{
			Voice: "en-US-AvaMultilingualNeural",
		},
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

	fs := flag.NewFlagSet("softphone", flag.ContinueOnError)
	fs.String("config", cfg.ConfigFile, "Path to YAML config file")
	fs.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.APIAddr, "api", cfg.APIAddr, "Control API listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc", cfg.GRPCAddr, "gRPC health listen address")
	fs.StringVar(&cfg.Identity, "identity", cfg.Identity, "Agent identity")
	fs.StringVar(&cfg.RouterURL, "router", cfg.RouterURL, "Router base URL for the agent channel (empty disables)")
	fs.DurationVar(&cfg.SetupTimeout, "setup-timeout", cfg.SetupTimeout, "Hang up calls that do not connect in time")
	fs.DurationVar(&cfg.DTMFPacing, "dtmf-pacing", cfg.DTMFPacing, "Delay between tones of a keypad string")
	fs.IntVar(&cfg.SIP.Port, "sip-port", cfg.SIP.Port, "SIP listening port")
	fs.StringVar(&cfg.SIP.BindAddr, "bind", cfg.SIP.BindAddr, "SIP bind address")
	fs.StringVar(&cfg.SIP.AdvertiseAddr, "advertise", cfg.SIP.AdvertiseAddr, "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.SIP.Domain, "domain", cfg.SIP.Domain, "SIP domain for bare numbers and registration")
	fs.StringVar(&cfg.SIP.Proxy, "proxy", cfg.SIP.Proxy, "Outbound proxy host:port")
	fs.StringVar(&cfg.SIP.Username, "username", cfg.SIP.Username, "SIP username")
	fs.DurationVar(&cfg.SIP.RegisterExpiry, "register", cfg.SIP.RegisterExpiry, "REGISTER expiry (0 disables)")
	fs.StringVar(&cfg.Audio.Device, "audio", cfg.Audio.Device, "Audio device backend (malgo, null)")

	var codecs string
	fs.StringVar(&codecs, "codecs", strings.Join(cfg.SIP.Codecs, ","), "Offered codecs in preference order")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.SIP.Codecs = configutil.SplitList(codecs)

	applyEnv(cfg)

	if cfg.SIP.AdvertiseAddr == "" || !isValidAddress(cfg.SIP.AdvertiseAddr) {
		cfg.SIP.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if cfg.Identity == "" {
		cfg.Identity = cfg.SIP.Username
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from SOFTPHONE_* and AZURE_* variables.
func applyEnv(cfg *Config) {
	configutil.String(&cfg.LogLevel, "SOFTPHONE_LOGLEVEL", "LOGLEVEL")
	configutil.String(&cfg.APIAddr, "SOFTPHONE_API_ADDR")
	configutil.String(&cfg.GRPCAddr, "SOFTPHONE_GRPC_ADDR")
	configutil.String(&cfg.Identity, "SOFTPHONE_IDENTITY")
	configutil.String(&cfg.Token, "SOFTPHONE_TOKEN")
	configutil.String(&cfg.RouterURL, "SOFTPHONE_ROUTER_URL")
	configutil.Duration(&cfg.SetupTimeout, "SOFTPHONE_SETUP_TIMEOUT")
	configutil.Duration(&cfg.DTMFPacing, "SOFTPHONE_DTMF_PACING")

	configutil.Int(&cfg.SIP.Port, "SOFTPHONE_SIP_PORT")
	configutil.String(&cfg.SIP.BindAddr, "SOFTPHONE_SIP_BIND")
	configutil.String(&cfg.SIP.AdvertiseAddr, "SOFTPHONE_SIP_ADVERTISE")
	configutil.String(&cfg.SIP.Domain, "SOFTPHONE_SIP_DOMAIN")
	configutil.String(&cfg.SIP.Proxy, "SOFTPHONE_SIP_PROXY")
	configutil.String(&cfg.SIP.Username, "SOFTPHONE_SIP_USERNAME")
	configutil.String(&cfg.SIP.Password, "SOFTPHONE_SIP_PASSWORD")
	configutil.Duration(&cfg.SIP.RegisterExpiry, "SOFTPHONE_SIP_REGISTER_EXPIRY")
	configutil.Int(&cfg.SIP.RTPPortMin, "SOFTPHONE_RTP_PORT_MIN")
	configutil.Int(&cfg.SIP.RTPPortMax, "SOFTPHONE_RTP_PORT_MAX")
	configutil.List(&cfg.SIP.Codecs, "SOFTPHONE_SIP_CODECS")

	configutil.String(&cfg.Audio.Device, "SOFTPHONE_AUDIO_DEVICE")
	configutil.Float(&cfg.Audio.MicGain, "SOFTPHONE_MIC_GAIN")
	configutil.Float(&cfg.Audio.ClipGain, "SOFTPHONE_CLIP_GAIN")

	configutil.String(&cfg.Speech.Key, "AZURE_SPEECH_KEY", "VITE_SPEECH_KEY")
	configutil.String(&cfg.Speech.Region, "AZURE_SPEECH_REGION", "VITE_SPEECH_REGION")
	configutil.String(&cfg.Speech.Voice, "AZURE_SPEECH_VOICE")
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Audio.Device {
	case "malgo", "null":
	default:
		return fmt.Errorf("unknown audio device %q (want malgo or null)", c.Audio.Device)
	}
	if c.SIP.RTPPortMin > c.SIP.RTPPortMax {
		return fmt.Errorf("rtp port range %d-%d is empty", c.SIP.RTPPortMin, c.SIP.RTPPortMax)
	}
	if c.SIP.RegisterExpiry > 0 && c.SIP.Username == "" {
		return fmt.Errorf("registration needs a SIP username")
	}
	return nil
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	if ips, err := net.LookupIP(addr); err == nil && len(ips) > 0 {
		return true
	}
	return false
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
