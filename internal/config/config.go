// Package config loads the peer's tunable constants and network identity
// as a single immutable Config value built by layering, in increasing
// precedence: compiled-in defaults, an optional YAML file, environment
// variables (via a local .env file in development), and command-line
// flags. Flags are layered on top in cmd/peerd, not here, since pflag
// binding is naturally a main-package concern.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide set of tunables plus the network identity and
// storage location a peer boots with.
type Config struct {
	// Identity
	ListenAddr   string `yaml:"listen_addr"`
	DiscoveryTag string `yaml:"discovery_tag"`
	KeyFile      string `yaml:"key_file"`

	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// Storage
	StorageDir string `yaml:"storage_dir"`

	// Farming: which descriptor topics to bid on (empty means all), and the
	// payment address to fill into offered contracts (empty means derive one
	// from the node identity).
	FarmTopics     []string `yaml:"farm_topics"`
	PaymentAddress string   `yaml:"payment_address"`

	// Protocol timers and limits.
	NonceExpire            time.Duration `yaml:"nonce_expire"`
	RPCTimeout             time.Duration `yaml:"rpc_timeout"`
	PublishTTL             int           `yaml:"publish_ttl"`
	NetReentry             time.Duration `yaml:"net_reentry"`
	AuditBytes             int           `yaml:"audit_bytes"`
	CleanInterval          time.Duration `yaml:"clean_interval"`
	ConsignThreshold       time.Duration `yaml:"consign_threshold"`
	TokenExpire            time.Duration `yaml:"token_expire"`
	TunnelAnnounceInterval time.Duration `yaml:"tunnel_announce_interval"`
	OfferTimeout           time.Duration `yaml:"offer_timeout"`
	RouterCleanInterval    time.Duration `yaml:"router_clean_interval"`

	MaxConcurrentOffers int `yaml:"max_concurrent_offers"`
	MaxConcurrentAudits int `yaml:"max_concurrent_audits"`
	MaxOffers           int `yaml:"max_offers"`
	MaxTunnels          int `yaml:"max_tunnels"`
	MaxFindTunnelRelays int `yaml:"max_find_tunnel_relays"`

	TunnelPortRangeLow  int `yaml:"tunnel_port_range_low"`
	TunnelPortRangeHigh int `yaml:"tunnel_port_range_high"`

	LogLevel string `yaml:"log_level"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Defaults returns the compiled-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:   "/ip4/0.0.0.0/tcp/4001",
		DiscoveryTag: "shardpeer",
		KeyFile:      "peer.key",
		StorageDir:   "./data",

		NonceExpire:            15 * time.Second,
		RPCTimeout:             15 * time.Second,
		PublishTTL:             6,
		NetReentry:             10 * time.Minute,
		AuditBytes:             32,
		CleanInterval:          3 * time.Hour,
		ConsignThreshold:       24 * time.Hour,
		TokenExpire:            30 * time.Minute,
		TunnelAnnounceInterval: 15 * time.Minute,
		OfferTimeout:           15 * time.Second,
		RouterCleanInterval:    60 * time.Second,

		MaxConcurrentOffers: 3,
		MaxConcurrentAudits: 3,
		MaxOffers:           16,
		MaxTunnels:          3,
		MaxFindTunnelRelays: 3,

		LogLevel:    "info",
		MetricsAddr: ":9090",
	}
}

// Load builds a Config starting from Defaults, merging yamlPath (if
// non-empty and present) over it, then an optional envFile (via godotenv,
// for local development) and the process environment over that. Flags are
// applied separately by the caller (cmd/peerd), which has the highest
// precedence.
func Load(yamlPath, envFile string) (Config, error) {
	cfg := Defaults()

	if yamlPath != "" {
		if raw, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	if envFile != "" {
		_ = godotenv.Load(envFile) // best effort: a missing .env is not fatal
	}
	applyEnv(&cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SHARDPEER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SHARDPEER_STORAGE_DIR"); v != "" {
		cfg.StorageDir = v
	}
	if v := os.Getenv("SHARDPEER_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("SHARDPEER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHARDPEER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}
