// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/vpnrelay/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `vpn-relay:` root key in YAML.
type GlobalConfig struct {
	Node           NodeConfig           `mapstructure:"node"`
	Control        ControlConfig        `mapstructure:"control"`
	Relay          RelayConfig          `mapstructure:"relay"`
	Kafka          GlobalKafkaConfig    `mapstructure:"kafka"`
	CommandChannel CommandChannelConfig `mapstructure:"command_channel"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Log            LogConfig            `mapstructure:"log"`
	DataDir        string               `mapstructure:"data_dir"`
}

// ─── Node Identity ───

type NodeConfig struct {
	Hostname string `mapstructure:"hostname"` // Empty = os.Hostname()
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Relay ───

// RelayConfig configures the relay endpoint and its raw sockets.
type RelayConfig struct {
	ListenIP   string `mapstructure:"listen_ip"`
	ListenPort uint16 `mapstructure:"listen_port"`
	Protocol   string `mapstructure:"protocol"`   // tcp | udp
	AutoStart  bool   `mapstructure:"auto_start"` // start the relay with the daemon

	// MaxAttempts is the listener receive budget per wait.
	MaxAttempts  int           `mapstructure:"max_attempts"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BPF          bool          `mapstructure:"bpf"`
	TTL          int           `mapstructure:"ttl"`

	UsersFile string `mapstructure:"users_file"` // Empty = <data_dir>/users.json
}

// ─── Kafka ───

// GlobalKafkaConfig provides shared Kafka connection defaults.
type GlobalKafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// CommandChannelConfig configures the remote command channel.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Type       string             `mapstructure:"type"` // "kafka"
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL time.Duration      `mapstructure:"command_ttl"` // stale commands are skipped
}

// CommandKafkaConfig contains Kafka-specific command channel settings.
// Brokers inherit from GlobalKafkaConfig when empty.
type CommandKafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	ResponseTopic   string   `mapstructure:"response_topic"` // empty = responses disabled
	GroupID         string   `mapstructure:"group_id"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset"`
}

// ─── Metrics ───

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`   // trace / debug / info / warn / error
	Format  string           `mapstructure:"format"`  // json / text
	Pattern string           `mapstructure:"pattern"` // text only
	Time    string           `mapstructure:"time"`
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

type LogOutputsConfig struct {
	File  FileOutputConfig  `mapstructure:"file"`
	Kafka KafkaOutputConfig `mapstructure:"kafka"`
}

type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// KafkaOutputConfig ships log lines to a topic. Brokers inherit from
// GlobalKafkaConfig when empty.
type KafkaOutputConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ─── Loading ───

const rootKey = "vpn-relay"

type configRoot struct {
	VPNRelay GlobalConfig `mapstructure:"vpn-relay"`
}

// Load loads configuration from file.
// The YAML file uses `vpn-relay:` as root key; env vars use the VPN_RELAY_
// prefix (e.g. VPN_RELAY_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(v)
}

// Default returns the configuration used when no file is given.
func Default() (*GlobalConfig, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	// key "vpn-relay.log.level" maps to env "VPN_RELAY_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.VPNRelay

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := func(key string, value interface{}) {
		v.SetDefault(rootKey+"."+key, value)
	}

	def("control.pid_file", "/var/run/vpn-relay.pid")
	def("control.socket", "/var/run/vpn-relay.sock")
	def("data_dir", "/var/lib/vpn-relay")

	def("relay.listen_ip", "127.0.0.1")
	def("relay.listen_port", 5001)
	def("relay.protocol", "udp")
	def("relay.auto_start", false)
	def("relay.max_attempts", 1000)
	def("relay.poll_interval", "1ms")
	def("relay.bpf", true)
	def("relay.ttl", 64)
	def("relay.users_file", "")

	def("log.level", "info")
	def("log.format", "text")
	def("log.pattern", "%time [%level] %field %msg\n")
	def("log.time", "2006-01-02 15:04:05.000")
	def("log.outputs.file.enabled", false)
	def("log.outputs.file.path", "/var/log/vpn-relay/vpn-relay.log")
	def("log.outputs.file.rotation.max_size_mb", 100)
	def("log.outputs.file.rotation.max_age_days", 30)
	def("log.outputs.file.rotation.max_backups", 5)
	def("log.outputs.file.rotation.compress", true)
	def("log.outputs.kafka.enabled", false)

	def("metrics.enabled", true)
	def("metrics.listen", ":9091")
	def("metrics.path", "/metrics")

	def("command_channel.enabled", false)
	def("command_channel.type", "kafka")
	def("command_channel.kafka.auto_offset_reset", "latest")
	def("command_channel.command_ttl", "5m")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Relay ──
	local, err := core.ParseNetworkAddress(cfg.Relay.ListenIP, cfg.Relay.ListenPort)
	if err != nil {
		return fmt.Errorf("%w: relay.listen_ip: %v", core.ErrConfigInvalid, err)
	}
	// Also the source address and checksum key of forwarded segments.
	if local.IP.IsUnspecified() || local.IP.IsMulticast() || local.IP == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return fmt.Errorf("%w: relay.listen_ip must be a unicast address, got %s", core.ErrConfigInvalid, local.IP)
	}
	cfg.Relay.ListenIP = local.IP.String()
	if cfg.Relay.ListenPort == 0 {
		return fmt.Errorf("%w: relay.listen_port is required", core.ErrConfigInvalid)
	}
	cfg.Relay.Protocol = strings.ToLower(cfg.Relay.Protocol)
	if cfg.Relay.Protocol != "tcp" && cfg.Relay.Protocol != "udp" {
		return fmt.Errorf("%w: invalid relay.protocol: %s (must be tcp/udp)", core.ErrConfigInvalid, cfg.Relay.Protocol)
	}
	if cfg.Relay.MaxAttempts <= 0 {
		return fmt.Errorf("%w: relay.max_attempts must be positive", core.ErrConfigInvalid)
	}
	if cfg.Relay.PollInterval < 0 {
		return fmt.Errorf("%w: relay.poll_interval must not be negative", core.ErrConfigInvalid)
	}
	if cfg.Relay.TTL < 1 || cfg.Relay.TTL > 255 {
		return fmt.Errorf("%w: relay.ttl must be within 1..255", core.ErrConfigInvalid)
	}
	if cfg.Relay.UsersFile == "" {
		cfg.Relay.UsersFile = filepath.Join(cfg.DataDir, "users.json")
	}

	// ── Kafka inheritance ──
	if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
		cfg.CommandChannel.Kafka.Brokers = cfg.Kafka.Brokers
	}
	if len(cfg.Log.Outputs.Kafka.Brokers) == 0 {
		cfg.Log.Outputs.Kafka.Brokers = cfg.Kafka.Brokers
	}

	// ── Command channel ──
	if cfg.CommandChannel.Enabled {
		if cfg.CommandChannel.Type != "kafka" {
			return fmt.Errorf("%w: unsupported command_channel.type: %s (only 'kafka' supported)", core.ErrConfigInvalid, cfg.CommandChannel.Type)
		}
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			return fmt.Errorf("%w: command_channel.kafka.brokers is required when command_channel.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.CommandChannel.Kafka.Topic == "" {
			return fmt.Errorf("%w: command_channel.kafka.topic is required when command_channel.enabled=true", core.ErrConfigInvalid)
		}
		if cfg.CommandChannel.Kafka.GroupID == "" {
			cfg.CommandChannel.Kafka.GroupID = "vpn-relay-" + cfg.Node.Hostname
		}
	}

	if cfg.Log.Outputs.Kafka.Enabled {
		if len(cfg.Log.Outputs.Kafka.Brokers) == 0 || cfg.Log.Outputs.Kafka.Topic == "" {
			return fmt.Errorf("%w: log.outputs.kafka requires brokers and topic", core.ErrConfigInvalid)
		}
	}

	return nil
}
