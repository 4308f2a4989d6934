package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the working directory.
const FileName = "global.config.json"

// EnvPrefix prefixes environment overrides, e.g. ACCORD_HTTP_SERVER_PORT.
const EnvPrefix = "ACCORD"

// HostConfig is a listen address.
type HostConfig struct {
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
}

// Addr returns host:port suitable for net.Listen.
func (h HostConfig) Addr() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(h.Port))
}

// WebTransportConfig controls the optional QUIC listener. Without a cert and
// key pair a self-signed certificate is generated at startup.
type WebTransportConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Hostname string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Addr returns host:port for the QUIC listener.
func (w WebTransportConfig) Addr() string {
	return HostConfig{Hostname: w.Hostname, Port: w.Port}.Addr()
}

// RateLimitConfig is the per-connection inbound frame budget. PerSecond 0
// disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// Config is the full server configuration.
type Config struct {
	AccordServer       HostConfig         `mapstructure:"accord_server"`
	HTTPServer         HostConfig         `mapstructure:"http_server"`
	WebTransport       WebTransportConfig `mapstructure:"webtransport"`
	Database           string             `mapstructure:"database"`
	AttachmentsDir     string             `mapstructure:"attachments_dir"`
	MaxAttachmentBytes int64              `mapstructure:"max_attachment_bytes"`
	RoomsDir           string             `mapstructure:"rooms_dir"`
	HandshakeTimeout   time.Duration      `mapstructure:"handshake_timeout"`
	SendQueue          int                `mapstructure:"send_queue"`
	MaxHeaderBytes     uint32             `mapstructure:"max_header_bytes"`
	MaxBodyBytes       uint32             `mapstructure:"max_body_bytes"`
	MaxHistoryLimit    int                `mapstructure:"max_history_limit"`
	RateLimit          RateLimitConfig    `mapstructure:"rate_limit"`
	MetricsInterval    time.Duration      `mapstructure:"metrics_interval"`
	Debug              bool               `mapstructure:"debug"`

	// ConfigFile is the file that was read, empty when none was found.
	ConfigFile string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("accord_server.hostname", "0.0.0.0")
	v.SetDefault("accord_server.port", 40000)
	v.SetDefault("http_server.hostname", "0.0.0.0")
	v.SetDefault("http_server.port", 40001)
	v.SetDefault("webtransport.enabled", false)
	v.SetDefault("webtransport.hostname", "0.0.0.0")
	v.SetDefault("webtransport.port", 40002)
	v.SetDefault("webtransport.cert_file", "")
	v.SetDefault("webtransport.key_file", "")
	v.SetDefault("database", "data/accord.db")
	v.SetDefault("attachments_dir", "data/attachments")
	v.SetDefault("max_attachment_bytes", 16<<20)
	v.SetDefault("rooms_dir", "data/servers")
	v.SetDefault("handshake_timeout", "1s")
	v.SetDefault("send_queue", 64)
	v.SetDefault("max_header_bytes", 64<<10)
	v.SetDefault("max_body_bytes", 16<<20)
	v.SetDefault("max_history_limit", 500)
	v.SetDefault("rate_limit.per_second", 0)
	v.SetDefault("rate_limit.burst", 0)
	v.SetDefault("metrics_interval", "1m")
	v.SetDefault("debug", false)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("accord", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.String("config", "", "Path to the configuration file (default ./"+FileName+")")
	fs.Bool("debug", false, "Enable debug logging")
	fs.String("host", "", "Chat (TCP) listen hostname")
	fs.Int("port", 0, "Chat (TCP) listen port")
	fs.String("http-host", "", "HTTP listen hostname")
	fs.Int("http-port", 0, "HTTP listen port")
	fs.String("db", "", "SQLite database path")
	fs.String("attachments-dir", "", "Attachment directory")
	fs.String("rooms-dir", "", "Directory of room definitions (<dir>/<room>/base.json)")
	fs.Duration("handshake-timeout", 0, "Time a connection has to send enter")
	fs.Bool("webtransport", false, "Serve the chat protocol over WebTransport")
	return fs
}

var flagKeys = map[string]string{
	"debug":             "debug",
	"host":              "accord_server.hostname",
	"port":              "accord_server.port",
	"http-host":         "http_server.hostname",
	"http-port":         "http_server.port",
	"db":                "database",
	"attachments-dir":   "attachments_dir",
	"rooms-dir":         "rooms_dir",
	"handshake-timeout": "handshake_timeout",
	"webtransport":      "webtransport.enabled",
}

// Load builds the configuration from defaults, the config file, ACCORD_*
// environment variables and command-line flags, in increasing precedence.
// Positional arguments left after the flags are returned for CLI dispatch.
func Load(args []string) (*Config, []string, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	explicit, _ := fs.GetString("config")
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".json"))
		v.SetConfigType("json")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := applyLegacySections(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, fs.Args(), nil
}

// legacySections maps the section names of the older global.config.json
// ({"AccordServer": {...}, "HttpServer": {...}}, lowercased by viper) to
// current keys.
var legacySections = map[string]string{
	"accordserver": "accord_server",
	"httpserver":   "http_server",
}

// applyLegacySections merges old-style sections into the file layer, so
// environment variables and flags still take precedence. A current key in
// the same file wins over its old spelling.
func applyLegacySections(v *viper.Viper) error {
	for old, key := range legacySections {
		if !v.InConfig(old) || v.InConfig(key) {
			continue
		}
		section, ok := v.Get(old).(map[string]any)
		if !ok {
			return fmt.Errorf("read config: %s must be an object", old)
		}
		if err := v.MergeConfigMap(map[string]any{key: section}); err != nil {
			return fmt.Errorf("read config: merge %s: %w", old, err)
		}
	}
	return nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"accord_server.port": c.AccordServer.Port,
		"http_server.port":   c.HTTPServer.Port,
		"webtransport.port":  c.WebTransport.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid config: %s %d out of range", name, port)
		}
	}
	if strings.TrimSpace(c.Database) == "" {
		return fmt.Errorf("invalid config: database is required")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("invalid config: handshake_timeout must be positive")
	}
	if c.MaxHistoryLimit <= 0 {
		return fmt.Errorf("invalid config: max_history_limit must be positive")
	}
	if c.RateLimit.PerSecond < 0 {
		return fmt.Errorf("invalid config: rate_limit.per_second must not be negative")
	}
	if (c.WebTransport.CertFile == "") != (c.WebTransport.KeyFile == "") {
		return fmt.Errorf("invalid config: webtransport cert_file and key_file must be set together")
	}
	return nil
}
