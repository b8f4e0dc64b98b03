// Package config provides configuration management for segswarm using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 6
	defaultMaxIdleConns      = 3
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultHighDemandWindow  = 15 * time.Second
	defaultHTTPWindow        = 60 * time.Second
	defaultInactiveLoaderTTL = 30 * time.Second
	defaultP2PDownloads      = 3
	defaultP2PTimeout        = 5 * time.Second
	defaultUploadChunkSize   = 16 * 1024
	defaultMaxSegmentSize    = 64 << 20
	defaultAnnounceInterval  = 15 * time.Second
	defaultNumWant           = 10
	defaultHTTPTimeout       = 30 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryDelay        = 500 * time.Millisecond
	defaultRetryMaxDelay     = 5 * time.Second
	defaultCircuitThreshold  = 5
	defaultCircuitTimeout    = 30 * time.Second
	defaultHTTPDownloads     = 2
	defaultTrackerPort       = 8000
	defaultPeerTTL           = 2 * time.Minute
)

// envFiles are loaded into the process environment, in order, before
// viper reads it.
var envFiles = []string{".env", ".env.local"}

// Config holds all configuration for the application.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Storage StorageConfig `mapstructure:"storage"`
	P2P     P2PConfig     `mapstructure:"p2p"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Tracker TrackerConfig `mapstructure:"tracker"`
}

// ServerConfig holds the node HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`

	// EnableRequestLogging logs every HTTP request. When false only
	// responses with status >= 400 are logged.
	EnableRequestLogging bool `mapstructure:"enable_request_logging"`
}

// StorageConfig holds segment storage configuration.
type StorageConfig struct {
	// MemoryLimit caps resident segment bytes. Zero picks a default from
	// the host's memory class. Supports values like "256MiB" or "1GB".
	MemoryLimit ByteSize            `mapstructure:"memory_limit"`
	Backend     string              `mapstructure:"backend"` // memory, sql
	Database    DatabaseConfig      `mapstructure:"database"`
	Main        StreamWindowsConfig `mapstructure:"main"`
	Secondary   StreamWindowsConfig `mapstructure:"secondary"`
}

// StreamWindowsConfig holds the playback windows for one stream type.
type StreamWindowsConfig struct {
	HighDemandTimeWindow   time.Duration `mapstructure:"high_demand_time_window"`
	HTTPDownloadTimeWindow time.Duration `mapstructure:"http_download_time_window"`
}

// DatabaseConfig holds the SQL storage backend connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// P2PConfig holds swarm configuration.
type P2PConfig struct {
	SwarmID                      string        `mapstructure:"swarm_id"`
	InactiveLoaderDestroyTimeout time.Duration `mapstructure:"inactive_loader_destroy_timeout"`
	SimultaneousDownloads        int           `mapstructure:"simultaneous_downloads"`
	DownloadTimeout              time.Duration `mapstructure:"download_timeout"`
	UploadChunkSize              ByteSize      `mapstructure:"upload_chunk_size"`
	MaxSegmentSize               ByteSize      `mapstructure:"max_segment_size"`
	PeerIDPrefix                 string        `mapstructure:"peer_id_prefix"`
	AnnounceEndpoints            []string      `mapstructure:"announce_endpoints"`
	AnnounceInterval             time.Duration `mapstructure:"announce_interval"`
	NumWant                      int           `mapstructure:"numwant"`
	// AdvertiseAddr is the websocket URL other peers dial to reach this
	// node, e.g. ws://10.0.0.5:8080/peer. Empty disables inbound peers.
	AdvertiseAddr string `mapstructure:"advertise_addr"`
}

// HTTPConfig holds origin HTTP download configuration.
type HTTPConfig struct {
	Timeout               time.Duration `mapstructure:"timeout"`
	RetryAttempts         int           `mapstructure:"retry_attempts"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay         time.Duration `mapstructure:"retry_max_delay"`
	CircuitThreshold      int           `mapstructure:"circuit_threshold"`
	CircuitTimeout        time.Duration `mapstructure:"circuit_timeout"`
	SimultaneousDownloads int           `mapstructure:"simultaneous_downloads"`
	UserAgent             string        `mapstructure:"user_agent"`
}

// TrackerConfig holds the rendezvous server configuration.
type TrackerConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	PeerTTL  time.Duration `mapstructure:"peer_ttl"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoadEnvFiles loads the local .env files that exist into the process
// environment and returns the ones it loaded.
func LoadEnvFiles() ([]string, error) {
	var loaded []string
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return loaded, fmt.Errorf("loading %s: %w", file, err)
		}
		loaded = append(loaded, file)
	}
	return loaded, nil
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with SEGSWARM_ and use underscores for nesting.
// Example: SEGSWARM_P2P_SWARM_ID=demo.
func Load(configPath string) (*Config, error) {
	if _, err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Config file settings
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/segswarm")
		v.AddConfigPath("$HOME/.segswarm")
	}

	// Environment variable settings
	v.SetEnvPrefix("SEGSWARM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// decodeHook extends viper's default hooks so ByteSize values accept
// human-readable strings.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
	v.SetDefault("logging.enable_request_logging", false)

	// Storage defaults
	v.SetDefault("storage.memory_limit", "0")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.database.driver", "sqlite")
	v.SetDefault("storage.database.dsn", "segswarm.db")
	v.SetDefault("storage.database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("storage.database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("storage.database.conn_max_lifetime", time.Hour)
	v.SetDefault("storage.database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("storage.database.log_level", "warn")
	for _, kind := range []string{"main", "secondary"} {
		v.SetDefault("storage."+kind+".high_demand_time_window", defaultHighDemandWindow)
		v.SetDefault("storage."+kind+".http_download_time_window", defaultHTTPWindow)
	}

	// P2P defaults
	v.SetDefault("p2p.swarm_id", "")
	v.SetDefault("p2p.inactive_loader_destroy_timeout", defaultInactiveLoaderTTL)
	v.SetDefault("p2p.simultaneous_downloads", defaultP2PDownloads)
	v.SetDefault("p2p.download_timeout", defaultP2PTimeout)
	v.SetDefault("p2p.upload_chunk_size", defaultUploadChunkSize)
	v.SetDefault("p2p.max_segment_size", defaultMaxSegmentSize)
	v.SetDefault("p2p.peer_id_prefix", "SS01")
	v.SetDefault("p2p.announce_endpoints", []string{})
	v.SetDefault("p2p.announce_interval", defaultAnnounceInterval)
	v.SetDefault("p2p.numwant", defaultNumWant)
	v.SetDefault("p2p.advertise_addr", "")

	// HTTP defaults
	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("http.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("http.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("http.simultaneous_downloads", defaultHTTPDownloads)
	v.SetDefault("http.user_agent", "")

	// Tracker defaults
	v.SetDefault("tracker.host", "0.0.0.0")
	v.SetDefault("tracker.port", defaultTrackerPort)
	v.SetDefault("tracker.peer_ttl", defaultPeerTTL)
	v.SetDefault("tracker.interval", defaultAnnounceInterval)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Tracker.Port < 1 || c.Tracker.Port > maxPort {
		return fmt.Errorf("tracker.port must be between 1 and %d", maxPort)
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Storage validation
	if c.Storage.MemoryLimit < 0 {
		return fmt.Errorf("storage.memory_limit must not be negative")
	}
	switch c.Storage.Backend {
	case "memory":
	case "sql":
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Storage.Database.Driver] {
			return fmt.Errorf("storage.database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn is required")
		}
	default:
		return fmt.Errorf("storage.backend must be one of: memory, sql")
	}
	for name, w := range map[string]StreamWindowsConfig{"main": c.Storage.Main, "secondary": c.Storage.Secondary} {
		if w.HighDemandTimeWindow <= 0 || w.HTTPDownloadTimeWindow <= 0 {
			return fmt.Errorf("storage.%s time windows must be positive", name)
		}
	}

	// P2P validation
	if c.P2P.SimultaneousDownloads < 1 {
		return fmt.Errorf("p2p.simultaneous_downloads must be at least 1")
	}
	if c.P2P.DownloadTimeout <= 0 {
		return fmt.Errorf("p2p.download_timeout must be positive")
	}
	if c.P2P.UploadChunkSize < 1 {
		return fmt.Errorf("p2p.upload_chunk_size must be at least 1 byte")
	}
	if c.P2P.MaxSegmentSize < c.P2P.UploadChunkSize {
		return fmt.Errorf("p2p.max_segment_size must be at least p2p.upload_chunk_size")
	}
	if c.P2P.AnnounceInterval < time.Second {
		return fmt.Errorf("p2p.announce_interval must be at least 1s")
	}

	// HTTP validation
	if c.HTTP.SimultaneousDownloads < 1 {
		return fmt.Errorf("http.simultaneous_downloads must be at least 1")
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must not be negative")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the rendezvous server address in host:port format.
func (c *TrackerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Windows returns the time windows configured for a stream type name.
func (c *StorageConfig) Windows(streamType string) StreamWindowsConfig {
	if streamType == "secondary" {
		return c.Secondary
	}
	return c.Main
}
