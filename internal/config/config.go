package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Events         EventsConfig         `yaml:"events"`
	NATS           NATSConfig           `yaml:"nats"`
	Auction        AuctionConfig        `yaml:"auction"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// EventsConfig selects the event bus backend used for real-time fan-out.
type EventsConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the redis event bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig holds settings for the order and notification collaborators.
// An empty URL disables NATS; orders and notifications then use in-process
// fallbacks, which is only suitable for development.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	OrderSubject   string        `yaml:"order_subject"`
	NotifyPrefix   string        `yaml:"notify_prefix"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AuctionConfig holds the auction lifecycle tunables.
type AuctionConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval"`
	StartingSoonWindow time.Duration `yaml:"starting_soon_window"`
	EndingSoonWindow   time.Duration `yaml:"ending_soon_window"`
	OrderAttempts      uint          `yaml:"order_attempts"`
	OrderRetryInterval time.Duration `yaml:"order_retry_interval"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings for the
// scheduler. Only the leader runs the lifecycle tick loop.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Events: EventsConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		NATS: NATSConfig{
			OrderSubject:   "orders.create",
			NotifyPrefix:   "notify",
			RequestTimeout: 5 * time.Second,
		},
		Auction: AuctionConfig{
			TickInterval:       30 * time.Second,
			StartingSoonWindow: time.Hour,
			EndingSoonWindow:   30 * time.Minute,
			OrderAttempts:      5,
			OrderRetryInterval: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-scheduler",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}

	switch c.Events.Backend {
	case "memory", "redis":
		// valid
	default:
		return fmt.Errorf("unsupported events backend %q: must be \"memory\" or \"redis\"", c.Events.Backend)
	}

	if c.Auction.TickInterval <= 0 {
		return fmt.Errorf("auction tick_interval must be positive, got %s", c.Auction.TickInterval)
	}
	if c.Auction.StartingSoonWindow <= 0 || c.Auction.EndingSoonWindow <= 0 {
		return fmt.Errorf("auction notification windows must be positive")
	}
	if c.Auction.OrderAttempts == 0 {
		return fmt.Errorf("auction order_attempts must be at least 1")
	}
	return nil
}
