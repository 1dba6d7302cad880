package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Service names select per-service defaults
const (
	ServiceAPIGateway       = "api-gateway"
	ServiceBroadcastService = "broadcast-service"
	ServiceArchivalWorker   = "archival-worker"
)

// Config holds all application configuration
type Config struct {
	Service     string         `mapstructure:"-"`
	Environment string         `mapstructure:"environment"`
	Log         LogConfig      `mapstructure:"log"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	NATS        NATSConfig     `mapstructure:"nats"`
	Auth        AuthConfig     `mapstructure:"auth"`
	Auction     AuctionConfig  `mapstructure:"auction"`
	Hub         HubConfig      `mapstructure:"hub"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
}

// AuthConfig holds token verification settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// AuctionConfig holds sweep and lifecycle settings
type AuctionConfig struct {
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	ArchiveDelay     time.Duration `mapstructure:"archive_delay"`
	SweepBatchSize   int           `mapstructure:"sweep_batch_size"`
	SweepConcurrency int           `mapstructure:"sweep_concurrency"`
	BidLimit         int           `mapstructure:"bid_limit"`
	BidWindow        time.Duration `mapstructure:"bid_window"`
}

// HubConfig holds websocket fanout settings
type HubConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	MessageRate    float64       `mapstructure:"message_rate"`
	MessageBurst   int           `mapstructure:"message_burst"`
}

// MetricsConfig toggles the prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration for service from defaults, an optional config
// file and MARKET_* environment variables, in increasing precedence.
func Load(service string, paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v, service)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	cfg.Service = service

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Database.Driver != "postgres" && c.Database.Driver != "memory" {
		return fmt.Errorf("database.driver must be postgres or memory, got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		missing = append(missing, "MARKET_DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" && c.Service != ServiceArchivalWorker {
		missing = append(missing, "MARKET_AUTH_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Auction.SweepInterval <= 0 {
		return fmt.Errorf("auction.sweep_interval must be positive, got %s", c.Auction.SweepInterval)
	}
	if c.Hub.PingPeriod >= c.Hub.PongWait {
		return fmt.Errorf("hub.ping_period (%s) must be shorter than hub.pong_wait (%s)", c.Hub.PingPeriod, c.Hub.PongWait)
	}
	return nil
}

// IsDevelopment reports whether the service runs in a development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func setDefaults(v *viper.Viper, service string) {
	v.SetDefault("environment", "production")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.addr", defaultAddr(service))
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.lock_timeout", "5s")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "MARKET_EVENTS")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "marketplace")

	v.SetDefault("auction.sweep_interval", "60s")
	v.SetDefault("auction.archive_delay", "24h")
	v.SetDefault("auction.sweep_batch_size", 200)
	v.SetDefault("auction.sweep_concurrency", 4)
	v.SetDefault("auction.bid_limit", 10)
	v.SetDefault("auction.bid_window", "1m")

	v.SetDefault("hub.send_buffer", 256)
	v.SetDefault("hub.write_timeout", "10s")
	v.SetDefault("hub.pong_wait", "60s")
	v.SetDefault("hub.ping_period", "54s")
	v.SetDefault("hub.max_message_size", 8192)
	v.SetDefault("hub.message_rate", 5)
	v.SetDefault("hub.message_burst", 10)

	v.SetDefault("metrics.enabled", true)
}

func defaultAddr(service string) string {
	switch service {
	case ServiceBroadcastService:
		return ":8081"
	case ServiceArchivalWorker:
		return ":9090"
	default:
		return ":8080"
	}
}
