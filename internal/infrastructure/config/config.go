package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is where Load looks for the YAML file when no path is given.
const DefaultPath = "configs/config.yaml"

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Monitor   MonitorConfig   `koanf:"monitor"`
	Upstream  UpstreamConfig  `koanf:"upstream"`
	Stream    StreamConfig    `koanf:"stream"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Redis     RedisConfig     `koanf:"redis"`
	Auth      AuthConfig      `koanf:"auth"`
	Flags     FlagsConfig     `koanf:"flags"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Ops       OpsConfig       `koanf:"ops"`
}

type MonitorConfig struct {
	Retention        time.Duration `koanf:"retention"`
	FlushInterval    time.Duration `koanf:"flush_interval"`
	SnipeTiming      int           `koanf:"snipe_timing" validate:"min=1,max=30"`
	BidBuffer        int           `koanf:"bid_buffer" validate:"min=0,max=100"`
	RetryAttempts    int           `koanf:"retry_attempts" validate:"min=1,max=10"`
	DefaultStrategy  string        `koanf:"default_strategy" validate:"oneof=manual increment sniping"`
	DefaultIncrement int           `koanf:"default_increment" validate:"min=1,max=1000"`
	DefaultMaxBid    int           `koanf:"default_max_bid" validate:"min=0,max=10000"`
}

// UpstreamConfig points the HTTP client at the auction site. The URL
// templates expand {id} to the numeric product id.
type UpstreamConfig struct {
	ProductURL string        `koanf:"product_url" validate:"required"`
	BidURL     string        `koanf:"bid_url" validate:"required"`
	RefererURL string        `koanf:"referer_url" validate:"required"`
	UserAgent  string        `koanf:"user_agent"`
	GetTimeout time.Duration `koanf:"get_timeout"`
	BidTimeout time.Duration `koanf:"bid_timeout"`
}

type StreamConfig struct {
	URL            string        `koanf:"url" validate:"required"`
	MaxReconnects  int           `koanf:"max_reconnects" validate:"min=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`

	Events StreamEventsConfig `koanf:"events"`
}

// StreamEventsConfig names the server-sent event types; the upstream
// contract is not documented, so they stay configurable.
type StreamEventsConfig struct {
	BidUpdate     string `koanf:"bid_update"`
	AuctionClosed string `koanf:"auction_closed"`
	Heartbeat     string `koanf:"heartbeat"`
}

type SchedulerConfig struct {
	MaxRequestsPerSecond int           `koanf:"max_rps" validate:"min=1"`
	DefaultInterval      time.Duration `koanf:"default_interval"`
	ErrorCap             time.Duration `koanf:"error_cap"`
	SafetyInterval       time.Duration `koanf:"safety_interval"`
	ShutdownGrace        time.Duration `koanf:"shutdown_grace"`
}

type BreakerConfig struct {
	FailureThreshold  int           `koanf:"failure_threshold" validate:"min=1"`
	OpenTimeout       time.Duration `koanf:"open_timeout"`
	HalfOpenSuccesses int           `koanf:"half_open_successes" validate:"min=1"`
}

type RedisConfig struct {
	Addr              string        `koanf:"addr"`
	Password          string        `koanf:"password"`
	DB                int           `koanf:"db"`
	DialTimeout       time.Duration `koanf:"dial_timeout"`
	ReconnectInterval time.Duration `koanf:"reconnect_interval"`
}

// AuthConfig carries the secret that encrypts session cookies at rest.
type AuthConfig struct {
	Secret string `koanf:"secret"`
}

type FlagsConfig struct {
	RefreshInterval time.Duration `koanf:"refresh_interval"`
}

type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	SamplingRate float64 `koanf:"sampling_rate" validate:"min=0,max=1"`
}

type OpsConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

// Load reads configuration in three layers: built-in defaults, an
// optional YAML file, then AMB_-prefixed environment variables
// (AMB_REDIS_ADDR -> redis.addr).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = DefaultPath
	}
	// The file is optional; a missing one falls through to env.
	_ = k.Load(file.Provider(path), yaml.Parser())

	if err := k.Load(env.Provider("AMB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "AMB_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Monitor: MonitorConfig{
			Retention:        60 * time.Second,
			FlushInterval:    30 * time.Second,
			SnipeTiming:      30,
			BidBuffer:        0,
			RetryAttempts:    3,
			DefaultStrategy:  "increment",
			DefaultIncrement: 5,
		},
		Upstream: UpstreamConfig{
			UserAgent:  "auction-monitor/1.0",
			GetTimeout: 10 * time.Second,
			BidTimeout: 15 * time.Second,
		},
		Stream: StreamConfig{
			MaxReconnects:  5,
			InitialBackoff: 1 * time.Second,
			MaxBackoff:     30 * time.Second,
			Events: StreamEventsConfig{
				BidUpdate:     "bidUpdate",
				AuctionClosed: "auctionClosed",
				Heartbeat:     "heartbeat",
			},
		},
		Scheduler: SchedulerConfig{
			MaxRequestsPerSecond: 10,
			DefaultInterval:      6 * time.Second,
			ErrorCap:             60 * time.Second,
			SafetyInterval:       30 * time.Second,
			ShutdownGrace:        5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			OpenTimeout:       60 * time.Second,
			HalfOpenSuccesses: 2,
		},
		Redis: RedisConfig{
			Addr:              "localhost:6379",
			DB:                0,
			DialTimeout:       5 * time.Second,
			ReconnectInterval: 5 * time.Second,
		},
		Flags: FlagsConfig{
			RefreshInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			SamplingRate: 0.1,
		},
		Ops: OpsConfig{
			ListenAddr: ":9091",
		},
	}
}

var validate = validator.New()

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid config: field %s failed %q", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Monitor.Retention < 60*time.Second {
		return fmt.Errorf("invalid config: monitor.retention must be at least 60s")
	}
	if c.Scheduler.SafetyInterval < 30*time.Second {
		return fmt.Errorf("invalid config: scheduler.safety_interval must be at least 30s")
	}
	return nil
}
