package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the engine.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Providers ProvidersConfig `mapstructure:"providers"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	CompletionTopic string        `mapstructure:"completion_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatchConfig bounds how aggressively the engine drains campaign queues.
type DispatchConfig struct {
	GlobalConcurrency  int           `mapstructure:"global_concurrency"`
	DefaultPerCampaign int           `mapstructure:"default_per_campaign"`
	ChunkSize          int           `mapstructure:"chunk_size"`
	CampaignBatch      int           `mapstructure:"campaign_batch"`
	CallsPerSecond     float64       `mapstructure:"calls_per_second"`
	RateBurst          int           `mapstructure:"rate_burst"`
	TickSchedule       string        `mapstructure:"tick_schedule"`
	CleanupSchedule    string        `mapstructure:"cleanup_schedule"`
	TimeBudget         time.Duration `mapstructure:"time_budget"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	HoursRecheckEvery  int           `mapstructure:"hours_recheck_every"`
	SlotTTL            time.Duration `mapstructure:"slot_ttl"`
}

type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// ProvidersConfig holds credentials for the primary and fallback voice
// vendors. Fallback requires both an API key and an outbound caller id.
type ProvidersConfig struct {
	Primary  ProviderConfig `mapstructure:"primary"`
	Fallback ProviderConfig `mapstructure:"fallback"`
}

type ProviderConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	OutboundCallerID string        `mapstructure:"outbound_caller_id"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := &c.Dispatch
	if d.GlobalConcurrency <= 0 {
		d.GlobalConcurrency = 20
	}
	if d.DefaultPerCampaign <= 0 {
		d.DefaultPerCampaign = 5
	}
	if d.ChunkSize <= 0 {
		d.ChunkSize = 50
	}
	if d.CampaignBatch <= 0 {
		d.CampaignBatch = 5
	}
	if d.CallsPerSecond <= 0 {
		d.CallsPerSecond = 5
	}
	if d.RateBurst <= 0 {
		d.RateBurst = 5
	}
	if d.TickSchedule == "" {
		d.TickSchedule = "@every 1m"
	}
	if d.CleanupSchedule == "" {
		d.CleanupSchedule = "@every 10m"
	}
	if d.TimeBudget <= 0 {
		d.TimeBudget = 50 * time.Second
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = 15 * time.Minute
	}
	if d.HoursRecheckEvery <= 0 {
		d.HoursRecheckEvery = 10
	}
	if d.SlotTTL <= 0 {
		d.SlotTTL = d.StaleAfter
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
