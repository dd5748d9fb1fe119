// Package config loads orchestrator configuration from environment
// variables, an optional YAML file, and defaults, using spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section named in spec.md §6.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Bus          BusConfig          `mapstructure:"bus"`
	Session      SessionConfig      `mapstructure:"session"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Supervisors  map[string]SupervisorConfig `mapstructure:"supervisors"`
	SubAgents    map[string]SubAgentConfig `mapstructure:"subAgents"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds the admin/client-facing HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DatabaseConfig holds the journal/registry-snapshot Postgres connection.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// NATSConfig configures the optional durable Message Bus bridge. An empty
// URL selects the in-process bus (see internal/bus).
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BusConfig configures mailbox bounds and drop policy (§6,
// bus.mailboxCapacity / bus.dropPolicy.partial).
type BusConfig struct {
	MailboxCapacity   int    `mapstructure:"mailboxCapacity"`
	DropPolicyPartial string `mapstructure:"dropPolicyPartial"` // drop-newest | drop-oldest
}

// SessionConfig configures the Session Layer (§4.6, §6).
type SessionConfig struct {
	IdleTimeout       time.Duration `mapstructure:"idleTimeout"`
	ClientBufferBytes int           `mapstructure:"clientBufferBytes"`
	PingInterval      time.Duration `mapstructure:"pingInterval"`
	MissedPingLimit   int           `mapstructure:"missedPingLimit"`
}

// OrchestratorConfig configures classification and join defaults (§6).
type OrchestratorConfig struct {
	ClassificationEnabled    bool          `mapstructure:"classificationEnabled"`
	ClassificationCapability string        `mapstructure:"classificationCapability"`
	ClassificationProvider   string        `mapstructure:"classificationProvider"`
	DefaultJoinMode          string        `mapstructure:"defaultJoinMode"` // all | any | quorum
	DefaultTaskDeadline      time.Duration `mapstructure:"defaultTaskDeadline"`
	CancelGracePeriod        time.Duration `mapstructure:"cancelGracePeriod"`
}

// ProviderConfig configures one external model provider's ProviderQuota and
// retry policy (§4.1, §6).
type ProviderConfig struct {
	RequestsPerWindow int           `mapstructure:"requestsPerWindow"`
	TokensPerWindow   int           `mapstructure:"tokensPerWindow"`
	MaxConcurrent     int           `mapstructure:"maxConcurrent"`
	WindowDuration    time.Duration `mapstructure:"windowDuration"`
	QueueCapacity     int           `mapstructure:"queueCapacity"`

	RetryMaxAttempts int           `mapstructure:"retryMaxAttempts"`
	InitialBackoff   time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff       time.Duration `mapstructure:"maxBackoff"`
	Jitter           float64       `mapstructure:"jitter"`

	DegradeThreshold int `mapstructure:"degradeThreshold"` // consecutive transient failures
}

// SupervisorConfig configures a domain Supervisor (§4.4, §6).
type SupervisorConfig struct {
	Capabilities        []string      `mapstructure:"capabilities"`
	MaxInFlight         int           `mapstructure:"maxInFlight"`
	QueueCapacity       int           `mapstructure:"queueCapacity"`
	DefaultTaskDeadline time.Duration `mapstructure:"defaultTaskDeadline"`
	AggregationPolicy   string        `mapstructure:"aggregationPolicy"` // strict | best-effort
}

// SubAgentConfig configures one SubAgent worker (§4.3, §6): which
// capabilities it serves, which provider it calls through, and the token
// estimate it reserves against that provider's quota per call.
type SubAgentConfig struct {
	Capabilities    []string `mapstructure:"capabilities"`
	ProviderID      string   `mapstructure:"providerId"`
	EstimatedTokens int      `mapstructure:"estimatedTokens"`
}

// LoggingConfig configures the zap-backed logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from env vars, ./config.yaml or /etc/agentmesh/,
// and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

func LoadWithPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentmesh")
	v.SetDefault("database.dbName", "agentmesh")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmesh")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("bus.mailboxCapacity", 256)
	v.SetDefault("bus.dropPolicyPartial", "drop-newest")

	v.SetDefault("session.idleTimeout", 30*time.Minute)
	v.SetDefault("session.clientBufferBytes", 1<<20)
	v.SetDefault("session.pingInterval", 15*time.Second)
	v.SetDefault("session.missedPingLimit", 3)

	v.SetDefault("orchestrator.classificationEnabled", true)
	v.SetDefault("orchestrator.classificationCapability", "intent.classify")
	v.SetDefault("orchestrator.defaultJoinMode", "all")
	v.SetDefault("orchestrator.defaultTaskDeadline", 30*time.Second)
	v.SetDefault("orchestrator.cancelGracePeriod", 5*time.Second)

	v.SetDefault("providers.default.requestsPerWindow", 60)
	v.SetDefault("providers.default.tokensPerWindow", 100000)
	v.SetDefault("providers.default.maxConcurrent", 4)
	v.SetDefault("providers.default.windowDuration", time.Minute)
	v.SetDefault("providers.default.queueCapacity", 64)
	v.SetDefault("providers.default.retryMaxAttempts", 2)
	v.SetDefault("providers.default.initialBackoff", 100*time.Millisecond)
	v.SetDefault("providers.default.maxBackoff", 2*time.Second)
	v.SetDefault("providers.default.degradeThreshold", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	for id, p := range cfg.Providers {
		if p.MaxConcurrent <= 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.maxConcurrent must be positive", id))
		}
		if p.RetryMaxAttempts < 0 || p.RetryMaxAttempts > 10 {
			errs = append(errs, fmt.Sprintf("providers.%s.retryMaxAttempts must be 0-10", id))
		}
	}
	switch cfg.Orchestrator.DefaultJoinMode {
	case "all", "any", "quorum", "":
	default:
		errs = append(errs, "orchestrator.defaultJoinMode must be one of: all, any, quorum")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
