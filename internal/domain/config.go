package domain

import "time"

// Config is the full heron configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`

	// Profile records which preset the configuration started from.
	Profile Profile `json:"profile" yaml:"profile"`

	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	Decision   DecisionConfig   `json:"decision" yaml:"decision"`
	Experiment ExperimentConfig `json:"experiment" yaml:"experiment"`

	Worker WorkerConfig `json:"worker" yaml:"worker"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
	// AllowedOrigins lists browser origins permitted by CORS. Empty allows any.
	AllowedOrigins []string `json:"allowedOrigins" yaml:"allowed_origins"`
}

// DecisionConfig holds Decision Engine defaults.
type DecisionConfig struct {
	DefaultTimeoutMs          int `json:"defaultTimeoutMs" yaml:"default_timeout_ms"`
	DefaultMaxRecommendations int `json:"defaultMaxRecommendations" yaml:"default_max_recommendations"`
	// ModelVersions seeds the static model registry (model name -> version).
	ModelVersions map[string]string `json:"modelVersions" yaml:"model_versions"`
}

// ExperimentConfig holds Experimentation Engine defaults.
type ExperimentConfig struct {
	ConfidenceLevel float64 `json:"confidenceLevel" yaml:"confidence_level"`
	MinimumSample   int     `json:"minimumSample" yaml:"minimum_sample"`
	// BanditSeed seeds Thompson sampling. Zero seeds from the clock.
	BanditSeed uint64 `json:"banditSeed" yaml:"bandit_seed"`
}

// WorkerConfig holds async worker settings.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	TenantIDs []string `json:"tenantIds" yaml:"tenant_ids"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	ServiceName  string `json:"serviceName" yaml:"service_name"`
	ExporterType string `json:"exporterType" yaml:"exporter_type"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Path      string `json:"path" yaml:"path"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Profile names a deployment preset.
type Profile string

const (
	// ProfileStandalone runs one node on SQLite, an in-process cache and the
	// channel bus.
	ProfileStandalone Profile = "standalone"
	// ProfileCluster shares PostgreSQL, Redis and NATS between nodes.
	ProfileCluster Profile = "cluster"
)

// DefaultConfig returns the standalone preset.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Profile: ProfileStandalone,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:          "memory",
			LocalMaxSize:  10000,
			LocalTTL:      5 * time.Minute,
			FeatureTTL:    time.Minute,
			AssignmentTTL: time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Decision: DecisionConfig{
			DefaultTimeoutMs:          2000,
			DefaultMaxRecommendations: DefaultMaxRecommendations,
		},
		Experiment: ExperimentConfig{
			ConfidenceLevel: DefaultConfidenceLevel,
			MinimumSample:   DefaultMinimumSample,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "heron",
		},
	}
}

// ClusterConfig returns the multi-node preset. The async worker is on so
// queue-group consumers split event processing between nodes.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileCluster
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "heron",
	}
	cfg.Cache.Type = "redis"
	cfg.Cache.RedisAddr = "localhost:6379"
	cfg.Cache.EnableTwoPhase = true
	cfg.Cache.LocalMaxSize = 1000
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
