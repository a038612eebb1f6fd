// Package config loads Heron configuration from defaults, an optional YAML
// file and HERON_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/opensource-finance/heron/internal/domain"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration. HERON_PROFILE=cluster starts from
// domain.ClusterConfig instead of the standalone defaults. The YAML file at
// path, if any, is overlaid next and environment overrides last.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv("HERON_PROFILE") == string(domain.ProfileCluster) {
		cfg = domain.ClusterConfig()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func Validate(cfg *domain.Config) error {
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver: %s", cfg.Repository.Driver)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cl := cfg.Experiment.ConfidenceLevel; cl <= 0 || cl >= 1 {
		return fmt.Errorf("experiment confidence level must be in (0, 1), got %v", cl)
	}
	if cfg.Decision.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("decision timeout must be positive")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *domain.Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("HERON_HOST", &cfg.Server.Host)
	if err := num("HERON_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if v, ok := lookup("HERON_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	str("HERON_DB_DRIVER", &cfg.Repository.Driver)
	str("HERON_DB_PATH", &cfg.Repository.SQLitePath)
	str("HERON_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	if err := num("HERON_POSTGRES_PORT", &cfg.Repository.PostgresPort); err != nil {
		return err
	}
	str("HERON_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("HERON_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("HERON_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("HERON_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	str("HERON_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("HERON_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	str("HERON_NATS_URL", &cfg.EventBus.NATSUrl)
	str("HERON_NATS_TOKEN", &cfg.EventBus.NATSToken)

	if err := num("HERON_DECISION_TIMEOUT_MS", &cfg.Decision.DefaultTimeoutMs); err != nil {
		return err
	}
	if v, ok := lookup("HERON_CONFIDENCE_LEVEL"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("HERON_CONFIDENCE_LEVEL: %w", err)
		}
		cfg.Experiment.ConfidenceLevel = f
	}
	if v, ok := lookup("HERON_BANDIT_SEED"); ok && v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HERON_BANDIT_SEED: %w", err)
		}
		cfg.Experiment.BanditSeed = seed
	}

	if v, ok := lookup("HERON_TENANTS"); ok && v != "" {
		cfg.Worker.TenantIDs = splitList(v)
	}
	if v, ok := lookup("HERON_ASYNC_WORKER"); ok {
		cfg.Worker.Enabled = v == "true"
	}
	if v, ok := lookup("HERON_DEBUG"); ok && v == "true" {
		cfg.Logging.Level = "debug"
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
