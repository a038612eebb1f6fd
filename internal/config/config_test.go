package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opensource-finance/heron/internal/domain"
)

func envMap(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := domain.DefaultConfig()
	err := applyEnv(cfg, envMap(map[string]string{
		"HERON_PORT":                "9090",
		"HERON_DB_PATH":             "/tmp/x.db",
		"HERON_DECISION_TIMEOUT_MS": "750",
		"HERON_CONFIDENCE_LEVEL":    "0.99",
		"HERON_BANDIT_SEED":         "42",
		"HERON_TENANTS":             "t1, t2,,t3",
		"HERON_ASYNC_WORKER":        "true",
		"HERON_DEBUG":               "true",
		"HERON_ALLOWED_ORIGINS":     "https://app.example.com",
	}))
	if err != nil {
		t.Fatalf("applyEnv failed: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Repository.SQLitePath != "/tmp/x.db" {
		t.Errorf("expected db path override, got %s", cfg.Repository.SQLitePath)
	}
	if cfg.Decision.DefaultTimeoutMs != 750 {
		t.Errorf("expected timeout 750, got %d", cfg.Decision.DefaultTimeoutMs)
	}
	if cfg.Experiment.ConfidenceLevel != 0.99 {
		t.Errorf("expected confidence 0.99, got %v", cfg.Experiment.ConfidenceLevel)
	}
	if cfg.Experiment.BanditSeed != 42 {
		t.Errorf("expected seed 42, got %d", cfg.Experiment.BanditSeed)
	}
	if len(cfg.Worker.TenantIDs) != 3 || cfg.Worker.TenantIDs[2] != "t3" {
		t.Errorf("unexpected tenants: %v", cfg.Worker.TenantIDs)
	}
	if !cfg.Worker.Enabled {
		t.Error("expected worker enabled")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Logging.Level)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
}

func TestApplyEnvInvalidNumber(t *testing.T) {
	cfg := domain.DefaultConfig()
	if err := applyEnv(cfg, envMap(map[string]string{"HERON_PORT": "eighty"})); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heron.yaml")
	content := `
server:
  port: 8181
decision:
  default_timeout_ms: 300
  model_versions:
    propensity: "2.1.0"
experiment:
  confidence_level: 0.9
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("expected port 8181, got %d", cfg.Server.Port)
	}
	if cfg.Decision.DefaultTimeoutMs != 300 {
		t.Errorf("expected timeout 300, got %d", cfg.Decision.DefaultTimeoutMs)
	}
	if cfg.Decision.ModelVersions["propensity"] != "2.1.0" {
		t.Errorf("expected model version from file, got %v", cfg.Decision.ModelVersions)
	}
	if cfg.Experiment.ConfidenceLevel != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", cfg.Experiment.ConfidenceLevel)
	}
	// untouched defaults survive the overlay
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected default driver sqlite, got %s", cfg.Repository.Driver)
	}
}

func TestLoadClusterProfile(t *testing.T) {
	t.Setenv("HERON_PROFILE", "cluster")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Profile != domain.ProfileCluster {
		t.Errorf("expected cluster profile, got %s", cfg.Profile)
	}
	if cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" || cfg.Cache.Type != "redis" {
		t.Errorf("expected shared backends, got %s/%s/%s", cfg.Repository.Driver, cfg.EventBus.Type, cfg.Cache.Type)
	}
	if !cfg.Worker.Enabled {
		t.Error("expected worker enabled in cluster profile")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.Config)
		wantErr bool
	}{
		{"Defaults", func(c *domain.Config) {}, false},
		{"BadDriver", func(c *domain.Config) { c.Repository.Driver = "mysql" }, true},
		{"BadPort", func(c *domain.Config) { c.Server.Port = 0 }, true},
		{"BadConfidence", func(c *domain.Config) { c.Experiment.ConfidenceLevel = 1 }, true},
		{"BadTimeout", func(c *domain.Config) { c.Decision.DefaultTimeoutMs = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
