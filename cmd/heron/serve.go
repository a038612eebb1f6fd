package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/heron/internal/api"
	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/cache"
	"github.com/opensource-finance/heron/internal/constraints"
	"github.com/opensource-finance/heron/internal/decision"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/experiment"
	"github.com/opensource-finance/heron/internal/expr"
	"github.com/opensource-finance/heron/internal/features"
	"github.com/opensource-finance/heron/internal/frequency"
	"github.com/opensource-finance/heron/internal/metrics"
	"github.com/opensource-finance/heron/internal/repository"
	"github.com/opensource-finance/heron/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var featuresPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the Heron HTTP API.

The server provides:
  - Decision endpoint and decision history
  - Experiment lifecycle, assignment, conversion and results endpoints
  - Health, readiness and Prometheus metrics endpoints

Example:
  heron serve --config heron.yaml --features features.yaml`,
	RunE: runServe,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&featuresPath, "features", os.Getenv("HERON_FEATURES"), "YAML file of precomputed customer features keyed by tenant then customer")
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, prometheus.NewRegistry())
		if stats, ok := cache.StatsOf(cacheImpl); ok {
			if err := m.RegisterCache(stats); err != nil {
				return fmt.Errorf("failed to register cache metrics: %w", err)
			}
		}
	}

	exprEngine, err := expr.NewEngine(100)
	if err != nil {
		return fmt.Errorf("failed to initialize expression engine: %w", err)
	}
	defer exprEngine.Close()

	static := features.NewStaticProvider()
	if featuresPath != "" {
		n, err := loadFeatureFile(featuresPath, static)
		if err != nil {
			return err
		}
		slog.Info("customer features loaded", "path", featuresPath, "customers", n)
	}
	provider := features.NewCachedProvider(static, cacheImpl, cfg.Cache.FeatureTTL)

	freq := frequency.NewService(repo)
	filter := constraints.NewFilter(exprEngine, freq.CountDecisions)

	experiments := experiment.NewEngine(repo, cacheImpl, busImpl, cfg.Experiment)
	experiments.SetAssignmentTTL(cfg.Cache.AssignmentTTL)
	experiments.SetMetrics(m)

	decisions := decision.NewEngine(provider, decision.StaticModelRegistry(cfg.Decision.ModelVersions), filter, cfg.Decision)
	decisions.SetExperiments(experiments)
	decisions.SetMetrics(m)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, repo, decisions, experiments)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Cache:       cacheImpl,
		Bus:         busImpl,
		Decisions:   decisions,
		Experiments: experiments,
		Metrics:     m,
		Version:     Version,
	})
	if cfg.Metrics.Enabled {
		srv.MountMetrics(cfg.Metrics.Path)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cmd, cfg)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("heron shutdown complete")
	return nil
}

// loadFeatureFile seeds p from a YAML document of the form
//
//	tenant-001:
//	  cust-001:
//	    propensity_to_buy: 0.8
//
// and returns the number of customers loaded.
func loadFeatureFile(path string, p *features.StaticProvider) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read features file: %w", err)
	}

	var doc map[string]map[string]map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("failed to parse features file %s: %w", path, err)
	}

	n := 0
	for tenantID, customers := range doc {
		for customerID, f := range customers {
			p.Put(tenantID, customerID, f)
			n++
		}
	}
	return n, nil
}

func printBanner(cmd *cobra.Command, cfg *domain.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  HERON - decisions and experiments")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:  %s\n", Version)
	fmt.Fprintf(out, "  Profile:  %s\n", cfg.Profile)
	fmt.Fprintf(out, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    POST /decisions                              - Make a decision")
	fmt.Fprintln(out, "    GET  /decisions/{id}                         - Get a stored decision")
	fmt.Fprintln(out, "    POST /experiments                            - Create an experiment")
	fmt.Fprintln(out, "    GET  /experiments                            - List experiments")
	fmt.Fprintln(out, "    POST /experiments/{id}/start|stop|pause|resume|cancel")
	fmt.Fprintln(out, "    PUT  /experiments/{id}/allocations           - Change allocations for new customers")
	fmt.Fprintln(out, "    GET  /experiments/{id}/assignments/{customer} - Get or create an assignment")
	fmt.Fprintln(out, "    POST /experiments/{id}/conversions           - Track a conversion")
	fmt.Fprintln(out, "    GET  /experiments/{id}/results               - Experiment results")
	fmt.Fprintln(out, "    GET  /health                                 - Health check")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "    GET  %-41s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Fprintln(out)
}
