// syncd is the inventory synchronization service: it serves the edit API,
// runs the marketplace outbox drain, and keeps the reference catalog fresh.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/1benisin/brickops-sub002/config"
	"github.com/1benisin/brickops-sub002/internal/api"
	"github.com/1benisin/brickops-sub002/internal/cache"
	"github.com/1benisin/brickops-sub002/internal/catalog"
	"github.com/1benisin/brickops-sub002/internal/credentials"
	"github.com/1benisin/brickops-sub002/internal/database"
	"github.com/1benisin/brickops-sub002/internal/edit"
	"github.com/1benisin/brickops-sub002/internal/ledger"
	"github.com/1benisin/brickops-sub002/internal/metrics"
	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/outbox"
	"github.com/1benisin/brickops-sub002/internal/provider"
	"github.com/1benisin/brickops-sub002/internal/ratelimit"
	"github.com/1benisin/brickops-sub002/internal/status"
	"github.com/1benisin/brickops-sub002/internal/store"
	"github.com/1benisin/brickops-sub002/internal/worker"
	"github.com/1benisin/brickops-sub002/pkg/clock"
	"github.com/1benisin/brickops-sub002/pkg/logger"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:     "syncd",
		Short:   "Multi-marketplace inventory synchronization service",
		Version: fmt.Sprintf("%s (built %s)", version, buildTime),
	}
	root.PersistentFlags().String("config", "config/config.yaml", "path to configuration file")
	_ = viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	viper.SetEnvPrefix("SYNCD")
	viper.AutomaticEnv()

	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore selects Postgres when a database host is configured, else the
// in-memory store for single-node dev mode.
func openStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.Database.Host == "" {
		log.Warn("no database configured, using in-memory store")
		return store.NewMem(), nil
	}
	db, err := database.New(database.Config{
		URL:            cfg.Database.GetConnectionString(),
		MaxConnections: cfg.Database.MaxOpenConns,
		MaxIdle:        cfg.Database.MaxIdleConns,
		ConnMaxLife:    cfg.Database.ConnMaxLifetime,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		return nil, err
	}
	return db, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logger.New("migrate")
			if cfg.Database.Host == "" {
				return fmt.Errorf("migrate requires a configured database")
			}
			db, err := database.New(database.Config{
				URL:            cfg.Database.GetConnectionString(),
				MaxConnections: cfg.Database.MaxOpenConns,
				MaxIdle:        cfg.Database.MaxIdleConns,
				ConnMaxLife:    cfg.Database.ConnMaxLifetime,
			}, log)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.InitSchema()
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	log := logger.New("syncd")
	log.Info("starting inventory sync service", "version", version, "build_time", buildTime)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port, cfg.Metrics.Path)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	st, err := openStore(cfg, log)
	if err != nil {
		log.Error("failed to open store", "error", err)
		return err
	}
	defer st.Close()

	var redisCache *cache.Cache
	if cfg.Redis.Enabled {
		log.Info("connecting to redis", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
		redisCache, err = cache.New(cache.Config{
			Address:  cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.CacheTTL,
		})
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			return err
		}
		defer redisCache.Close()
	}

	clk := clock.System{}
	cat := catalog.New(st, redisCache, clk, cfg.Catalog.StaleThreshold)
	vault, err := credentials.New(st, cfg.Webhook.CredentialsKey)
	if err != nil {
		log.Error("failed to open credentials vault", "error", err)
		return err
	}

	var dedup provider.DedupLog
	if redisCache != nil {
		dedup = provider.NewRedisDedup(redisCache.Client(), "syncd:idem:")
	} else {
		dedup = provider.NewMemDedup()
	}

	adapters := map[model.Provider]provider.Adapter{
		model.ProviderBrickLink: provider.NewBrickLink(
			cfg.Providers.BrickLink.BaseURL,
			cfg.Providers.BrickLink.RequestsPerSec,
			vault.CredentialFunc(model.ProviderBrickLink),
			dedup,
		),
		model.ProviderBrickOwl: provider.NewBrickOwl(
			cfg.Providers.BrickOwl.BaseURL,
			cfg.Providers.BrickOwl.RequestsPerSec,
			vault.CredentialFunc(model.ProviderBrickOwl),
			dedup,
			func(ctx context.Context, colorID string) (string, error) {
				return cat.ProviderColorID(ctx, model.ProviderBrickOwl, colorID)
			},
		),
	}

	limiter := ratelimit.New(st, clk, map[model.Provider]ratelimit.ProviderLimits{
		model.ProviderBrickLink: {
			Capacity: cfg.Providers.BrickLink.RateCapacity,
			Window:   cfg.Providers.BrickLink.RateWindow,
		},
		model.ProviderBrickOwl: {
			Capacity: cfg.Providers.BrickOwl.RateCapacity,
			Window:   cfg.Providers.BrickOwl.RateWindow,
		},
	})

	policy := outbox.Policy{
		MaxAttempts:    cfg.Sync.MaxAttempts,
		BackoffBase:    cfg.Sync.BackoffBase,
		BackoffCap:     cfg.Sync.BackoffCap,
		RetryJitterMax: cfg.Sync.RetryJitterMax,
	}

	ldg := ledger.New(clk)
	edits := edit.New(st, ldg, clk, edit.AllowAll{}, log.With("component", "edit"))
	stat := status.New(st)

	drain := worker.NewDrain(st, limiter, adapters, policy, clk, log.With("component", "drain"))
	drain.Period = cfg.Sync.DrainInterval
	drain.BatchSize = cfg.Sync.BatchSize

	refresh := worker.NewRefresh(st, cat, limiter, adapters, policy, clk, log.With("component", "refresh"))
	refresh.Period = cfg.Catalog.RefreshInterval
	refresh.BatchSize = cfg.Catalog.RefreshBatch

	janitor := worker.NewJanitor(st, clk, log.With("component", "janitor"))
	janitor.Retention = cfg.Sync.Retention

	poller := worker.NewPoller(st, cat, log.With("component", "poller"))
	poller.Period = cfg.Catalog.PollInterval

	workers := worker.NewGroup(log.With("component", "workers"), drain, refresh, janitor, poller)
	workers.Start(ctx)

	apiServer := api.NewServer(cfg.API, cfg.Webhook, st, edits, stat, cat, refresh, log.With("component", "api"))
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error("API server failed", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("received interrupt signal, shutting down gracefully")
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	workers.Stop()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop API server gracefully", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Error("failed to stop metrics server gracefully", "error", err)
		}
	}

	log.Info("inventory sync service stopped")
	return nil
}
