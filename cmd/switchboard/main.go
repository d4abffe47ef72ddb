// Command switchboard runs the call-processing machine runtime: an HTTP
// event gateway, an optional NATS ingress, a websocket transition feed, and
// a registry of call machines over the configured persistence provider.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fluxorio/switchboard/pkg/config"
	"github.com/fluxorio/switchboard/pkg/core"
	"github.com/fluxorio/switchboard/pkg/db"
	"github.com/fluxorio/switchboard/pkg/ingress"
	obsprom "github.com/fluxorio/switchboard/pkg/observability/prometheus"
	"github.com/fluxorio/switchboard/pkg/observability/tracing"
	"github.com/fluxorio/switchboard/pkg/statemachine"
	"github.com/fluxorio/switchboard/pkg/web"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML or JSON config file")
		seed       = flag.Int("seed", 0, "create N demo call machines at startup")
		hashKey    = flag.String("hash-api-key", "", "print the bcrypt hash for an API key and exit")
	)
	flag.Parse()

	if *hashKey != "" {
		hash, err := web.HashAPIKey(*hashKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash-api-key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	logger := core.NewDefaultLogger()
	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		logger.Errorf("config: %v", err)
		os.Exit(1)
	}

	if err := run(cfg, logger, *seed); err != nil {
		logger.Errorf("switchboard: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.File, logger core.Logger, seed int) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(ctx, "switchboard", cfg.Tracing.Stdout)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	provider, err := buildProvider(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}

	table, err := callFlowTable()
	if err != nil {
		return fmt.Errorf("descriptor: %w", err)
	}
	factory := func(id string) (*statemachine.Machine, error) {
		return statemachine.NewMachine(id, table, &callContext{})
	}

	metrics := obsprom.GetMetrics()
	reg := statemachine.NewRegistry(statemachine.Config{
		Workers:               cfg.Runtime.Workers,
		MaxConcurrentMachines: cfg.Runtime.MaxConcurrentMachines,
		MailboxCapacity:       cfg.Runtime.MailboxCapacity,
		EnqueuePolicy:         enqueuePolicy(cfg.Runtime.EnqueuePolicy),
		EnqueueWait:           cfg.Runtime.EnqueueWait.Std(),
		DispatchBatch:         cfg.Runtime.DispatchBatch,
		RehydrationEnabled:    cfg.Runtime.RehydrationEnabled,
		DeleteCompleted:       cfg.Runtime.DeleteCompleted,
		ShutdownTimeout:       cfg.Runtime.ShutdownTimeout.Std(),
		SlowHandlerThreshold:  cfg.Runtime.SlowHandlerThreshold.Std(),
		Persistence:           provider,
		Resolver: func(id string) (statemachine.Factory, bool) {
			return factory, true
		},
		Logger:  logger,
		Metrics: metrics,
	})
	reg.AddListener(statemachine.NewLoggingListener(logger))

	var feed *web.FeedServer
	if cfg.Feed.Enabled {
		feed = web.NewFeedServer(web.FeedConfig{Addr: cfg.Feed.Addr, Logger: logger})
		reg.AddListener(feed)
		go func() {
			if err := feed.ListenAndServe(); err != nil {
				logger.Errorf("feed: %v", err)
			}
		}()
	}

	var natsIngress *ingress.NATSIngress
	if cfg.NATS != nil {
		natsIngress, err = ingress.NewNATSIngress(reg, ingress.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			QueueGroup:    cfg.NATS.QueueGroup,
			Name:          "switchboard",
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("nats ingress: %w", err)
		}
		reg.AddListener(ingress.NewTransitionPublisher(natsIngress.Conn(), cfg.NATS.SubjectPrefix, logger))
		logger.Infof("nats ingress connected to %s", cfg.NATS.URL)
	}

	var gateway *web.Gateway
	if cfg.Gateway.Enabled {
		gateway = web.NewGateway(reg, web.GatewayConfig{
			Addr:         cfg.Gateway.Addr,
			ReadTimeout:  cfg.Gateway.ReadTimeout.Std(),
			WriteTimeout: cfg.Gateway.WriteTimeout.Std(),
			Auth:         authMiddleware(cfg.Gateway),
			Logger:       logger,
			Metrics:      metrics,
		})
		go func() {
			if err := gateway.ListenAndServe(); err != nil {
				logger.Errorf("gateway: %v", err)
			}
		}()
	}

	for i := 0; i < seed; i++ {
		id := uuid.New().String()
		if _, err := reg.CreateOrGet(ctx, id, factory); err != nil {
			logger.Warnf("seed machine %s: %v", id, err)
			continue
		}
		logger.Infof("seeded call machine %s", id)
	}

	logger.Infof("switchboard running with %d machines", reg.Len())
	<-ctx.Done()
	logger.Info("shutting down")

	// Stop taking input first, then drain the registry.
	if natsIngress != nil {
		if err := natsIngress.Close(); err != nil {
			logger.Warnf("nats ingress close: %v", err)
		}
	}
	if gateway != nil {
		if err := gateway.Shutdown(); err != nil {
			logger.Warnf("gateway shutdown: %v", err)
		}
	}
	if feed != nil {
		feedCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := feed.Shutdown(feedCtx); err != nil {
			logger.Warnf("feed shutdown: %v", err)
		}
		cancel()
	}
	if err := reg.Shutdown(context.Background()); err != nil {
		logger.Warnf("registry shutdown: %v", err)
	}
	logger.Info("stopped")
	return nil
}

func enqueuePolicy(s string) statemachine.EnqueuePolicy {
	if s == "block" {
		return statemachine.BlockBounded
	}
	return statemachine.FailFast
}

func buildProvider(ctx context.Context, cfg config.DatabaseConfig) (statemachine.PersistenceProvider, error) {
	poolCfg := db.PoolConfig{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime.Std(),
	}
	switch cfg.Driver {
	case "", "memory":
		return statemachine.NewMemoryProvider(), nil
	case "sqlite3":
		poolCfg.DriverName = "sqlite3"
		return db.NewSQLiteProvider(ctx, poolCfg, cfg.Table)
	case "postgres":
		poolCfg.DriverName = "postgres"
		return db.NewPostgresProvider(ctx, poolCfg, cfg.Table)
	case "pgx":
		return db.NewPartitionedProvider(ctx, cfg.DSN, cfg.Table, cfg.Partitions)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func authMiddleware(cfg config.GatewayConfig) web.Middleware {
	switch cfg.AuthMode {
	case "jwt":
		return web.JWT(web.JWTConfig{SecretKey: cfg.JWTSecret})
	case "apikey":
		return web.APIKey(web.APIKeyConfig{KeyHash: cfg.APIKeyHash})
	default:
		return nil
	}
}
