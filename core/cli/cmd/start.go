package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/querybridge/querybridge/core/backends"
	"github.com/querybridge/querybridge/core/config"
	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/engine"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/observability"
	transporthttp "github.com/querybridge/querybridge/core/transport/http"
)

var watch bool

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:           "start",
	Short:         "Run the QueryBridge server",
	RunE:          startServer,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the configuration file")
	startCmd.Flags().StringVarP(&port, "port", "p", "", "Server port (overrides config file and PORT env var)")
	startCmd.Flags().BoolVar(&watch, "watch", false, "Watch the definitions directory and hot-reload on changes")
}

func startServer(cmd *cobra.Command, args []string) error {
	log := logging.New("start")

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Server.Port = port
	}
	if cfg.Logging.Level != "" && logLevel == "" {
		logging.SetLevel(cfg.Logging.Level)
	}

	ctx := context.Background()

	providers, err := observability.Setup(ctx, cfg.Observability, GetVersion())
	if err != nil {
		return err
	}

	registry := definition.NewRegistry()
	if cfg.Definitions.Dir != "" {
		if err := registry.LoadDir(cfg.Definitions.Dir); err != nil {
			return err
		}
		log.Infof("Loaded %d definitions from %s", registry.Len(), cfg.Definitions.Dir)
	}

	manager, err := buildManager(cfg)
	if err != nil {
		return err
	}

	cacheStore, err := buildCacheStore(ctx, cfg)
	if err != nil {
		return err
	}

	historySink, err := buildHistorySink(ctx, cfg)
	if err != nil {
		return err
	}

	limiter, err := buildRateLimiter(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		Registry:         registry,
		Manager:          manager,
		Credentials:      cfg.Resolver(),
		CacheStore:       cacheStore,
		HistorySink:      historySink,
		Limiter:          limiter,
		BatchConcurrency: cfg.Server.BatchConcurrency,
		DefaultTimeout:   cfg.Server.DefaultTimeout(),
	})

	watchDone := make(chan struct{})
	if watch || cfg.Definitions.Watch {
		if err := registry.Watch(cfg.Definitions.Dir, watchDone); err != nil {
			return err
		}
		log.Infof("Watching %s for definition changes", cfg.Definitions.Dir)
	}

	server := transporthttp.NewServer(cfg.Server.Port, time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second)
	transporthttp.RegisterRoutes(server.Router(), eng)
	server.StartAsync()
	log.Infof("QueryBridge %s listening on port %s", GetVersion(), cfg.Server.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	close(watchDone)

	grace := time.Duration(cfg.Server.ShutdownGraceSeconds) * time.Second
	if err := server.Stop(grace); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := eng.Close(shutdownCtx); err != nil {
		log.Warnf("Engine shutdown: %v", err)
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Observability shutdown: %v", err)
	}

	log.Info("Shutdown complete")
	return nil
}

func buildManager(cfg config.Config) (*backends.Manager, error) {
	manager := backends.NewManager()

	if cfg.Backends.SQL != nil {
		exec, err := backends.NewSQLExecutor(*cfg.Backends.SQL)
		if err != nil {
			return nil, err
		}
		manager.Register(exec)
	}
	if cfg.Backends.Directory != nil {
		manager.Register(backends.NewDirectoryExecutor(*cfg.Backends.Directory))
	}
	if cfg.Backends.Graph != nil {
		manager.Register(backends.NewGraphExecutor(*cfg.Backends.Graph))
	}
	return manager, nil
}

func buildCacheStore(ctx context.Context, cfg config.Config) (engine.CacheStore, error) {
	if cfg.Cache.Store != "redis" {
		return nil, nil // engine defaults to the in-memory store
	}
	opt, err := redis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return engine.NewRedisStore(client), nil
}

func buildHistorySink(ctx context.Context, cfg config.Config) (engine.HistorySink, error) {
	if cfg.History.Sink != "mongo" {
		return nil, nil
	}
	return engine.NewMongoSink(ctx, engine.MongoSinkConfig{
		URI:        cfg.History.MongoURI,
		Database:   cfg.History.MongoDatabase,
		Collection: cfg.History.MongoCollection,
	})
}

func buildRateLimiter(cfg config.Config) (engine.RateLimiter, error) {
	if cfg.RateLimit.Store != "redis" {
		return nil, nil // engine defaults to the process-local limiter
	}
	opt, err := redis.ParseURL(cfg.RateLimit.RedisURL)
	if err != nil {
		return nil, err
	}
	return engine.NewRedisRateLimiter(redis.NewClient(opt)), nil
}
