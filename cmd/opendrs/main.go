// Package main is the entry point for the OpenDRS service.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nerdCopter/OpenDRS/internal/config"
	"github.com/nerdCopter/OpenDRS/internal/domain"
	"github.com/nerdCopter/OpenDRS/internal/drs"
	"github.com/nerdCopter/OpenDRS/internal/export"
	"github.com/nerdCopter/OpenDRS/internal/inventory"
	"github.com/nerdCopter/OpenDRS/internal/repository/etcd"
	"github.com/nerdCopter/OpenDRS/internal/repository/postgres"
	"github.com/nerdCopter/OpenDRS/internal/repository/redis"
	"github.com/nerdCopter/OpenDRS/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	oneshot := flag.Bool("oneshot", false, "Analyze one inventory snapshot, write CSV, and exit")
	inventoryPath := flag.String("inventory", "", "Inventory snapshot file (one-shot mode)")
	outputPath := flag.String("output", "", "CSV output file (one-shot mode, default stdout)")
	aggressiveness := flag.Int("aggressiveness", 0, "Migration aggressiveness 1-5")
	balance := flag.Bool("balance", false, "Balance VM counts across hosts after rebalancing")
	bypassRules := flag.Bool("bypass-rules", false, "Ignore affinity, anti-affinity and pinning rules")
	clusters := flag.String("clusters", "", "Comma-separated cluster names to analyze (default all)")
	flag.Parse()

	if *showVersion {
		println("OpenDRS")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	// One-shot mode analyzes a snapshot file and writes the CSV without
	// starting the API or touching any backing store.
	if *oneshot {
		opts := analysisOptions(cfg, *aggressiveness, *balance, *bypassRules, *clusters)
		if err := runOneshot(cfg, logger, *inventoryPath, *outputPath, opts); err != nil {
			logger.Fatal("Analysis failed", zap.Error(err))
		}
		return
	}

	logger.Info("Starting OpenDRS",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect the configured infrastructure. Everything here is optional:
	// without postgres runs stay in memory, without redis there is no cache
	// or event stream, without etcd the instance acts as sole leader.
	var opts []server.ServerOption

	if cfg.Database.Enabled {
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		opts = append(opts, server.WithPostgreSQL(db))
	}

	if cfg.Redis.Enabled {
		cache, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		opts = append(opts, server.WithRedis(cache))
	}

	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			logger.Fatal("Failed to connect to etcd", zap.Error(err))
		}
		opts = append(opts, server.WithEtcd(client))
	}

	// Create server
	srv, err := server.New(cfg, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Run server
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// analysisOptions starts from the configured engine defaults and overlays
// the flags the caller actually set, so an unset flag never clobbers a
// config value.
func analysisOptions(cfg *config.Config, aggressiveness int, balance, bypassRules bool, clusters string) domain.AnalysisOptions {
	opts := domain.AnalysisOptions{
		Aggressiveness: cfg.Engine.Aggressiveness,
		BypassRules:    cfg.Engine.BypassRules,
		BalanceMode:    cfg.Engine.BalanceMode,
		Clusters:       cfg.Engine.Clusters,
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "aggressiveness":
			opts.Aggressiveness = aggressiveness
		case "balance":
			opts.BalanceMode = balance
		case "bypass-rules":
			opts.BypassRules = bypassRules
		case "clusters":
			opts.Clusters = nil
			for _, c := range strings.Split(clusters, ",") {
				if c = strings.TrimSpace(c); c != "" {
					opts.Clusters = append(opts.Clusters, c)
				}
			}
		}
	})

	return opts
}

// runOneshot loads the snapshot, runs one analysis pass and writes the
// recommendation CSV.
func runOneshot(cfg *config.Config, logger *zap.Logger, inventoryPath, outputPath string, opts domain.AnalysisOptions) error {
	path := inventoryPath
	if path == "" {
		path = cfg.Inventory.Path
	}

	provider := inventory.NewFileProvider(path, logger)
	inv, err := provider.Snapshot(context.Background())
	if err != nil {
		return err
	}

	engine, err := drs.NewEngine(cfg.Engine, logger)
	if err != nil {
		return err
	}

	result, err := engine.Analyze(inv, opts)
	if err != nil {
		return err
	}

	for _, d := range result.Diagnostics {
		logger.Warn("Analysis diagnostic",
			zap.String("cluster", d.Cluster),
			zap.String("subject", d.Subject),
			zap.String("message", d.Message),
		)
	}

	var out io.Writer = os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if err := export.WriteCSV(out, result.Recommendations); err != nil {
		return err
	}

	logger.Info("Analysis complete",
		zap.Int("clusters", result.ClustersTotal),
		zap.Int("clusters_skipped", result.ClustersSkipped),
		zap.Int("recommendations", len(result.Recommendations)),
		zap.Int("diagnostics", len(result.Diagnostics)),
	)
	return nil
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	// One-shot mode writes the CSV to stdout, so logs go to stderr to keep
	// the two streams separable.
	zapConfig.OutputPaths = []string{"stderr"}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
