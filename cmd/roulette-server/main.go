package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/lox/cryptoroulette/internal/game"
	"github.com/lox/cryptoroulette/internal/guard"
	"github.com/lox/cryptoroulette/internal/ledger"
	"github.com/lox/cryptoroulette/internal/room"
	"github.com/lox/cryptoroulette/internal/server"
	"github.com/lox/cryptoroulette/internal/storage/sqlite"
	"golang.org/x/sync/errgroup"
)

// version is set by ldflags during build
var version = "dev"

var CLI struct {
	Version  kong.VersionFlag `short:"v" help:"Show version"`
	Config   string           `short:"c" long:"config" default:"roulette-server.hcl" help:"Path to HCL configuration file"`
	Addr     string           `short:"a" long:"addr" help:"Server address to bind to, host:port (overrides config)"`
	LogLevel string           `short:"l" long:"log-level" help:"Log level (overrides config)"`
	DB       string           `long:"db" help:"SQLite database path, enables the sqlite store (overrides config)"`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("roulette-server"),
		kong.Description("Provably fair crypto roulette server"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		ctx.Exit(1)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	switch cfg.Server.LogLevel {
	case "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	case "fatal":
		logger.SetLevel(log.FatalLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server failed", "error", err)
		ctx.Exit(1)
	}
}

// loadConfig layers the config file, ROULETTE_* env vars and flags, in that
// order.
func loadConfig() (*server.ServerConfig, error) {
	cfg, err := server.LoadServerConfig(CLI.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if CLI.Addr != "" {
		if err := cfg.SetListenAddress(CLI.Addr); err != nil {
			return nil, fmt.Errorf("--addr: %w", err)
		}
	}
	if CLI.LogLevel != "" {
		cfg.Server.LogLevel = CLI.LogLevel
	}
	if CLI.DB != "" {
		cfg.Storage.Driver = server.DriverSQLite
		cfg.Storage.Path = CLI.DB
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *server.ServerConfig, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engineCfg, err := cfg.EngineConfig()
	if err != nil {
		return err
	}
	guardCfg, err := cfg.GuardConfig()
	if err != nil {
		return err
	}
	roomCfg, err := cfg.RoomConfig()
	if err != nil {
		return err
	}

	var store game.Store
	switch cfg.Storage.Driver {
	case server.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}()
		store = db
	default:
		store = game.NewMemoryStore()
	}

	clock := quartz.NewReal()
	wallet := ledger.NewWallet(clock, logger)
	engine := game.NewEngine(store, engineCfg,
		game.WithClock(clock),
		game.WithLogger(logger),
		game.WithWallet(wallet),
		game.WithAchievements(ledger.NewLogAchievements(logger)),
	)
	if _, err := engine.Restore(ctx); err != nil {
		return err
	}

	g := guard.New(guardCfg, clock, logger)
	rooms := room.NewManager(roomCfg, engine, g, clock, logger)

	srv := server.NewServer(cfg.GetServerAddress(), logger, engine, rooms, g)
	srv.SetBalances(wallet)

	logger.Info("Starting roulette server",
		"addr", cfg.GetServerAddress(),
		"storage", cfg.Storage.Driver,
		"spin_duration", roomCfg.SpinDuration,
		"version", version)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return srv.Start(ctx) })
	eg.Go(func() error { return engine.Run(ctx) })
	err = eg.Wait()
	logger.Info("Server stopped")
	return err
}
