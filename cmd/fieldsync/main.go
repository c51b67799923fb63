// Command fieldsync is the offline-first sync daemon for FieldLedger
// farm records. It watches connectivity to the backend, keeps failed
// mutations in a durable queue, and replays them in order once the
// network returns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldledger/fieldsync/internal/api"
	"github.com/fieldledger/fieldsync/internal/config"
	"github.com/fieldledger/fieldsync/internal/intercept"
	"github.com/fieldledger/fieldsync/internal/netmon"
	"github.com/fieldledger/fieldsync/internal/queue"
	"github.com/fieldledger/fieldsync/internal/scheduler"
	"github.com/fieldledger/fieldsync/internal/status"
	"github.com/fieldledger/fieldsync/internal/syncer"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds the daemon's runtime components.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     queue.Store
	Policy    *intercept.Policy
	Monitor   *netmon.Monitor
	MQTT      *netmon.MQTTEventSource
	Hub       *status.Hub
	Engine    *syncer.Engine
	Scheduler *scheduler.Scheduler
	Watcher   *config.Watcher
	APIServer *api.Server
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "fieldsync.toml"
	var subCmd string
	var subCmdIdx int

	// Find the config flag first so subcommands can use it.
	skipNext := false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(os.Args) {
				configPath = os.Args[i+1]
				skipNext = true
			}
		}
	}

	// First non-flag argument is the subcommand.
	skipNext = false
	for i := 1; i < len(os.Args); i++ {
		if skipNext {
			skipNext = false
			continue
		}
		arg := os.Args[i]
		if arg == "--config" || arg == "-config" {
			skipNext = true
			continue
		}
		if arg == "--version" || arg == "-version" {
			continue
		}
		if len(arg) > 0 && arg[0] != '-' {
			subCmd = arg
			subCmdIdx = i
			break
		}
	}

	if subCmd != "" {
		switch subCmd {
		case "init":
			return initCommand(os.Args[subCmdIdx+1:], configPath)
		case "sync":
			return syncCommand(os.Args[subCmdIdx+1:], configPath)
		case "queue":
			return queueCommand(os.Args[subCmdIdx+1:], configPath)
		case "start":
			// Falls through to normal daemon start below.
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", subCmd)
			fmt.Fprintln(os.Stderr, "Available commands: init, start, sync, queue")
			return 1
		}
	}

	fs := flag.NewFlagSet("fieldsync", flag.ExitOnError)
	configPathFlag := fs.String("config", "fieldsync.toml", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")

	args := os.Args[1:]
	if subCmd == "start" {
		args = os.Args[subCmdIdx+1:]
	}
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("FieldSync v%s (built %s)\n", version, buildTime)
		fmt.Println("Offline-first sync daemon for FieldLedger farm records")
		return 0
	}

	if *configPathFlag != "fieldsync.toml" {
		configPath = *configPathFlag
	}

	app, err := setup(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.Store.Close()

	if err := runServices(app); err != nil {
		app.Logger.Error("daemon error", "error", err)
		return 1
	}

	app.Logger.Info("fieldsync stopped")
	return 0
}

// setup builds the daemon's component graph from config.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app.Logger.Info("starting fieldsync", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	// Queue store, optionally sealing header snapshots at rest.
	var cipher *queue.Cipher
	if cfg.Queue.KeyPath != "" {
		key, err := queue.LoadOrCreateKey(cfg.Queue.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load queue key: %w", err)
		}
		cipher, err = queue.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create queue cipher: %w", err)
		}
		app.Logger.Info("queue header encryption enabled", "key", cfg.Queue.KeyPath)
	}
	app.Store = queue.NewSQLiteStore(cfg.Queue.DBPath, cipher)

	// Enqueue policy, hot-reloadable when a rules file is configured.
	rules, err := intercept.LoadRules(cfg.Policy.RulesPath)
	if err != nil {
		app.Logger.Warn("failed to load policy rules, using defaults", "error", err)
		rules = intercept.DefaultRules()
	}
	app.Policy = intercept.NewPolicy(rules, app.Logger)

	if cfg.Policy.RulesPath != "" {
		rulesPath := cfg.Policy.RulesPath
		app.Watcher = config.NewWatcher(rulesPath, 30*time.Second, app.Logger, func() {
			reloaded, err := intercept.LoadRules(rulesPath)
			if err != nil {
				app.Logger.Warn("policy rules reload failed", "error", err)
				return
			}
			app.Policy.SetRules(reloaded)
			app.Logger.Info("policy rules reloaded", "path", rulesPath)
		})
	}

	// Connectivity: polling probe, plus gateway push events if enabled.
	healthURL := cfg.API.HealthURL
	if healthURL == "" {
		healthURL = cfg.API.BaseURL + "/api/health"
	}
	prober := netmon.NewHTTPProber(healthURL, nil)

	var events <-chan bool
	if cfg.Network.MQTT.Enabled {
		app.MQTT = netmon.NewMQTTEventSource(
			cfg.Network.MQTT.Host,
			cfg.Network.MQTT.Port,
			cfg.Network.MQTT.Username,
			cfg.Network.MQTT.Password,
			app.Logger,
		)
		events = app.MQTT.Events()
	}

	app.Monitor = netmon.NewMonitor(prober, events, netmon.Config{
		PollInterval: cfg.Network.PollInterval(),
		Pulse:        cfg.Network.Pulse(),
	}, app.Logger)

	app.Hub = status.NewHub()
	app.Engine = syncer.NewEngine(app.Store, nil, app.Hub, cfg.Sync.MaxRetries, app.Logger)

	if cfg.Sync.AutoSync {
		sched, err := scheduler.New(schedule(cfg), app.Engine, func() bool {
			return app.Monitor.Status().Online
		}, app.Logger)
		if err != nil {
			return nil, fmt.Errorf("create scheduler: %w", err)
		}
		app.Scheduler = sched
	}

	app.APIServer = api.NewServer(
		cfg.Server.Port,
		app.Store,
		app.Engine,
		app.Monitor,
		app.Hub,
		app.Scheduler,
		app.Logger,
	)

	return app, nil
}

func schedule(cfg *config.Config) scheduler.Schedule {
	s := scheduler.Schedule{
		Kind:     cfg.Sync.ScheduleKind,
		Interval: cfg.Sync.Interval(),
		Expr:     cfg.Sync.CronExpr,
	}
	if s.Kind == "" {
		s.Kind = "interval"
	}
	return s
}

// loadConfig loads configuration from file or creates the default.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runServices starts everything and blocks until a shutdown signal.
func runServices(app *App) error {
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(rootCtx)

	// Reconnect trigger: drain the queue when the offline pulse fires.
	app.Monitor.OnChange(func(st netmon.Status) {
		if st.Online && st.WasOffline {
			app.Logger.Info("back online, starting sync")
			go func() {
				if _, err := app.Engine.SyncQueue(rootCtx); err != nil {
					app.Logger.Error("reconnect sync failed", "error", err)
				}
			}()
		}
	})

	if app.MQTT != nil {
		if err := app.MQTT.Start(); err != nil {
			// Push events are an optimization; polling still works.
			app.Logger.Warn("gateway event source unavailable", "error", err)
		}
		defer app.MQTT.Stop()
	}

	if err := app.Monitor.Start(rootCtx); err != nil {
		return fmt.Errorf("start network monitor: %w", err)
	}
	defer app.Monitor.Stop()

	if app.Scheduler != nil {
		if err := app.Scheduler.Start(rootCtx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer app.Scheduler.Stop()
	}

	if app.Watcher != nil {
		app.Watcher.Start()
		defer app.Watcher.Stop()
	}

	g.Go(func() error {
		return app.APIServer.Start(ctx)
	})

	printBanner(app)

	g.Go(func() error {
		waitForShutdown(ctx, app.Logger)
		cancel()
		return nil
	})

	return g.Wait()
}

func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  FieldSync v%s\n", version)
	fmt.Printf("  Status API:  http://localhost:%d\n", app.Config.Server.Port)
	fmt.Printf("  Backend:     %s\n", app.Config.API.BaseURL)
	fmt.Printf("  Queue DB:    %s\n", app.Config.Queue.DBPath)
	fmt.Println()
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if handlePlatformSignal(sig, logger) {
				continue
			}
			logger.Info("shutdown signal received", "signal", sig)
			return
		}
	}
}
