package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ostrane/tracedeck/client"
	"github.com/ostrane/tracedeck/config"
	"github.com/ostrane/tracedeck/errors"
	"github.com/ostrane/tracedeck/logger"
	"github.com/ostrane/tracedeck/server"
	"github.com/ostrane/tracedeck/sop"
	"github.com/ostrane/tracedeck/store"
	"github.com/ostrane/tracedeck/sym"
)

// pruneInterval is how often the snapshot cache is swept while serving.
const pruneInterval = 1 * time.Hour

// ServeCmd starts the TraceDeck dashboard server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: sym.Trace + " Start the TraceDeck dashboard server",
	Long: sym.Trace + ` Start the dashboard server.

The server exposes:
- JSON API for traces, jobs, and SOP documents
- Websocket push with per-trace subscriptions
- Server-sent event streams per trace
- Prometheus metrics and a health endpoint

Live followers subscribe to the orchestrator's event stream and fan
rebuilt task hierarchies out to connected clients.

Example:
  tracedeck serve                 # Serve on the configured port
  tracedeck serve --port 9000     # Override the listen port`,
	RunE: runServe,
}

var (
	servePort   int
	serveDBPath string
)

func init() {
	ServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	ServeCmd.Flags().StringVar(&serveDBPath, "db-path", "", "Snapshot cache path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = &servePort
	}

	database, err := openCache(cfg, serveDBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	cache := store.New(database)

	backend := newBackendClient(cfg)
	if err := checkBackend(cmd.Context(), backend); err != nil {
		return err
	}

	var sops *sop.Store
	if cfg.SOP.Path != "" {
		sops = sop.NewStore(cfg.SOP.Path)
	}

	srv := server.New(cfg, server.Deps{
		Backend: backend,
		Cache:   cache,
		SOPs:    sops,
		Logger:  logger.ComponentLogger("server"),
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	startConfigWatcher(srv)
	if sops != nil {
		if err := sops.Watch(ctx, srv.BroadcastSOPUpdated); err != nil {
			pterm.Warning.Printf("SOP library watch unavailable: %v\n", err)
		}
	}
	go pruneLoop(ctx, cache, cfg)

	pterm.Info.Printf("TraceDeck dashboard on port %d (orchestrator %s)\n",
		cfg.ServerPort(), cfg.BackendURL())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "dashboard server failed")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully (press Ctrl+C again to force)...")
		cancel()

		select {
		case err := <-errChan:
			if err != nil {
				return errors.Wrap(err, "shutdown error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("\nForce shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}

// checkBackend gates startup on orchestrator compatibility. An unreachable
// orchestrator is allowed through, the server runs in degraded mode off the
// cache, but a reachable orchestrator with an unsupported version is fatal.
func checkBackend(ctx context.Context, backend *client.Client) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := backend.Health(probeCtx)
	if err != nil {
		pterm.Warning.Printf("Orchestrator unreachable, serving cached data only: %v\n", err)
		return nil
	}
	if err := client.CheckCompat(health); err != nil {
		return errors.Wrap(err, "orchestrator incompatible")
	}
	logger.Infow("Orchestrator compatible",
		"version", health.Version,
		"active_jobs", health.ActiveJobs)
	return nil
}

// startConfigWatcher hot-reloads monitor and limiter tunables from the user
// config file. Serving continues untouched when no config file exists yet.
func startConfigWatcher(srv *server.DashServer) {
	configPath := config.UserConfigPath()
	if configPath == "" {
		return
	}
	if _, err := os.Stat(configPath); err != nil {
		return
	}

	watcher, err := config.NewConfigWatcher(configPath)
	if err != nil {
		logger.Warnw("Config watcher unavailable", "path", configPath, "error", err)
		return
	}
	watcher.OnReload(func(fresh *config.Config) error {
		srv.ApplyTunables(fresh)
		return nil
	})
	config.SetGlobalWatcher(watcher)
	watcher.Start()
	logger.Infow("Watching config for tunable changes", "path", configPath)
}

// pruneLoop sweeps expired snapshots out of the cache, once at startup and
// then hourly. Retention zero disables the sweep entirely.
func pruneLoop(ctx context.Context, cache *store.Store, cfg *config.Config) {
	age := cfg.RetentionAge()
	if age <= 0 {
		return
	}

	prune := func() {
		removed, err := cache.Prune(ctx, age)
		if err != nil {
			logger.Warnw("Snapshot cache prune failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Infow("Pruned snapshot cache",
				"removed", removed,
				"older_than", age)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
