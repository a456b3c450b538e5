// Package main provides the entry point for the abeslinkd daemon.
//
// The daemon probes connectivity on a schedule, logs in to the captive
// portal when one is detected and serves its state over a UNIX socket
// and, optionally, over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gdg-abesec/abeslink/internal/activity"
	"github.com/gdg-abesec/abeslink/internal/config"
	"github.com/gdg-abesec/abeslink/internal/control/handler"
	"github.com/gdg-abesec/abeslink/internal/control/server"
	"github.com/gdg-abesec/abeslink/internal/engine"
	"github.com/gdg-abesec/abeslink/internal/history"
	"github.com/gdg-abesec/abeslink/internal/httpapi"
	"github.com/gdg-abesec/abeslink/internal/keyring"
	"github.com/gdg-abesec/abeslink/internal/logging"
	"github.com/gdg-abesec/abeslink/internal/login"
	"github.com/gdg-abesec/abeslink/internal/metrics"
	"github.com/gdg-abesec/abeslink/internal/probe"
	"github.com/gdg-abesec/abeslink/internal/sdnotify"
)

var version = "dev"

type flags struct {
	configPath  string
	socketPath  string
	socketGroup string
	listen      string
	debug       bool
}

func main() {
	paths, err := config.GetPaths()
	if err != nil {
		fmt.Fprintf(os.Stderr, "abeslinkd: %v\n", err)
		os.Exit(1)
	}

	var f flags
	flag.StringVar(&f.configPath, "config", paths.DaemonFile, "Path to the daemon configuration file")
	flag.StringVar(&f.socketPath, "socket", "", "Path to the control socket (overrides the config file)")
	flag.StringVar(&f.socketGroup, "socket-group", "", "Group allowed to use the control socket")
	flag.StringVar(&f.listen, "listen", "", "Address for the HTTP status and metrics API (overrides the config file)")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("abeslinkd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadDaemon(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "abeslinkd: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log, f.debug)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, paths, f); err != nil {
		slog.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging(c config.LogConfig, debug bool) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	if debug {
		level = logging.LevelDebug
	}
	logging.Setup(logging.LevelFromEnv(level), logging.Format(c.Format))
}

// daemon holds the wired components of a running abeslinkd.
type daemon struct {
	engine   *engine.Engine
	settings *config.SettingsManager
	history  *history.Store
	metrics  *metrics.Recorder
	handler  *handler.Handler
	server   *server.Server
}

// build wires every component without starting any of them.
func build(cfg *config.DaemonConfig, paths *config.Paths, f flags, creds engine.CredentialStore) (*daemon, error) {
	settings, err := config.NewSettingsManager(paths.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	adapterCfg, err := cfg.Portal.Resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid portal configuration: %w", err)
	}
	adapter, err := login.NewFormAdapter(adapterCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create login adapter: %w", err)
	}

	d := &daemon{settings: settings, metrics: metrics.New()}

	opts := engine.Options{
		ProbeTimeout:     cfg.Probe.Timeout.Std(),
		LoginBudget:      cfg.Login.Budget.Std(),
		MaxAttempts:      cfg.Login.MaxAttempts,
		Backoff:          cfg.Login.BackoffPolicy(),
		HighLatency:      cfg.Probe.HighLatency.Std(),
		CredentialPolicy: cfg.Login.CredentialPolicy(),
		LogCapacity:      cfg.Activity.Capacity,
	}
	executor := login.NewExecutor(adapter,
		login.WithLimiter(cfg.Login.Limiter()),
		login.WithAttemptTimeout(cfg.Login.AttemptTimeout.Std()),
	)
	deps := engine.Deps{
		Credentials: creds,
		Settings:    settings,
		Prober:      probe.NewClient(),
		Login:       executor,
		Recorder:    d.metrics,
	}

	if !cfg.History.Disabled {
		path := cfg.History.Path
		if path == "" {
			path = paths.HistoryFile
		}
		store, err := history.Open(path, history.DefaultRetain)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		d.history = store
		deps.Sink = store
		opts.History = restoreHistory(store, cfg.Activity.Capacity)
	}

	e, err := engine.New(deps, opts)
	if err != nil {
		d.close()
		return nil, err
	}
	d.engine = e

	socketPath := f.socketPath
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if socketPath == "" {
		socketPath = paths.SocketPath
	}
	d.handler = handler.New(e)
	d.server = server.NewServerWithGroup(socketPath, f.socketGroup, d.handler.HandleRequest)
	return d, nil
}

func restoreHistory(store *history.Store, n int) []activity.Entry {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := store.Recent(ctx, n)
	if err != nil {
		slog.Warn("Failed to restore activity history", "error", err)
		return nil
	}
	slog.Debug("Restored activity history", "entries", len(entries))
	return entries
}

func (d *daemon) close() {
	if d.history != nil {
		if err := d.history.Close(); err != nil {
			slog.Warn("Failed to close history", "error", err)
		}
	}
}

func run(ctx context.Context, cfg *config.DaemonConfig, paths *config.Paths, f flags) error {
	slog.Info("Starting abeslinkd", "version", version)

	d, err := build(cfg, paths, f, keyring.NewSystemKeyring(keyring.ServiceName))
	if err != nil {
		return err
	}
	defer d.close()

	listen := f.listen
	if listen == "" {
		listen = cfg.HTTP.Listen
	}
	return d.serve(ctx, listen, sdnotify.New())
}

// serve starts every component and blocks until ctx ends.
func (d *daemon) serve(ctx context.Context, listen string, notifier *sdnotify.Notifier) error {
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("failed to start control server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { d.handler.Stream(runCtx, d.server.Broadcast) })
	spawn(func() { d.reportStatus(runCtx, notifier) })
	spawn(func() {
		err := d.settings.Watch(runCtx, func(s config.Settings) {
			if err := d.engine.UpdateSettings(s); err != nil {
				slog.Warn("Failed to apply reloaded settings", "error", err)
			}
		})
		if err != nil {
			slog.Warn("Settings watcher stopped", "error", err)
		}
	})
	// CurrentState blocks if the engine lock is wedged, which stops the pings
	spawn(func() {
		notifier.RunWatchdog(runCtx, func() bool {
			_ = d.engine.CurrentState()
			return true
		})
	})

	httpErr := make(chan error, 1)
	if listen != "" {
		srv := &http.Server{
			Addr:              listen,
			Handler:           httpapi.New(d.engine, d.metrics.Handler()).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		spawn(func() { httpErr <- httpapi.RunServer(runCtx, srv) })
	}

	if err := d.engine.Start(d.settings.Get()); err != nil {
		cancel()
		wg.Wait()
		_ = d.server.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}
	notifier.Ready()

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case serveErr = <-httpErr:
		if serveErr != nil {
			serveErr = fmt.Errorf("HTTP API failed: %w", serveErr)
		}
	}

	notifier.Stopping()
	d.engine.Stop()
	cancel()
	if err := d.server.Stop(); err != nil {
		slog.Warn("Failed to stop control server", "error", err)
	}
	wg.Wait()
	d.engine.Wait()

	slog.Info("Shutdown complete")
	return serveErr
}

// reportStatus mirrors the connection status into the systemd unit status.
func (d *daemon) reportStatus(ctx context.Context, notifier *sdnotify.Notifier) {
	updates, unsubscribe := d.engine.Subscribe(engine.DefaultSubscriberBuffer)
	defer unsubscribe()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if msg := sdnotify.StatusFor(st.Status, st.Running); msg != last {
				notifier.Status(msg)
				last = msg
			}
		}
	}
}
