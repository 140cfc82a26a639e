package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"listsync/backend"
	"listsync/backend/remote"
	"listsync/backend/sqlite"
	"listsync/internal/admin"
	"listsync/internal/breaker"
	"listsync/internal/cache"
	"listsync/internal/config"
	"listsync/internal/credentials"
	"listsync/internal/daemon"
	"listsync/internal/metrics"
	"listsync/internal/orchestrator"
	"listsync/internal/processor"
	"listsync/internal/queue"
	"listsync/internal/ratelimit"
	"listsync/internal/shutdown"
	"listsync/internal/utils"
	"listsync/internal/watcher"
)

const (
	shutdownTimeout = 30 * time.Second
	detachWait      = 5 * time.Second
)

func newServeCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the listsync daemon",
		Long:  "Run the cache, retry queue and processor, serving management requests on a Unix socket.\nUse --detach to start it in the background.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			detach, _ := cmd.Flags().GetBool("detach")
			if detach {
				return doDetach(stdout, cfg)
			}
			return doServe(stdout, cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("detach", false, "Start the daemon in the background and return")
	return cmd
}

// doDetach re-executes `listsync serve` in its own session and waits for its socket.
func doDetach(stdout io.Writer, cfg *Config) error {
	appCfg, err := loadConfig(cfg)
	if err != nil {
		return err
	}
	if daemon.IsRunning(appCfg.Daemon.PIDPath, appCfg.Daemon.SocketPath) {
		return fmt.Errorf("daemon already running (socket %s)", appCfg.Daemon.SocketPath)
	}

	args := []string{"serve", "--config", configPath(cfg)}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	if err := daemon.Fork(daemon.ForkConfig{Args: args, LogPath: appCfg.Daemon.LogPath}); err != nil {
		return err
	}

	deadline := time.Now().Add(detachWait)
	for time.Now().Before(deadline) {
		if daemon.IsRunning(appCfg.Daemon.PIDPath, appCfg.Daemon.SocketPath) {
			_, _ = fmt.Fprintf(stdout, "Daemon started (socket %s, log %s)\n", appCfg.Daemon.SocketPath, appCfg.Daemon.LogPath)
			printResult(stdout, cfg, ResultActionCompleted)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return utils.WrapWithSuggestion(
		errors.New("daemon did not start in time"),
		fmt.Sprintf("Check the daemon log at %s", appCfg.Daemon.LogPath),
	)
}

// doServe runs the daemon in the foreground until a signal or a stop request.
func doServe(stdout io.Writer, cfg *Config) error {
	path := configPath(cfg)
	appCfg, err := loadConfig(cfg)
	if err != nil {
		return err
	}
	if appCfg.Remote.BaseURL == "" && cfg.Remote == nil {
		return utils.ErrRemoteNotConfigured(path)
	}
	if daemon.IsRunning(appCfg.Daemon.PIDPath, appCfg.Daemon.SocketPath) {
		return fmt.Errorf("daemon already running (socket %s)", appCfg.Daemon.SocketPath)
	}

	if err := utils.Configure(utils.LoggerConfig{
		Level:  appCfg.Logging.Level,
		Format: appCfg.Logging.Format,
	}); err != nil {
		return err
	}
	if cfg.Verbose {
		utils.SetVerboseMode(true)
	}
	log := utils.GetLogger()
	logger := log.Named("listsync")
	defer log.Sync()

	mgr := shutdown.NewManager(shutdown.WithLogger(logger.Named("shutdown")))
	stopSignals := mgr.NotifySignals()
	defer stopSignals()

	rt, err := newRuntime(appCfg, cfg, logger)
	if err != nil {
		return err
	}
	mgr.RegisterCleanup("queue-db", func(ctx context.Context) error { return rt.store.Close() })
	mgr.RegisterCleanup("remote", func(ctx context.Context) error { return rt.remote.Close() })

	ctx := mgr.Context()
	rt.cache.Start(ctx)
	mgr.RegisterCleanup("cache", func(ctx context.Context) error {
		rt.cache.Stop()
		return nil
	})

	if err := rt.processor.Start(ctx); err != nil {
		mgr.Shutdown()
		return errors.Join(err, mgr.Wait(context.Background()))
	}
	mgr.RegisterCleanup("processor", func(ctx context.Context) error {
		rt.processor.Stop()
		return nil
	})

	if appCfg.Admin.Enabled {
		startAdminServer(mgr, rt, appCfg.Admin.Listen, logger)
	}

	reloader := watcher.NewReloader(path, appCfg, func(s watcher.HotSettings) {
		rt.processor.SetEnabled(s.ProcessorEnabled)
		if err := log.SetLevel(s.LogLevel); err != nil {
			logger.Warn("failed to apply log level", zap.String("level", s.LogLevel), zap.Error(err))
		}
	}, logger.Named("reload"))
	if w, err := watcher.WatchConfig(reloader, logger.Named("watcher")); err != nil {
		logger.Warn("config hot reload disabled", zap.Error(err))
	} else {
		mgr.RegisterCleanup("config-watcher", func(ctx context.Context) error {
			w.Stop()
			return nil
		})
	}

	d := daemon.New(daemon.Config{
		PIDPath:    appCfg.Daemon.PIDPath,
		SocketPath: appCfg.Daemon.SocketPath,
		Logger:     logger.Named("daemon"),
	}, rt.admin)

	_, _ = fmt.Fprintf(stdout, "listsync daemon starting (pid %d, socket %s)\n", os.Getpid(), appCfg.Daemon.SocketPath)
	runErr := d.Run(ctx)

	mgr.Shutdown()
	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Wait(waitCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr == nil {
		_, _ = fmt.Fprintln(stdout, "listsync daemon stopped")
	}
	return runErr
}

// startAdminServer serves the HTTP operator surface until shutdown.
func startAdminServer(mgr *shutdown.Manager, rt *runtime, listen string, logger *zap.Logger) {
	handler := admin.NewRouter(rt.admin, rt.metrics.Handler(), logger.Named("http")).Setup()
	srv := admin.NewServer(listen, handler, logger.Named("admin"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(mgr.Context()); err != nil {
			logger.Error("admin HTTP server failed", zap.String("listen", listen), zap.Error(err))
		}
	}()
	mgr.RegisterCleanup("admin-http", func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// runtime holds every component the daemon hosts.
type runtime struct {
	store        *sqlite.Store
	queue        *queue.Queue
	remote       backend.Client
	cache        *cache.Cache
	metrics      *metrics.Collector
	orchestrator *orchestrator.Orchestrator
	processor    *processor.Processor
	admin        *admin.Service
}

// newRuntime wires the components from the loaded config.
func newRuntime(appCfg *config.Config, cfg *Config, logger *zap.Logger) (*runtime, error) {
	collector := metrics.NewCollector(metrics.DefaultNamespace)

	client, err := newRemote(appCfg, cfg, logger, collector)
	if err != nil {
		return nil, err
	}

	var (
		remoteClient backend.Client = client
		circuit      *breaker.Client
	)
	if appCfg.IsBreakerEnabled() {
		circuit = breaker.New(client, breaker.Config{
			ConsecutiveFailures: appCfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         appCfg.BreakerOpenTimeout(),
			Logger:              logger.Named("breaker"),
			OnStateChange: func(_, to string) {
				collector.SetBreakerOpen(to == "open")
			},
		})
		remoteClient = circuit
	}

	store, err := openStore(appCfg.Queue.Path)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	q := queue.New(store, queue.Config{
		MaxRetries: appCfg.Queue.MaxRetries,
		Backoff: ratelimit.Backoff{
			BaseDelay:          appCfg.BaseDelay(),
			RateLimitBaseDelay: appCfg.RateLimitBaseDelay(),
			MaxDelay:           appCfg.MaxDelay(),
			MaxJitter:          ratelimit.DefaultMaxJitter,
		},
		Logger: logger.Named("queue"),
	})

	c := cache.New(cache.Config{
		SweepInterval: appCfg.SweepInterval(),
		Logger:        logger.Named("cache"),
	})
	collector.RegisterCache(metrics.DefaultNamespace, c.Stats)

	resolver := newCredentialManager(appCfg, cfg)

	orch := orchestrator.New(c, q, remoteClient, remoteClient, resolver, orchestrator.Config{
		RemoteTimeout:       appCfg.RemoteTimeout(),
		CollectionTTL:       appCfg.CollectionTTL(),
		ItemsTTL:            appCfg.ItemsTTL(),
		OwnerCollectionsTTL: appCfg.OwnerCollectionsTTL(),
		StaleTTL:            appCfg.StaleTTL(),
		StaleFallback:       appCfg.IsStaleFallbackEnabled(),
		Metrics:             collector,
		Logger:              logger.Named("orchestrator"),
	})

	procCfg := processor.Config{
		Interval:       appCfg.ProcessorInterval(),
		PurgeInterval:  appCfg.PurgeInterval(),
		RetentionDays:  appCfg.Queue.RetentionDays,
		BatchSize:      appCfg.Processor.BatchSize,
		Concurrency:    appCfg.Processor.Concurrency,
		AttemptTimeout: appCfg.AttemptTimeout(),
		RatePerSecond:  appCfg.Processor.RatePerSecond,
		Burst:          appCfg.Processor.Burst,
		StaleAfter:     appCfg.StaleAfter(),
		Disabled:       !appCfg.IsProcessorEnabled(),
		Reconciler:     orch,
		Metrics:        collector,
		Logger:         logger.Named("processor"),
	}
	adminCfg := admin.Config{
		Queue:        q,
		Cache:        c,
		Metrics:      collector,
		Logger:       logger.Named("admin"),
		Orchestrator: orch,
	}
	if circuit != nil {
		procCfg.Breaker = circuit
		adminCfg.Breaker = circuit
	}
	proc := processor.New(q, remoteClient, resolver, procCfg)
	adminCfg.Processor = proc

	svc, err := admin.New(adminCfg)
	if err != nil {
		_ = store.Close()
		_ = client.Close()
		return nil, err
	}

	return &runtime{
		store:        store,
		queue:        q,
		remote:       remoteClient,
		cache:        c,
		metrics:      collector,
		orchestrator: orch,
		processor:    proc,
		admin:        svc,
	}, nil
}

// newRemote returns the injected client or an HTTP client for remote.base_url.
func newRemote(appCfg *config.Config, cfg *Config, logger *zap.Logger, collector *metrics.Collector) (backend.Client, error) {
	if cfg.Remote != nil {
		return cfg.Remote, nil
	}
	client, err := remote.New(remote.Config{
		BaseURL:   appCfg.Remote.BaseURL,
		Timeout:   appCfg.RemoteTimeout(),
		UserAgent: appCfg.Remote.UserAgent,
		Logger:    logger.Named("remote"),
	})
	if err != nil {
		return nil, err
	}
	collector.RegisterRateLimit(metrics.DefaultNamespace, client.RateLimitStats())
	return client, nil
}

// openStore opens the queue database, creating its directory.
func openStore(path string) (*sqlite.Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	return store, nil
}

// newCredentialManager resolves tokens from the keyring, the environment, then the config file.
func newCredentialManager(appCfg *config.Config, cfg *Config) *credentials.Manager {
	opts := []credentials.ManagerOption{credentials.WithStaticTokens(appCfg.Credentials.Tokens)}
	if cfg.Keyring != nil {
		opts = append(opts, credentials.WithKeyring(cfg.Keyring))
	}
	return credentials.NewManager(opts...)
}
