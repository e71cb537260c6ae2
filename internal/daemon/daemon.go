package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/logger"
	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/chat"
	"github.com/harun/parley/pkg/commandqueue"
	"github.com/harun/parley/pkg/gateway"
	"github.com/harun/parley/pkg/notifier"
	"github.com/harun/parley/pkg/provider"
	"github.com/harun/parley/pkg/registry"
	"github.com/harun/parley/pkg/session"
	"github.com/harun/parley/pkg/watchdog"
	"github.com/rs/zerolog"
)

const (
	stopTimeout    = 10 * time.Second
	drainTimeout   = 5 * time.Second
	mirrorBuffer   = 256
	watchDebounce  = 100 * time.Millisecond
	retryBaseDelay = time.Second
)

// Daemon owns every long-lived component of a parley process.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	queue    *commandqueue.Queue
	registry *registry.Registry
	store    *chat.Store
	archive  *chat.Archive
	watcher  *chat.Watcher
	notifier *notifier.CoordinatorNotifier
	router   *chat.Router
	provider provider.Provider
	sessions *session.Manager

	// Services
	watchdog      *watchdog.Watchdog
	gatewayServer *gateway.Server

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a snapshot of the daemon.
type Status struct {
	Running   bool          `json:"running"`
	StartTime time.Time     `json:"startTime,omitempty"`
	Uptime    time.Duration `json:"uptime"`
	Sessions  int           `json:"sessions"`
	Queued    int           `json:"queued"`
	Active    int           `json:"active"`
	Gateway   string        `json:"gateway,omitempty"`
}

var newProvider = func(cfg provider.Config) (provider.Provider, error) {
	return (&provider.Factory{}).New(cfg)
}

// New creates a daemon and constructs its components. Nothing is started
// until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	cfg.ApplyPaths()

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("parley-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		log:            log.Component("daemon"),
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// abort releases what a failed New already opened.
func (d *Daemon) abort() {
	d.cancel()
	if d.archive != nil {
		_ = d.archive.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.queue != nil {
		_ = d.queue.Close(context.Background())
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules builds storage, delivery and sessions in dependency
// order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.queue = commandqueue.New()
	d.log.Info().Msg("Command queue initialized")

	reg, err := registry.New(cfg.Registry.Dir)
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	d.registry = reg
	d.log.Info().Str("dir", cfg.Registry.Dir).Msg("Registry initialized")

	store, err := chat.NewStore(chat.StoreConfig{Path: cfg.Chat.Path, Logger: &zl})
	if err != nil {
		return fmt.Errorf("failed to create chat store: %w", err)
	}
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open chat store: %w", err)
	}
	d.store = store
	d.log.Info().Str("path", cfg.Chat.Path).Int64("lastMessageId", store.LastMessageID()).Msg("Chat store opened")

	if cfg.Chat.ArchiveEnabled {
		archive, err := chat.OpenArchive(cfg.Chat.ArchivePath, &zl)
		if err != nil {
			// Search is optional; delivery works without it.
			d.log.Warn().Err(err).Str("path", cfg.Chat.ArchivePath).Msg("Chat archive disabled")
		} else {
			d.archive = archive
			d.log.Info().Str("path", cfg.Chat.ArchivePath).Msg("Chat archive opened")
		}
	}

	if cfg.Chat.Watch {
		watcher, err := chat.NewWatcher(store, watchDebounce)
		if err != nil {
			return fmt.Errorf("failed to create chat watcher: %w", err)
		}
		d.watcher = watcher
	}

	routerCfg := chat.RouterConfig{
		Store:           store,
		Unread:          reg,
		CoordinatorName: cfg.Chat.CoordinatorName,
		Logger:          &zl,
	}
	if cfg.Notifier.Enabled {
		n, err := notifier.New(notifier.Config{
			Activator:       notifier.NewTmuxActivator(cfg.Notifier.Command, time.Duration(cfg.Notifier.SubmitDelayMs)*time.Millisecond),
			Resolver:        reg,
			CoordinatorName: cfg.Chat.CoordinatorName,
			FallbackSession: cfg.Notifier.FallbackSession,
			Logger:          &zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create notifier: %w", err)
		}
		d.notifier = n
		routerCfg.Notifier = n
		d.log.Info().Str("target", n.SessionRef()).Msg("Coordinator notifier initialized")
	}

	router, err := chat.NewRouter(routerCfg)
	if err != nil {
		return fmt.Errorf("failed to create chat router: %w", err)
	}
	d.router = router

	p, err := newProvider(provider.Config{
		Name:      cfg.Provider.Name,
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		MaxTokens: cfg.Provider.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	d.provider = p
	d.log.Info().Str("provider", p.Name()).Msg("Provider initialized")

	model := cfg.Agents.DefaultModel
	if model == "" {
		model = cfg.Provider.Model
	}
	autoSave := cfg.Agents.AutoSave
	sessions, err := session.NewManager(session.ManagerConfig{
		Provider:   p,
		Queue:      d.queue,
		HistoryDir: cfg.Agents.HistoryDir,
		Defaults: session.Options{
			Model:        model,
			Tools:        cfg.Agents.DefaultTools,
			SystemPrompt: cfg.Provider.SystemPrompt,
			MaxTokens:    cfg.Provider.MaxTokens,
			AutoSave:     &autoSave,
		},
		Retry:           provider.RetryPolicy{MaxRetries: cfg.Provider.MaxRetries, BaseDelay: retryBaseDelay},
		Registry:        reg,
		CoordinatorName: cfg.Chat.CoordinatorName,
		Logger:          &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}
	d.sessions = sessions
	router.SetAgentLookup(sessions)
	d.log.Info().Str("historyDir", cfg.Agents.HistoryDir).Msg("Session manager initialized")

	return nil
}

// initializeServices builds the watchdog and the gateway.
func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.Zerolog()

	if cfg.Watchdog.Enabled {
		wd, err := watchdog.New(watchdog.Config{
			Schedule:   cfg.Watchdog.Schedule,
			StallAfter: time.Duration(cfg.Watchdog.StallAfterSeconds) * time.Second,
			Sessions:   d.sessions,
			Unread:     d.registry,
			Logger:     &zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create watchdog: %w", err)
		}
		d.watchdog = wd
	}

	gwCfg := gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		Sessions:     d.sessions,
		Chat:         d.router,
		Queue:        d.queue,
		Logger:       &zl,
	}
	if d.archive != nil {
		gwCfg.Archive = d.archive
	}
	server, err := gateway.NewServer(gwCfg)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server

	return nil
}

// Start restores agents and starts every service.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx := tracing.WithTraceID(d.ctx, tracing.NewTraceID())
	logger := tracing.LoggerFromContext(ctx, d.log)
	logger.Info().Msg("Starting parley daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	restored := d.sessions.LoadExistingAgents(ctx)
	logger.Info().Int("agents", restored).Msg("Agents restored")

	if d.archive != nil {
		if err := d.archive.Sync(ctx, d.store); err != nil {
			logger.Warn().Err(err).Msg("Failed to sync chat archive")
		}
		msgs, _ := d.store.Subscribe(mirrorBuffer)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.archive.Mirror(d.ctx, msgs)
		}()
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start chat watcher")
		} else {
			logger.Info().Msg("Chat watcher started")
		}
	}

	if d.watchdog != nil {
		d.watchdog.Start()
		logger.Info().Str("schedule", d.config.Watchdog.Schedule).Msg("Watchdog started")
	}

	if err := d.gatewayServer.Start(); err != nil {
		d.setStopped()
		_ = d.lifecycle.Stop()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops services, lets running prompts finish for a bounded time and
// closes storage.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping parley daemon")

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var errs []error

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
			errs = append(errs, err)
		}
	}

	if d.watchdog != nil {
		d.watchdog.Stop()
	}

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop chat watcher")
		}
	}

	d.eventLoop.HandleShutdown()

	if err := d.sessions.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to shut down sessions")
		errs = append(errs, err)
	}

	if err := d.queue.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(drainTimeout):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.archive != nil {
		if err := d.archive.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close chat archive")
		}
	}
	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close chat store")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}

	logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	running, started := d.running, d.startTime
	d.mu.RUnlock()

	status := Status{
		Running:  running,
		Sessions: len(d.sessions.Sessions()),
	}
	status.Queued, status.Active = d.queue.Totals()

	if running {
		status.Uptime = time.Since(started)
		status.StartTime = started
		status.Gateway = d.gatewayServer.Addr()
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon. It also
// returns when the daemon is stopped by other means.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
		if err := d.Stop(); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop daemon")
		}
	case <-d.ctx.Done():
	}
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.Queue {
	return d.queue
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessions
}

// GetChatRouter returns the chat router
func (d *Daemon) GetChatRouter() *chat.Router {
	return d.router
}

// GetChatStore returns the chat store
func (d *Daemon) GetChatStore() *chat.Store {
	return d.store
}

// GetRegistry returns the discovery registry
func (d *Daemon) GetRegistry() *registry.Registry {
	return d.registry
}

// GetGatewayServer returns the gateway server
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
