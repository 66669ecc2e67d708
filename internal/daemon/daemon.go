// Package daemon runs the knotify state machine: it debounces button presses,
// orchestrates deliveries, recovers interrupted cycles at startup and serves
// the CLI over a unix socket.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/msageha/knotify/internal/catalog"
	"github.com/msageha/knotify/internal/events"
	"github.com/msageha/knotify/internal/lock"
	"github.com/msageha/knotify/internal/model"
	"github.com/msageha/knotify/internal/notify"
	"github.com/msageha/knotify/internal/status"
	"github.com/msageha/knotify/internal/store"
	"github.com/msageha/knotify/internal/telemetry"
	"github.com/msageha/knotify/internal/uds"
	"github.com/msageha/knotify/internal/webhook"
)

func parseLogLevel(s string) logrus.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// NewLogger builds the daemon logger writing plain text lines to w.
func NewLogger(w io.Writer, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(parseLogLevel(level))
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// Daemon is the main knotify daemon process.
type Daemon struct {
	dir     string
	config  model.Config
	logger  *logrus.Logger
	log     *logrus.Entry
	logFile io.Closer
	clock   clock.Clock

	fileLock *lock.FileLock
	server   *uds.Server
	bus      *events.Bus
	journal  *events.Journal

	store        store.StatusStore
	mirror       *status.Mirror
	catalog      *catalog.Catalog
	telemetry    *telemetry.Latest
	webhooks     *webhook.Sender
	orchestrator *Orchestrator
	presses      *PressHandler
	recovery     *Recovery
	locks        *lock.MutexMap[int]

	// transport is overridable in tests.
	transport webhook.Transport

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	stopped  chan struct{}
}

// New creates a Daemon logging to <dir>/logs/daemon.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(dir, cfg, logFile, logFile, clock.WallClock)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer, clk clock.Clock) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := NewLogger(w, cfg.Logging.Level)

	d := &Daemon{
		dir:       dir,
		config:    cfg,
		logger:    logger,
		log:       logger.WithField("component", "daemon"),
		logFile:   closer,
		clock:     clk,
		fileLock:  lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock")),
		bus:       events.NewBus(100),
		telemetry: telemetry.NewLatest(cfg.Location),
		locks:     lock.NewMutexMap[int](),
		transport: webhook.NewHTTPTransport(cfg.HTTP.Timeout()),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
	}
	d.server = uds.NewServer(uds.ServerConfig{
		SocketPath: filepath.Join(dir, uds.DefaultSocketName),
		MaxConns:   cfg.Daemon.IPCConnections(),
		Logger:     d.component("uds"),
	})
	return d, nil
}

func (d *Daemon) component(name string) *logrus.Entry {
	return d.logger.WithField("component", name)
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up in dependency order. Recovery runs before
// the socket accepts presses.
func (d *Daemon) Start() error {
	if err := os.MkdirAll(filepath.Join(d.dir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log.Infof("daemon starting pid=%d", os.Getpid())

	if err := d.wire(); err != nil {
		d.cleanup()
		return err
	}

	if err := d.recovery.Run(d.ctx); err != nil {
		d.log.Errorf("recovery sweep failed: %v", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log.Infof("UDS server listening on %s", filepath.Join(d.dir, uds.DefaultSocketName))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.catalog.Watch(d.ctx); err != nil {
			d.log.Errorf("catalog watch stopped: %v", err)
		}
	}()

	d.log.Info("daemon ready")
	return nil
}

func (d *Daemon) wire() error {
	st, err := store.Open(d.config.Store, d.dir)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	d.store = st

	journal, err := events.NewJournal(filepath.Join(d.dir, "logs", "transitions.jsonl"), 0)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	d.journal = journal
	d.journal.Attach(d.bus)

	d.mirror = status.NewMirror(d.bus, d.component("status"))

	cat, err := catalog.New(filepath.Join(d.dir, catalog.DefaultFileName), d.bus, d.component("catalog"))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	d.catalog = cat
	d.log.Infof("catalog loaded actions=%d", len(cat.Actions()))

	messages, err := notify.New(d.config.Message, d.component("notify"))
	if err != nil {
		return fmt.Errorf("message provider: %w", err)
	}

	d.webhooks = webhook.NewSender(cat, d.telemetry, d.transport, d.config.Location.GeofenceRadius(), d.component("webhook"))

	d.orchestrator = NewOrchestrator(d.ctx, OrchestratorConfig{
		Store:     st,
		Mirror:    d.mirror,
		Deliverer: NewActionDeliverer(d.webhooks, messages, d.config.Message.Title, d.component("deliver")),
		Bus:       d.bus,
		Clock:     d.clock,
		Timing:    d.config.Timing,
		Workers:   d.config.Daemon.DeliveryWorkers(),
		Logger:    d.component("orchestrator"),
	})
	d.recovery = NewRecovery(st, d.mirror, d.clock, d.config.Timing, d.locks, d.component("recovery"))
	d.presses = NewPressHandler(PressHandlerConfig{
		Store:    st,
		Mirror:   d.mirror,
		Executor: d.orchestrator,
		Pending:  d.recovery,
		Clock:    d.clock,
		Timing:   d.config.Timing,
		Locks:    d.locks,
		Logger:   d.component("press"),
	})
	d.catalog.Subscribe(d.onCatalogReload)
	return nil
}

// onCatalogReload disarms actions whose payload was removed while they were
// waiting for confirmation. Running cycles are left alone; the next press
// aborts them.
func (d *Daemon) onCatalogReload(actions []model.Action) {
	byID := make(map[int]model.Action, len(actions))
	for _, a := range actions {
		byID[a.ID] = a
	}
	for _, id := range d.mirror.ActiveIDs() {
		a, ok := byID[id]
		if !ok || a.HasWebhook() || a.HasMessage() {
			continue
		}
		switch d.mirror.Get(id) {
		case model.StatusFirst:
			d.presses.Reset(id, "payload removed from catalog")
		case model.StatusExecuting:
			d.log.Warnf("action=%d lost its payload while executing", id)
		}
	}
}

// waitSignals blocks until a shutdown signal or a shutdown request.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.log.Warn("received second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.ctx.Done():
		<-d.stopped
	}
}

// Shutdown performs graceful shutdown (idempotent via sync.Once). Pending
// cycles stop where they are; their durable checkpoints are settled by
// recovery on the next start.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		d.log.Info("shutdown started")

		d.cancel()
		if d.server != nil {
			d.server.Stop()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			if d.orchestrator != nil {
				d.orchestrator.Wait()
			}
			if d.recovery != nil {
				d.recovery.Wait()
			}
			close(done)
		}()

		timeout := d.config.Daemon.ShutdownTimeout()
		select {
		case <-done:
			d.log.Info("all goroutines drained")
		case <-time.After(timeout):
			d.log.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.log.Info("daemon stopped")
		d.cleanup()
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.dir, uds.DefaultSocketName))
	d.bus.Close()
	if d.journal != nil {
		d.journal.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warnf("close status store: %v", err)
		}
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}
