package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"

	"soundbite/internal/config"
	"soundbite/internal/logging"
	"soundbite/internal/notifications"
	"soundbite/internal/pipeline"
	"soundbite/internal/queue"
	"soundbite/internal/store"
)

// Daemon coordinates the queue workers, maintenance schedule, and HTTP
// ingress, and enforces single-instance execution via a file lock.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	queue   *queue.Queue
	exec    *pipeline.Executor
	handler http.Handler

	lockPath string
	lock     *flock.Flock
	cron     *cron.Cron

	listener net.Listener
	server   *http.Server

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status reports daemon runtime information for the status surfaces.
type Status struct {
	Running      bool
	PID          int
	StorePath    string
	LockFilePath string
	BindAddress  string
	Queue        queue.Counts
	Stages       store.HealthSummary
}

// New constructs a daemon. The handler, when non-nil, is served on the
// configured bind address; passing nil disables the HTTP surface.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, exec *pipeline.Executor, handler http.Handler, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil || q == nil || exec == nil {
		return nil, errors.New("daemon requires config, store, queue, and executor")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, "soundbite.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		queue:    q,
		exec:     exec,
		handler:  handler,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock and launches the workers, the maintenance
// schedule, and the HTTP server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another soundbite daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	workers := d.cfg.Workflow.Workers
	if workers < 1 {
		workers = 1
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.runWorker(runCtx, i)
	}

	d.cron = cron.New()
	if _, err := d.cron.AddFunc(d.cfg.Workflow.MaintenanceSchedule, func() {
		d.RunMaintenance(context.Background())
	}); err != nil {
		d.shutdown()
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	d.cron.Start()

	if err := d.startHTTP(runCtx); err != nil {
		d.shutdown()
		return err
	}

	d.running.Store(true)
	d.logger.Info("soundbite daemon started",
		logging.Int("workers", workers),
		logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) startHTTP(ctx context.Context) error {
	bind := strings.TrimSpace(d.cfg.Paths.Bind)
	if bind == "" || d.handler == nil {
		return nil
	}
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("ingress listen: %w", err)
	}
	d.listener = listener
	d.server = &http.Server{
		Handler:           d.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := d.server
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("ingress server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	d.logger.Info("ingress listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Stop halts background processing, waits for in-flight tasks, and releases
// the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.shutdown()
	d.running.Store(false)
	d.logger.Info("soundbite daemon stopped")
}

func (d *Daemon) shutdown() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.cron != nil {
		<-d.cron.Stop().Done()
		d.cron = nil
	}
	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.server.Shutdown(shutdownCtx)
		cancel()
		d.server = nil
	}
	if d.listener != nil {
		_ = d.listener.Close()
		d.listener = nil
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Close stops the daemon and releases the shared store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Addr returns the bound ingress address, or empty when the HTTP surface is
// disabled or not started.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Status returns the current daemon status with queue and stage counts.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StorePath:    d.store.Path(),
		LockFilePath: d.lockPath,
		BindAddress:  d.Addr(),
	}
	if counts, err := d.queue.CountByState(ctx); err == nil {
		status.Queue = counts
	} else {
		d.logger.Warn("queue count failed", logging.Error(err))
	}
	if health, err := d.store.Health(ctx); err == nil {
		status.Stages = health
	} else {
		d.logger.Warn("store health failed", logging.Error(err))
	}
	return status
}

// TestNotification sends a test push through the configured ntfy topic.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	notifier := notifications.NewService(d.cfg)
	if err := notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
