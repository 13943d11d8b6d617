// Package daemon composes a running worker: identity lock, broker, execution
// pool, ack/retry manager, one dispatcher per queue and the control socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/conveyor/internal/broker"
	"github.com/msageha/conveyor/internal/dispatcher"
	"github.com/msageha/conveyor/internal/events"
	"github.com/msageha/conveyor/internal/handlers"
	"github.com/msageha/conveyor/internal/lock"
	"github.com/msageha/conveyor/internal/logging"
	"github.com/msageha/conveyor/internal/model"
	"github.com/msageha/conveyor/internal/pool"
	"github.com/msageha/conveyor/internal/retry"
	"github.com/msageha/conveyor/internal/router"
	"github.com/msageha/conveyor/internal/uds"
)

var (
	ErrIdentityInUse     = errors.New("worker identity already in use")
	ErrBrokerUnreachable = errors.New("broker unreachable")
)

const (
	startupPingTimeout = 10 * time.Second
	busBufferSize      = 256
)

// Options override config values and inject collaborators. Zero values keep
// the config's behavior.
type Options struct {
	Identity    string // identity template
	Concurrency int
	Modules     []string // merged with queues.modules

	Broker    broker.Backend
	Handler   pool.Handler
	LogWriter io.Writer

	// HandleSignals makes Run stop on SIGINT/SIGTERM. A second signal exits 1.
	HandleSignals bool
}

// Daemon is one worker process instance.
type Daemon struct {
	confDir     string
	config      model.Config
	opts        Options
	identity    model.WorkerIdentity
	assignments []model.QueueAssignment

	logger  *logging.Logger
	logFile io.Closer

	idLock      *lock.FileLock
	controlLock *lock.FileLock
	server      *uds.Server

	broker      broker.Backend
	recon       *broker.Reconnector
	bus         *events.Bus
	audit       *events.AuditLogger
	pool        *pool.Pool
	manager     *retry.Manager
	dispatchers []*dispatcher.Dispatcher

	settleCtx    context.Context
	settleCancel context.CancelFunc

	startedAt time.Time
	ready     chan struct{}
	draining  chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	drainOnce sync.Once
}

// New resolves identity and queues. Configuration problems are returned as
// *model.ConfigError before anything is started.
func New(confDir string, cfg model.Config, opts Options) (*Daemon, error) {
	if opts.Identity != "" {
		cfg.Worker.Identity = opts.Identity
	}
	if opts.Concurrency > 0 {
		cfg.Worker.Concurrency = opts.Concurrency
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	identity, err := model.ResolveIdentity(cfg.Worker.Identity, cfg.Worker.Label)
	if err != nil {
		return nil, &model.ConfigError{Field: "worker.identity", Err: err}
	}

	r := router.New(cfg.Queues.Broadcast)
	queues, err := r.Resolve(cfg.Queues.Patterns, router.MergeModules(cfg.Queues.Modules, opts.Modules))
	if err != nil {
		return nil, err
	}

	w := opts.LogWriter
	var closer io.Closer
	if w == nil {
		logPath := filepath.Join(confDir, model.WorkerLogFile)
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open worker log: %w", err)
		}
		w, closer = io.MultiWriter(f, os.Stderr), f
	}

	settleCtx, settleCancel := context.WithCancel(context.Background())
	return &Daemon{
		confDir:      confDir,
		config:       cfg,
		opts:         opts,
		identity:     identity,
		assignments:  r.Assign(identity, queues, cfg.Queues.Patterns),
		logger:       logging.New(w, logging.ParseLevel(cfg.Logging.Level)),
		logFile:      closer,
		idLock:       lock.NewFileLock(filepath.Join(confDir, model.LocksDir, lockName(identity.String()))),
		controlLock:  lock.NewFileLock(filepath.Join(confDir, model.LocksDir, "control.lock")),
		settleCtx:    settleCtx,
		settleCancel: settleCancel,
		ready:        make(chan struct{}),
		draining:     make(chan struct{}),
		stop:         make(chan struct{}),
	}, nil
}

// lockName maps an identity to a file name.
func lockName(identity string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_', r == '@':
			return r
		default:
			return '_'
		}
	}, identity) + ".lock"
}

func (d *Daemon) Identity() model.WorkerIdentity { return d.identity }

func (d *Daemon) Assignments() []model.QueueAssignment { return d.assignments }

// Ready is closed once Run has started every component.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Shutdown asks a running daemon to drain and stop. It does not wait.
func (d *Daemon) Shutdown() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Run starts the worker and blocks until ctx ends, Shutdown is called or a
// signal arrives, then drains. A nil return means a graceful stop; any error
// is a startup failure.
func (d *Daemon) Run(ctx context.Context) error {
	log := d.logger.With("daemon")

	if err := d.idLock.TryLock(); err != nil {
		d.closeLog()
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("%w: %s", ErrIdentityInUse, d.identity)
		}
		return fmt.Errorf("identity lock: %w", err)
	}
	d.startedAt = time.Now().UTC()
	log.Info("worker starting identity=%s pid=%d broker=%s concurrency=%d", d.identity, os.Getpid(), d.config.Broker.Type, d.config.Worker.Concurrency)

	if err := d.start(ctx); err != nil {
		log.Error("startup failed: %v", err)
		d.cleanup()
		return err
	}

	var sigCh chan os.Signal
	if d.opts.HandleSignals {
		sigCh = make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, disp := range d.dispatchers {
		disp := disp
		g.Go(func() error { return disp.Run(gctx) })
	}
	g.Go(func() error {
		d.metricsLoop(gctx)
		return nil
	})
	for _, a := range d.assignments {
		log.Info("consuming queue=%s shard=%s pattern=%s", a.Queue, a.Shard, a.Pattern)
	}
	log.Info("worker ready identity=%s queues=%d", d.identity, len(d.assignments))
	close(d.ready)

	select {
	case <-ctx.Done():
		log.Info("context done, initiating graceful shutdown")
	case <-d.stop:
		log.Info("shutdown requested, initiating graceful shutdown")
	case sig := <-sigCh:
		log.Info("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			log.Warn("received second signal, forcing exit")
			os.Exit(1)
		}()
	}

	d.drain()
	cancel()
	_ = g.Wait()
	d.writeMetrics()
	d.cleanup()
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	log := d.logger.With("daemon")

	audit, err := events.NewAuditLogger(filepath.Join(d.confDir, model.AuditLogFile), 0)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.SetIdentity(d.identity.String())
	audit.EnableChecksum(true)
	d.audit = audit
	d.bus = events.NewBus(busBufferSize)
	audit.Attach(d.bus, func(err error) { log.Warn("audit write failed: %v", err) })

	if d.opts.Broker != nil {
		d.broker = d.opts.Broker
	} else {
		b, err := broker.Open(d.config.Broker, d.confDir, broker.Options{
			Logger:      d.logger.With("broker"),
			Owner:       d.identity.String(),
			OnMalformed: d.onMalformed,
		})
		if err != nil {
			return err
		}
		d.broker = b
	}

	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	err = d.broker.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBrokerUnreachable, d.config.Broker.Type, err)
	}

	d.recon = broker.NewReconnector(d.broker,
		time.Duration(d.config.Broker.ReconnectBaseMs)*time.Millisecond,
		time.Duration(d.config.Broker.ReconnectMaxMs)*time.Millisecond,
		d.logger.With("reconnect"))
	d.manager = retry.NewManager(d.broker, retry.PolicyFromConfig(d.config.Retry), retry.Options{
		Logger:    d.logger.With("retry"),
		Bus:       d.bus,
		Reconnect: d.recon,
	})
	d.pool = pool.New(d.config.Worker.Concurrency, d.config.Worker.TaskTimeout(), d.logger)

	handler := d.opts.Handler
	if handler == nil {
		mux := handlers.Default(d.config.Handlers, d.logger)
		log.Info("handlers registered tasks=%s", strings.Join(mux.Names(), ","))
		handler = mux.Handle
	}
	for _, a := range d.assignments {
		d.dispatchers = append(d.dispatchers, dispatcher.New(dispatcher.Config{
			Assignment:        a,
			Handler:           handler,
			PollInterval:      d.config.Worker.PollInterval(),
			SaturationBackoff: d.config.Worker.SaturationBackoff(),
			Logger:            d.logger,
			SettleCtx:         d.settleCtx,
		}, d.broker, d.pool, d.manager, d.recon))
	}

	if !d.config.Control.Disabled {
		d.startControl()
	}
	d.writeMetrics()
	return nil
}

func (d *Daemon) onMalformed(queue string, raw []byte, err error) {
	if m := d.manager; m != nil {
		m.NoteMalformed(queue, err)
	}
}

// startControl serves the control socket unless another worker in the same
// project already does.
func (d *Daemon) startControl() {
	log := d.logger.With("daemon")
	if err := d.controlLock.TryLock(); err != nil {
		log.Warn("control socket owned by another worker, not serving: %v", err)
		return
	}
	d.server = uds.NewServer(filepath.Join(d.confDir, uds.DefaultSocketName), d.logger)
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		log.Warn("control socket unavailable: %v", err)
		d.server = nil
		_ = d.controlLock.Unlock()
	}
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{
			"identity": d.identity.String(),
			"pid":      os.Getpid(),
			"draining": d.isDraining(),
		})
	})
	d.server.Handle(uds.CommandStats, func(req *uds.Request) *uds.Response {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return uds.SuccessResponse(d.Snapshot(ctx))
	})
	d.server.Handle(uds.CommandShutdown, func(req *uds.Request) *uds.Response {
		if d.isDraining() {
			return uds.ErrorResponse(uds.ErrCodeShuttingDown, "worker is already draining")
		}
		d.logger.With("daemon").Info("shutdown requested via control socket")
		d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) isDraining() bool {
	select {
	case <-d.draining:
		return true
	default:
		return false
	}
}

// drain stops every dispatcher concurrently, each with the full grace period.
func (d *Daemon) drain() {
	d.drainOnce.Do(func() { close(d.draining) })
	grace := d.config.Worker.ShutdownGrace()
	log := d.logger.With("daemon")
	log.Info("draining dispatchers=%d in_flight=%d grace=%s", len(d.dispatchers), d.pool.InFlight(), grace)

	var wg sync.WaitGroup
	for _, disp := range d.dispatchers {
		disp := disp
		wg.Add(1)
		go func() {
			defer wg.Done()
			disp.Drain(grace)
		}()
	}
	wg.Wait()
	// Dispatchers have settled every handle they own; anything left is cancelled.
	d.pool.Shutdown(time.Second)
	log.Info("drain complete counters=%+v", d.manager.Counters())
}

// cleanup releases whatever start acquired, in reverse order.
func (d *Daemon) cleanup() {
	log := d.logger.With("daemon")
	if d.server != nil {
		_ = d.server.Stop()
		_ = d.controlLock.Unlock()
	}
	d.settleCancel()
	if d.manager != nil {
		d.manager.Close()
	}
	if d.recon != nil {
		d.recon.Close()
	}
	if d.broker != nil {
		if err := d.broker.Close(); err != nil {
			log.Warn("broker close: %v", err)
		}
	}
	if d.bus != nil {
		d.bus.Close()
		if n := d.bus.Dropped(); n > 0 {
			log.Warn("event bus dropped=%d", n)
		}
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
	_ = d.idLock.Unlock()
	log.Info("worker stopped identity=%s", d.identity)
	d.closeLog()
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		_ = d.logFile.Close()
		d.logFile = nil
	}
}
