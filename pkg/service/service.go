// Package service is the agent's process lifecycle (C9): an ordered
// list of named subsystems, each with independent setup/start/stop
// functions, driving a fixed ten-value state machine. Restructured
// from the teacher's ordered cobra AddCommand staging in
// cmd/warren/main.go, generalized from "one func per CLI command" to
// "one func per lifecycle phase per subsystem", and grounded on
// original_source's EPCService for the exact phase ordering and
// idempotency guards.
package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/agentctl/pkg/auth"
	"github.com/cuemby/agentctl/pkg/cache"
	"github.com/cuemby/agentctl/pkg/config"
	"github.com/cuemby/agentctl/pkg/events"
	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/manifest"
	"github.com/cuemby/agentctl/pkg/metrics"
	"github.com/cuemby/agentctl/pkg/scheduler"
	"github.com/cuemby/agentctl/pkg/transport"
	"github.com/cuemby/agentctl/pkg/worker"
)

// State mirrors the original EPCService.State enum exactly (§4.9).
type State int

const (
	StateUnknown              State = 0
	StateInitializing         State = 1
	StateInitialized          State = 2
	StateStarting             State = 3
	StateStarted              State = 4
	StateStopping             State = 5
	StateStopped              State = 6
	StateInitializationFailed State = 100
	StateStartupFailed        State = 101
	StateShutdownFailed       State = 102
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateInitializationFailed:
		return "initialization_failed"
	case StateStartupFailed:
		return "startup_failed"
	case StateShutdownFailed:
		return "shutdown_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Subsystem is one named phase participant. A nil Setup/Start/Stop is
// treated as trivially successful, matching the original's tasks that
// only override the phases they care about (e.g. stop_event's
// start/stop are both unconditional "return True").
type Subsystem struct {
	Name  string
	Setup func() error
	Start func() error
	Stop  func() error
}

// Config collects everything Service needs to build its subsystems.
// Service owns construction of every component itself (mirroring
// setup_scheduler's self.scheduler = self.scheduler_class()) so a
// caller only has to supply configuration, not already-built objects.
type Config struct {
	SystemConfigPath string
	UserConfigPath   string
	ConfigPubkey     *rsa.PublicKey
	ManifestPubkey   *rsa.PublicKey

	BaseURL string
	Version string
	OSType  string

	CacheDir        string
	CacheMaxEntries int
	BinCacheDir     string

	SelfPath     string // re-exec path worker.Host spawns for each task
	WorkerGrace  time.Duration
	EnrollWait   time.Duration
	AuthWait     time.Duration
	PollDelay    time.Duration
	StopTries    int
	Debug        bool
	PreviewBase  string
	MetricsAddr  string // empty disables the metrics HTTP server
}

// Service is the code-distribution core's root object: it owns every
// other component and drives their setup/start/shutdown in the order
// original_source's EPCService uses.
type Service struct {
	cfg Config

	store        *config.Store
	session      *transport.Session
	authn        *auth.Authenticator
	cacheStore   *cache.Cache
	manifestMgr  *manifest.Manager
	workerHost   *worker.Host
	actions      *events.ActionRegistry
	sched        *scheduler.Scheduler
	collector    *metrics.Collector
	metricsSrv   *http.Server

	setupOrder    []string
	startOrder    []string
	shutdownOrder []string
	subsystems    map[string]*Subsystem

	schedulerCtx context.Context

	mu        sync.Mutex
	states    map[string]State
	isSetup   bool
	isStarted bool
	stopping  bool
}

// New builds a Service bound to cfg. No I/O happens until Setup.
func New(cfg Config) *Service {
	if cfg.WorkerGrace <= 0 {
		cfg.WorkerGrace = 10 * time.Second
	}
	if cfg.EnrollWait <= 0 {
		cfg.EnrollWait = 10 * time.Second
	}
	if cfg.AuthWait <= 0 {
		cfg.AuthWait = 10 * time.Second
	}

	s := &Service{
		cfg:           cfg,
		setupOrder:    []string{"logger", "cache", "transport", "auth", "manifest", "worker_host", "scheduler", "metrics", "stop_event"},
		startOrder:    []string{"logger", "metrics", "scheduler", "stop_event"},
		shutdownOrder: []string{"scheduler", "metrics", "logger", "stop_event"},
		subsystems:    make(map[string]*Subsystem),
		states:        make(map[string]State),
	}
	for _, name := range s.setupOrder {
		s.states[name] = StateUnknown
	}
	s.register()
	return s
}

func (s *Service) register() {
	s.subsystems["logger"] = &Subsystem{Name: "logger", Setup: s.setupLogger}
	s.subsystems["cache"] = &Subsystem{Name: "cache", Setup: s.setupCache, Stop: s.stopCache}
	s.subsystems["transport"] = &Subsystem{Name: "transport", Setup: s.setupTransport}
	s.subsystems["auth"] = &Subsystem{Name: "auth", Setup: s.setupAuth}
	s.subsystems["manifest"] = &Subsystem{Name: "manifest", Setup: s.setupManifest}
	s.subsystems["worker_host"] = &Subsystem{Name: "worker_host", Setup: s.setupWorkerHost}
	s.subsystems["scheduler"] = &Subsystem{Name: "scheduler", Setup: s.setupScheduler, Start: s.startScheduler, Stop: s.stopScheduler}
	s.subsystems["metrics"] = &Subsystem{Name: "metrics", Setup: s.setupMetrics, Start: s.startMetrics, Stop: s.stopMetrics}
	s.subsystems["stop_event"] = &Subsystem{Name: "stop_event", Stop: s.stopStopEvent}
}

// reportStatus logs a phase transition, carrying forward the original
// report_status's cosmetic patch: a subsystem already reported stopped
// never gets reported started again (relevant when Start is invoked
// more than once across a process's lifetime in tests).
func (s *Service) reportStatus(name string, state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[name] == StateStopped && state == StateStarted {
		return
	}
	log.WithComponent("service").Info().Str("subsystem", name).Str("state", state.String()).Msg("subsystem state changed")
	s.states[name] = state
}

// States returns a snapshot of every subsystem's last reported state.
func (s *Service) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// Setup runs every setup phase in order, stopping at the first
// failure. Idempotent: a second call is a no-op success.
func (s *Service) Setup() error {
	s.mu.Lock()
	if s.isSetup {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	for _, name := range s.setupOrder {
		sub := s.subsystems[name]
		if sub.Setup == nil {
			s.reportStatus(name, StateInitialized)
			continue
		}
		s.reportStatus(name, StateInitializing)
		if err := sub.Setup(); err != nil {
			s.reportStatus(name, StateInitializationFailed)
			return fmt.Errorf("service: setup %s: %w", name, err)
		}
		s.reportStatus(name, StateInitialized)
	}

	s.mu.Lock()
	s.isSetup = true
	s.mu.Unlock()
	return nil
}

// Start runs every start phase in order. The scheduler phase blocks
// until its Run loop returns (context cancellation or Stop), the same
// "scheduler should lock the program" role it plays in the original.
// Idempotent: a second call is a no-op success.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isStarted {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.schedulerCtx = ctx

	for _, name := range s.startOrder {
		sub := s.subsystems[name]
		if sub.Start == nil {
			s.reportStatus(name, StateStarted)
			continue
		}
		s.reportStatus(name, StateStarting)
		if err := sub.Start(); err != nil {
			s.reportStatus(name, StateStartupFailed)
			return fmt.Errorf("service: start %s: %w", name, err)
		}
		s.reportStatus(name, StateStarted)
	}

	s.mu.Lock()
	s.isStarted = true
	s.mu.Unlock()
	return nil
}

// Shutdown runs every shutdown phase in order, continuing past
// individual failures (matching the original's `result &= presult`
// best-effort semantics) and returning the first error encountered.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	var firstErr error
	for _, name := range s.shutdownOrder {
		sub := s.subsystems[name]
		s.reportStatus(name, StateStopping)
		var err error
		if sub.Stop != nil {
			err = sub.Stop()
		}
		if err != nil {
			s.reportStatus(name, StateShutdownFailed)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			s.reportStatus(name, StateStopped)
		}
	}
	return firstErr
}

// Run is the full process entrypoint: Setup, then Start under a
// context cancelled by SIGTERM/SIGINT, then Shutdown.
func (s *Service) Run(parent context.Context) error {
	if err := s.Setup(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	startErr := s.Start(ctx)
	shutdownErr := s.Shutdown()
	if startErr != nil {
		return startErr
	}
	return shutdownErr
}

// -- logger --------------------------------------------------------

func (s *Service) setupLogger() error {
	level := log.InfoLevel
	if s.cfg.Debug {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: !s.cfg.Debug})
	return nil
}

// -- cache -----------------------------------------------------------

func (s *Service) setupCache() error {
	c, err := cache.Open(s.cfg.CacheDir, s.cfg.CacheMaxEntries)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	s.cacheStore = c
	return nil
}

func (s *Service) stopCache() error {
	if s.cacheStore == nil {
		return nil
	}
	return s.cacheStore.Close()
}

// -- config + transport ----------------------------------------------

func (s *Service) setupTransport() error {
	store, err := config.Open(s.cfg.SystemConfigPath, s.cfg.UserConfigPath, s.cfg.ConfigPubkey)
	if err != nil {
		if errors.Is(err, config.ErrConfigInvalid) {
			return err
		}
		return fmt.Errorf("open config: %w", err)
	}
	s.store = store

	session, err := transport.NewSession(store, s.cfg.BaseURL, s.cfg.Version, s.cfg.OSType)
	if err != nil {
		return fmt.Errorf("build transport session: %w", err)
	}
	s.session = session
	return nil
}

// -- auth --------------------------------------------------------------

// setupAuth implements the original's enroll-until-success then
// authenticate-until-success sequencing, but delegates the actual
// retry loops to pkg/auth (which already retries internally), so this
// just needs to decide whether enrollment is required first.
// AuthenticateUntilSuccess is the startup-only retry wrapper; the
// 401 mid-request hook installed via SetAuthenticator uses the
// single-attempt Authenticate directly.
func (s *Service) setupAuth() error {
	if s.store.GetString("INSTANCE_ID", "") == "" {
		return errors.New("no INSTANCE_ID configured")
	}

	authn := auth.NewAuthenticator(s.store, s.session, s.cfg.Version)
	s.session.SetAuthenticator(authn)

	ctx := context.Background()
	if s.store.GetString("AGENT_TOKEN", "") == "" {
		if err := authn.Enroll(ctx, s.store.GetString("INSTANCE_ID", ""), s.cfg.EnrollWait); err != nil {
			return fmt.Errorf("enroll: %w", err)
		}
	}
	if err := authn.AuthenticateUntilSuccess(ctx, s.cfg.AuthWait); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	s.authn = authn
	return nil
}

// -- manifest ------------------------------------------------------

func (s *Service) setupManifest() error {
	fetchManifest, fetchCode := manifest.HTTPFetchers(s.session)
	s.manifestMgr = manifest.NewManager(manifest.Config{
		Cache:         s.cacheStore,
		Pubkey:        s.cfg.ManifestPubkey,
		BinCacheDir:   s.cfg.BinCacheDir,
		FetchManifest: fetchManifest,
		FetchCode:     fetchCode,
	})
	return s.manifestMgr.Load(context.Background())
}

// Manifest exposes the service's module loader. The worker-run
// entrypoint runs in a separate process and builds its own Manager.
func (s *Service) Manifest() *manifest.Manager { return s.manifestMgr }

// -- worker host -------------------------------------------------------

func (s *Service) setupWorkerHost() error {
	s.workerHost = worker.NewHost(s.cfg.SelfPath, s.cfg.WorkerGrace)
	return nil
}

// -- scheduler -----------------------------------------------------

func (s *Service) setupScheduler() error {
	s.actions = events.NewActionRegistry()
	s.sched = scheduler.New(scheduler.Config{
		Transport:      s.session,
		Cache:          s.cacheStore,
		Host:           s.workerHost,
		Auth:           s.authn,
		Actions:        s.actions,
		PollDelay:      s.cfg.PollDelay,
		StopTries:      s.cfg.StopTries,
		Debug:          s.cfg.Debug,
		PreviewBaseDir: s.cfg.PreviewBase,
	})
	return nil
}

func (s *Service) startScheduler() error {
	s.sched.Run(s.schedulerCtx)
	return nil
}

func (s *Service) stopScheduler() error {
	if s.sched == nil {
		return nil
	}
	s.sched.Stop()
	return nil
}

// -- metrics ---------------------------------------------------------

func (s *Service) setupMetrics() error {
	if s.sched == nil {
		return errors.New("metrics setup requires scheduler to be set up first")
	}
	s.collector = metrics.NewCollector(s.sched)
	return nil
}

func (s *Service) startMetrics() error {
	s.collector.Start()
	if s.cfg.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithComponent("service").Error().Err(err).Msg("metrics server failed")
		}
	}()
	return nil
}

func (s *Service) stopMetrics() error {
	if s.collector != nil {
		s.collector.Stop()
	}
	if s.metricsSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.metricsSrv.Shutdown(ctx)
}

// -- stop event ------------------------------------------------------

func (s *Service) stopStopEvent() error { return nil }

// Actions exposes the action-callback registry so callers (e.g. a
// debug CLI command, or a platform-specific collector) can register
// handlers for server-pushed action keys without reaching into the
// scheduler directly.
func (s *Service) Actions() *events.ActionRegistry { return s.actions }
