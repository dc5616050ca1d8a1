// Package scheduler implements the control loop (C7) and task model
// (C6) of the code-distribution core: it polls the backend for a
// desired task set, evaluates each task's activation schedule, and
// launches/stops worker processes under an at-most-one-worker-per-task
// invariant (P2). Restructured from the teacher's ticker-loop shape
// (Start/Stop/run/interval-select) with the diff-then-act staging of
// its reconciler, but polling a single backend endpoint instead of
// diffing local cluster state.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/agentctl/pkg/events"
	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/metrics"
	"github.com/cuemby/agentctl/pkg/types"
	"github.com/cuemby/agentctl/pkg/worker"
)

const tasksCacheKey = "tasks"
const tasksCacheTag = "scheduler"

// Transport is the subset of pkg/transport.Session the scheduler needs.
type Transport interface {
	PostJSON(ctx context.Context, logicalName string, body, out interface{}) error
}

// Cache is the subset of pkg/cache.Cache the scheduler needs, shared
// with Task's LastRunStore.
type Cache interface {
	LastRunStore
	GetJSON(key string, out interface{}) (bool, error)
	SetJSON(key string, value interface{}, tag string, ttl time.Duration) error
	Evict(tag string) error
}

// Authenticator supplies the bearer token injected into spawned
// workers; satisfied by pkg/auth.Authenticator.
type Authenticator interface {
	Token() (string, bool)
}

// WorkerHost is the subset of pkg/worker.Host the scheduler needs.
type WorkerHost interface {
	Spawn(ctx context.Context, taskKey string, cfg *types.TaskConfig, authToken string) (*worker.Handle, error)
	RequestStop(taskKey string)
	IsRunning(taskKey string) bool
	Handle(taskKey string) (*worker.Handle, bool)
}

// taskPayload is one entry of the backend's "active" directive: a
// task key mapped to its current configuration set.
type taskPayload struct {
	Configs []types.TaskConfig `json:"configs"`
}

// exitNotification crosses from a per-worker watcher goroutine (the
// "reaper") into the scheduler's single control goroutine, which is
// the only one allowed to mutate the task table (§9 Design Notes,
// single-writer discipline).
type exitNotification struct {
	taskKey  string
	configID string
	exitCode int
}

// Config collects the Scheduler's dependencies and tunables.
type Config struct {
	Transport     Transport
	Cache         Cache
	Host          WorkerHost
	Auth          Authenticator
	Shell         ShellCollaborator
	Actions       *events.ActionRegistry
	PollDelay     time.Duration // TASK_POLL
	StopTries     int           // STOP_TRIES
	Debug         bool
	PreviewBaseDir string // base directory preview_* handlers are confined to
}

// Scheduler is the control loop described in §4.7.
type Scheduler struct {
	transport Transport
	cache     Cache
	host      WorkerHost
	auth      Authenticator
	shell     ShellCollaborator
	actions   *events.ActionRegistry
	debug     bool
	previewBase string
	stopTries int

	mu        sync.Mutex // guards pollDelay only; tasks is single-writer
	pollDelay time.Duration

	tasks map[string]*Task // mutated only from the control goroutine

	exitCh chan exitNotification
	stopCh chan struct{}
	doneCh chan struct{}

	shellRunning bool
}

// New builds a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	pollDelay := cfg.PollDelay
	if pollDelay <= 0 {
		pollDelay = 30 * time.Second
	}
	stopTries := cfg.StopTries
	if stopTries <= 0 {
		stopTries = 5
	}
	shell := cfg.Shell
	if shell == nil {
		shell = NoopShell{}
	}

	return &Scheduler{
		transport:   cfg.Transport,
		cache:       cfg.Cache,
		host:        cfg.Host,
		auth:        cfg.Auth,
		shell:       shell,
		actions:     cfg.Actions,
		debug:       cfg.Debug,
		previewBase: cfg.PreviewBaseDir,
		stopTries:   stopTries,
		pollDelay:   pollDelay,
		tasks:       make(map[string]*Task),
		exitCh:      make(chan exitNotification, 32),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// currentPollDelay returns the interval the next sleep should use,
// which the server may have changed via a "poll_delay" directive.
func (s *Scheduler) currentPollDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollDelay
}

func (s *Scheduler) setPollDelay(d time.Duration) {
	s.mu.Lock()
	s.pollDelay = d
	s.mu.Unlock()
}

// Run executes the control loop until ctx is cancelled or Stop is
// called, draining worker-exit notifications as they arrive so
// last_run persistence and running-state bookkeeping happen promptly
// rather than only at tick boundaries.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.doneCh)

	logger := log.WithComponent("scheduler")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("scheduler stopping: context cancelled")
			s.drainOnShutdown()
			return
		case <-s.stopCh:
			logger.Info().Msg("scheduler stopping: stop requested")
			s.drainOnShutdown()
			return
		case note := <-s.exitCh:
			s.handleExit(note)
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.currentPollDelay())
		}
	}
}

// Stop requests the loop end after the current tick; pending workers
// are drained via the stop protocol before Run returns.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) drainOnShutdown() {
	keys := make([]string, 0, len(s.tasks))
	for k, t := range s.tasks {
		if t.IsRunning() {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		s.stopTasks(context.Background(), keys)
	}
}

func (s *Scheduler) handleExit(note exitNotification) {
	t, ok := s.tasks[note.taskKey]
	if !ok {
		return
	}
	t.OnRunFinished(note.configID, note.exitCode)
	log.WithComponent("scheduler").Info().
		Str("task", note.taskKey).Int("exit_code", note.exitCode).
		Msg("worker run finished")
}

// tick performs one poll -> dispatch -> stop -> launch cycle (§4.7).
func (s *Scheduler) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	logger := log.WithComponent("scheduler")

	rsp := s.fetch(ctx)

	var stopKeys []string
	for key, raw := range rsp {
		if key == "stop" {
			keys, err := s.handleStop(raw)
			if err != nil {
				logger.Error().Err(err).Msg("decode stop directive failed")
				continue
			}
			stopKeys = keys
			continue
		}
		if err := s.dispatch(key, raw); err != nil {
			logger.Error().Str("handler", key).Err(err).Msg("response handler failed")
		}
	}

	// Stop phase before launch phase (P4).
	s.stopTasks(ctx, stopKeys)

	// Launch phase.
	s.launchTasks(ctx)

	s.reportTaskCounts()
}

// fetch posts the status report and returns the server's directive
// map, falling back to the cached desired state (no new directives)
// when the backend is unreachable.
func (s *Scheduler) fetch(ctx context.Context) map[string]json.RawMessage {
	report := make(map[string]taskStatus, len(s.tasks))
	for key, t := range s.tasks {
		report[key] = t.StatusReport()
	}

	var rsp map[string]json.RawMessage
	if err := s.transport.PostJSON(ctx, "task", report, &rsp); err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Msg("could not poll tasks from server, using cached desired state")
		var cached map[string]taskPayload
		if ok, _ := s.cache.GetJSON(tasksCacheKey, &cached); ok {
			s.upsertTasks(cached)
		}
		return nil
	}
	return rsp
}

// dispatch routes one non-"stop" response key to its handler, exactly
// as §4.7's table names them.
func (s *Scheduler) dispatch(key string, raw json.RawMessage) error {
	switch key {
	case "poll_delay":
		return s.handlePollDelay(raw)
	case "logger_config":
		return log.Reconfigure(raw)
	case "active":
		return s.handleActive(raw)
	case "shell":
		return s.handleShell(raw)
	case "preview_upload":
		return s.guardDebug(func() error { return s.handlePreviewUpload(raw) })
	case "preview_download":
		return s.guardDebug(func() error { return s.handlePreviewDownload(raw) })
	case "preview_run_command":
		return s.guardDebug(func() error { return s.handlePreviewRunCommand(raw) })
	case "preview_cleancache":
		return s.guardDebug(func() error { return s.handlePreviewCleanCache(raw) })
	default:
		if s.actions != nil {
			s.actions.Dispatch(key, raw)
		}
		return nil
	}
}

func (s *Scheduler) guardDebug(fn func() error) error {
	if !s.debug {
		return nil
	}
	return fn()
}

func (s *Scheduler) handlePollDelay(raw json.RawMessage) error {
	var seconds float64
	if err := json.Unmarshal(raw, &seconds); err != nil {
		return fmt.Errorf("decode poll_delay: %w", err)
	}
	if seconds > 0 {
		s.setPollDelay(time.Duration(seconds * float64(time.Second)))
	}
	return nil
}

// upsertTasks creates or updates tasks by key, leaving tasks absent
// from payload untouched (they are only removed by a "stop"
// directive, never implicitly by omission from "active").
func (s *Scheduler) upsertTasks(payload map[string]taskPayload) {
	for key, tp := range payload {
		if t, ok := s.tasks[key]; ok {
			t.Update(tp.Configs)
		} else {
			s.tasks[key] = NewTask(key, tp.Configs, s.cache)
		}
	}
}

func (s *Scheduler) handleActive(raw json.RawMessage) error {
	var payload map[string]taskPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode active: %w", err)
	}
	if err := s.cache.SetJSON(tasksCacheKey, payload, tasksCacheTag, 0); err != nil {
		log.WithComponent("scheduler").Warn().Err(err).Msg("cache active tasks failed")
	}
	s.upsertTasks(payload)
	return nil
}

// handleStop removes the named task keys from the table and the
// cached desired-state snapshot, returning the keys that were
// actually present (for the stop phase that follows in this same
// tick). Scoped to a single fetch call, resolving the "stopped_tasks
// retention" Open Question rather than leaking across ticks.
func (s *Scheduler) handleStop(raw json.RawMessage) ([]string, error) {
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode stop: %w", err)
	}

	stopped := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.tasks[k]; ok {
			delete(s.tasks, k)
			stopped = append(stopped, k)
		}
	}

	var cached map[string]taskPayload
	if ok, _ := s.cache.GetJSON(tasksCacheKey, &cached); ok {
		changed := false
		for _, k := range keys {
			if _, exists := cached[k]; exists {
				delete(cached, k)
				changed = true
			}
		}
		if changed {
			_ = s.cache.SetJSON(tasksCacheKey, cached, tasksCacheTag, 0)
		}
	}
	return stopped, nil
}

func (s *Scheduler) handleShell(raw json.RawMessage) error {
	var enabled bool
	if err := json.Unmarshal(raw, &enabled); err != nil {
		return fmt.Errorf("decode shell: %w", err)
	}
	logger := log.WithComponent("scheduler")
	if enabled && !s.shellRunning {
		if err := s.shell.Start(); err != nil {
			return fmt.Errorf("start shell: %w", err)
		}
		s.shellRunning = true
		logger.Info().Msg("remote shell enabled")
	} else if !enabled && s.shellRunning {
		if err := s.shell.Stop(); err != nil {
			return fmt.Errorf("stop shell: %w", err)
		}
		s.shellRunning = false
		logger.Info().Msg("remote shell disabled")
	}
	return nil
}

// confinePath rejects any preview path that escapes previewBase, the
// Go analog of original_source's path.relative_to(base) ethics guard.
func (s *Scheduler) confinePath(raw string) (string, error) {
	base := s.previewBase
	if base == "" {
		base = "."
	}
	joined := filepath.Join(base, raw)
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == ".." || len(rel) >= 2 && rel[:2] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("path escapes preview base: %s", raw)
	}
	return joined, nil
}

func (s *Scheduler) handlePreviewUpload(raw json.RawMessage) error {
	var relPath string
	if err := json.Unmarshal(raw, &relPath); err != nil {
		return fmt.Errorf("decode preview_upload: %w", err)
	}
	path, err := s.confinePath(relPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read preview file: %w", err)
	}
	return s.transport.PostJSON(context.Background(), "debug", data, nil)
}

func (s *Scheduler) handlePreviewDownload(raw json.RawMessage) error {
	var req struct {
		Path string `json:"path"`
		Key  string `json:"key"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode preview_download: %w", err)
	}
	path, err := s.confinePath(req.Path)
	if err != nil {
		return err
	}
	var contents []byte
	if err := s.transport.PostJSON(context.Background(), "debug", req.Key, &contents); err != nil {
		return fmt.Errorf("fetch preview file: %w", err)
	}
	return os.WriteFile(path, contents, 0600)
}

func (s *Scheduler) handlePreviewRunCommand(raw json.RawMessage) error {
	var argv []string
	if err := json.Unmarshal(raw, &argv); err != nil {
		return fmt.Errorf("decode preview_run_command: %w", err)
	}
	if len(argv) == 0 {
		return nil
	}
	// #nosec G204 -- debug-only, gated behind DEBUG, server-directed.
	return exec.Command(argv[0], argv[1:]...).Run()
}

func (s *Scheduler) handlePreviewCleanCache(raw json.RawMessage) error {
	var tag string
	if err := json.Unmarshal(raw, &tag); err != nil {
		return fmt.Errorf("decode preview_cleancache: %w", err)
	}
	return s.cache.Evict(tag)
}

// stopTasks attempts, up to StopTries times with 1-second spacing, to
// stop every task named in keys, logging if any remain running after
// the budget is exhausted (§4.7 step 4).
func (s *Scheduler) stopTasks(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	logger := log.WithComponent("scheduler")

	for attempt := 0; attempt < s.stopTries; attempt++ {
		remaining := 0
		for _, k := range keys {
			if s.host.IsRunning(k) {
				remaining++
				s.host.RequestStop(k)
			}
		}
		if remaining == 0 {
			return
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}

	for _, k := range keys {
		if s.host.IsRunning(k) {
			logger.Error().Str("task", k).Msg("task did not stop within STOP_TRIES")
		}
	}
}

// launchTasks spawns a worker for every remaining task whose active
// configuration currently fires and which is not already running.
func (s *Scheduler) launchTasks(ctx context.Context) {
	now := time.Now().UTC()
	logger := log.WithComponent("scheduler")
	var token string
	if s.auth != nil {
		token, _ = s.auth.Token()
	}

	for key, t := range s.tasks {
		if t.IsRunning() {
			continue
		}
		cfg := t.GetActiveConfig(now)
		if cfg == nil {
			continue
		}

		handle, err := s.host.Spawn(ctx, key, cfg, token)
		if err != nil {
			logger.Error().Err(err).Str("task", key).Msg("failed to launch worker")
			continue
		}
		t.SetRunning(true)
		metrics.TasksLaunchedTotal.Inc()

		go func(taskKey, cfgID string, h *worker.Handle) {
			<-h.Done()
			s.exitCh <- exitNotification{taskKey: taskKey, configID: cfgID, exitCode: h.ExitCode()}
		}(key, cfg.ID, handle)
	}
}

func (s *Scheduler) reportTaskCounts() {
	for state, count := range s.TaskStateCounts() {
		metrics.TasksTotal.WithLabelValues(state).Set(float64(count))
	}
}

// TaskStateCounts reports the number of known tasks by running state,
// consumed by pkg/metrics.Collector.
func (s *Scheduler) TaskStateCounts() map[string]int {
	counts := map[string]int{"running": 0, "stopped": 0}
	for _, t := range s.tasks {
		if t.IsRunning() {
			counts["running"]++
		} else {
			counts["stopped"]++
		}
	}
	return counts
}
