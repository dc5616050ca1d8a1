// Package worker launches and supervises the OS child processes that
// run scheduled task modules, grounded on the heartbeat/executor
// ticker-loop shape of a container-runtime worker but substituting a
// plain os/exec.Cmd for a container as the isolation unit.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/agentctl/pkg/log"
	"github.com/cuemby/agentctl/pkg/metrics"
	"github.com/cuemby/agentctl/pkg/types"
)

// StopChannel carries the two-flag stop protocol: Requested is closed
// to ask the child to stop, Acknowledged is closed by the watcher once
// the child has actually exited.
type StopChannel struct {
	Requested    chan struct{}
	Acknowledged chan struct{}
	once         sync.Once
}

// Request signals the child should stop. Safe to call multiple times.
func (s *StopChannel) Request() {
	s.once.Do(func() { close(s.Requested) })
}

// Handle is a running (or finished) task worker process.
type Handle struct {
	TaskID    string
	RunID     string
	cmd       *exec.Cmd
	stop      *StopChannel
	exitCode  int32
	done      chan struct{}
	hasExited int32
}

// ExitCode returns the process exit code once Done() is closed, or
// -1 while the process is still running.
func (h *Handle) ExitCode() int {
	if atomic.LoadInt32(&h.hasExited) == 0 {
		return -1
	}
	return int(atomic.LoadInt32(&h.exitCode))
}

// Done returns a channel closed when the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Host supervises the set of currently-running task processes.
type Host struct {
	selfPath     string // path to this binary, re-exec'd as "worker-run"
	terminateGrace time.Duration

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewHost creates a worker host that re-execs selfPath with the
// worker-run subcommand for every spawned task.
func NewHost(selfPath string, terminateGrace time.Duration) *Host {
	if terminateGrace <= 0 {
		terminateGrace = 10 * time.Second
	}
	return &Host{
		selfPath:       selfPath,
		terminateGrace: terminateGrace,
		handles:        make(map[string]*Handle),
	}
}

// spawnPayload is written to the child's stdin.
type spawnPayload struct {
	Module    string            `json:"module"`
	Args      []string          `json:"args"`
	Kwargs    map[string]string `json:"kwargs"`
	ConfigID  string            `json:"config_id"`
	AuthToken string            `json:"auth_token"`
}

// Spawn starts a new task process and returns its handle immediately;
// the process runs asynchronously and reports completion via Done().
// taskKey is the backend's task key (the application name the
// scheduler enforces at-most-one-worker-for per §3's P2 invariant);
// cfg is the specific configuration being activated this run.
func (h *Host) Spawn(ctx context.Context, taskKey string, cfg *types.TaskConfig, authToken string) (*Handle, error) {
	timer := metrics.NewTimer()
	logger := log.WithTask(taskKey)

	runID := uuid.NewString()
	cmd := exec.Command(h.selfPath, "worker-run")
	cmd.Env = append(os.Environ(), "AGENTCTL_RUN_ID="+runID)

	payload, err := json.Marshal(spawnPayload{
		Module:    cfg.Module,
		Args:      cfg.Args,
		Kwargs:    cfg.Kwargs,
		ConfigID:  cfg.ID,
		AuthToken: authToken,
	})
	if err != nil {
		return nil, fmt.Errorf("encode spawn payload: %w", err)
	}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	lowerChildPriority(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	renice(cmd.Process.Pid)

	handle := &Handle{
		TaskID: taskKey,
		RunID:  runID,
		cmd:    cmd,
		stop: &StopChannel{
			Requested:    make(chan struct{}),
			Acknowledged: make(chan struct{}),
		},
		exitCode: -1,
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	h.handles[taskKey] = handle
	h.mu.Unlock()

	metrics.WorkersRunning.Inc()
	timer.ObserveDuration(metrics.WorkerStartDuration)

	go h.watch(handle)
	go h.superviseStop(handle)

	logger.Info().Str("run_id", runID).Str("module", cfg.Module).Msg("worker process started")
	return handle, nil
}

func (h *Host) watch(handle *Handle) {
	err := handle.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	atomic.StoreInt32(&handle.exitCode, int32(code))
	atomic.StoreInt32(&handle.hasExited, 1)
	handle.stop.once.Do(func() { close(handle.stop.Requested) })
	close(handle.stop.Acknowledged)
	close(handle.done)

	metrics.WorkersRunning.Dec()
	if code != 0 {
		metrics.TasksFailedTotal.Inc()
	}

	h.mu.Lock()
	delete(h.handles, handle.TaskID)
	h.mu.Unlock()
}

// superviseStop waits for a stop request, sends a graceful termination
// signal, then escalates to a hard kill if the grace period elapses
// without the process exiting.
func (h *Host) superviseStop(handle *Handle) {
	select {
	case <-handle.stop.Requested:
	case <-handle.done:
		return
	}

	if handle.cmd.Process != nil {
		_ = handle.cmd.Process.Signal(gracefulStopSignal)
	}

	select {
	case <-handle.stop.Acknowledged:
	case <-time.After(h.terminateGrace):
		if handle.cmd.Process != nil {
			_ = handle.cmd.Process.Kill()
		}
	}
}

// Stop requests that the task with taskKey stop, returning once it has
// exited or the context is cancelled.
func (h *Host) Stop(ctx context.Context, taskKey string) error {
	h.mu.RLock()
	handle, ok := h.handles[taskKey]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	handle.stop.Request()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestStop signals taskKey's worker to stop without waiting for it
// to exit, matching the original scheduler's non-blocking task.stop()
// call within its STOP_TRIES/1s-spacing retry loop (§4.7 step 4). A
// no-op if no worker is currently tracked under taskKey.
func (h *Host) RequestStop(taskKey string) {
	h.mu.RLock()
	handle, ok := h.handles[taskKey]
	h.mu.RUnlock()
	if !ok {
		return
	}
	handle.stop.Request()
}

// IsRunning reports whether taskKey currently has a tracked, not-yet-
// exited worker process.
func (h *Host) IsRunning(taskKey string) bool {
	h.mu.RLock()
	handle, ok := h.handles[taskKey]
	h.mu.RUnlock()
	return ok && atomic.LoadInt32(&handle.hasExited) == 0
}

// Handle returns the tracked handle for taskKey, if any. It is part of
// the scheduler's WorkerHost interface; the scheduler watches for
// process exit on the handle Spawn returns.
func (h *Host) Handle(taskKey string) (*Handle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.handles[taskKey]
	return handle, ok
}

// Handles returns a snapshot of currently-tracked task handles.
func (h *Host) Handles() map[string]*Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*Handle, len(h.handles))
	for k, v := range h.handles {
		out[k] = v
	}
	return out
}
