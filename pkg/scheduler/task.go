package scheduler

import (
	"encoding/json"
	"time"

	cron "github.com/robfig/cron"

	"github.com/cuemby/agentctl/pkg/types"
)

// LastRunStore is the subset of pkg/cache.Cache the task model needs:
// each configuration's last successful run timestamp is durable state
// in the content cache, not in the Task struct itself, so a restart
// does not forget it (§4.6, mirroring original_source's
// Cache().set('task_lastrun_<id>', ..., tag='scheduler')).
type LastRunStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, tag string, ttl time.Duration) error
}

const lastRunTag = "scheduler"

func lastRunKey(cfgID string) string { return "task_lastrun_" + cfgID }

// periodDeltas implements the daily/weekly/monthly period schedule of
// §4.6; monthly is fixed at 28 days, matching the spec's Δ(period)
// table rather than a calendar month.
var periodDeltas = map[string]time.Duration{
	"daily":   24 * time.Hour,
	"weekly":  7 * 24 * time.Hour,
	"monthly": 28 * 24 * time.Hour,
}

// Task is one scheduled application, keyed by its module name (the
// backend's task key), carrying one or more named configurations each
// with an independent activation schedule. At most one worker may be
// running for a Task at a time (P2); Task.running tracks that state
// and is mutated only by the scheduler's control goroutine.
type Task struct {
	Key     string
	Configs []types.TaskConfig

	store   LastRunStore
	running bool
}

// NewTask creates a task with its initial configuration set.
func NewTask(key string, configs []types.TaskConfig, store LastRunStore) *Task {
	return &Task{Key: key, Configs: configs, store: store}
}

// Update replaces the configuration set in place; a task re-appearing
// in a poll response is updated, not recreated (§3 lifecycle).
func (t *Task) Update(configs []types.TaskConfig) {
	t.Configs = configs
}

// IsRunning reports whether a worker is currently active for this task.
func (t *Task) IsRunning() bool { return t.running }

// SetRunning records that a worker has just been launched or has
// exited. Called only from the scheduler's control goroutine.
func (t *Task) SetRunning(running bool) { t.running = running }

// LastRun returns the last recorded successful-run timestamp for
// configuration cfgID, or nil if none is recorded.
func (t *Task) LastRun(cfgID string) *time.Time {
	if cfgID == "" || t.store == nil {
		return nil
	}
	raw, ok := t.store.Get(lastRunKey(cfgID))
	if !ok {
		return nil
	}
	var unix int64
	if err := json.Unmarshal(raw, &unix); err != nil {
		return nil
	}
	tm := time.Unix(unix, 0).UTC()
	return &tm
}

// OnRunFinished implements P3: last_run only advances on exit code 0.
// It also clears the running flag regardless of exit code, since the
// worker has exited either way.
func (t *Task) OnRunFinished(cfgID string, exitCode int) {
	t.running = false
	if exitCode != 0 || cfgID == "" || t.store == nil {
		return
	}
	raw, err := json.Marshal(time.Now().UTC().Unix())
	if err != nil {
		return
	}
	_ = t.store.Set(lastRunKey(cfgID), raw, lastRunTag, -1)
}

// CanStart implements the §4.6 activation predicate for one
// configuration: not running, and the configuration's schedule says
// "now".
func (t *Task) CanStart(cfg *types.TaskConfig, now time.Time) bool {
	if t.running {
		return false
	}
	return scheduleFires(cfg.Schedule, t.LastRun(cfg.ID), now)
}

// GetActiveConfig returns the first configuration (in server-provided
// order) whose predicate currently holds, or nil.
func (t *Task) GetActiveConfig(now time.Time) *types.TaskConfig {
	for i := range t.Configs {
		if t.CanStart(&t.Configs[i], now) {
			return &t.Configs[i]
		}
	}
	return nil
}

// taskStatus is the {status, last_run} shape posted to the backend's
// "task" endpoint (§4.6 status report).
type taskStatus struct {
	Status  bool             `json:"status"`
	LastRun map[string]int64 `json:"last_run"`
}

// StatusReport builds the per-task payload for the scheduler's poll.
func (t *Task) StatusReport() taskStatus {
	lastRun := make(map[string]int64, len(t.Configs))
	for _, cfg := range t.Configs {
		if tm := t.LastRun(cfg.ID); tm != nil {
			lastRun[cfg.ID] = tm.Unix()
		}
	}
	return taskStatus{Status: t.running, LastRun: lastRun}
}

// scheduleFires evaluates the §4.6 predicate table for one schedule.
func scheduleFires(sched types.Schedule, lastRun *time.Time, now time.Time) bool {
	switch sched.Type {
	case "", types.ScheduleForce:
		return true
	case types.ScheduleRunonce:
		return lastRun == nil
	case types.ScheduleCrontab:
		return crontabFires(sched, lastRun, now)
	case types.SchedulePlanned:
		return plannedFires(sched, now)
	case types.SchedulePeriod:
		return periodFires(sched, lastRun, now)
	default:
		return false
	}
}

// crontabFires forces the first run when RunASAP is set and no
// last_run is recorded yet (the second schedule value of §3/§4.6);
// otherwise it fires once now has reached the expression's next
// instant after last_run (or after now, when no run has happened).
func crontabFires(sched types.Schedule, lastRun *time.Time, now time.Time) bool {
	if sched.RunASAP && lastRun == nil {
		return true
	}
	schedule, err := cron.ParseStandard(sched.Expr)
	if err != nil {
		return false
	}
	base := now
	if lastRun != nil {
		base = *lastRun
	}
	next := schedule.Next(base)
	return !now.Before(next)
}

// plannedFires fires within [Start, End]; either bound may be open,
// but an entirely unbounded window never fires.
func plannedFires(sched types.Schedule, now time.Time) bool {
	if sched.Start == nil && sched.End == nil {
		return false
	}
	if sched.Start != nil && now.Before(*sched.Start) {
		return false
	}
	if sched.End != nil && now.After(*sched.End) {
		return false
	}
	return true
}

// periodFires fires when no prior run is recorded, or the configured
// period has elapsed since the last one.
func periodFires(sched types.Schedule, lastRun *time.Time, now time.Time) bool {
	delta, ok := periodDeltas[sched.Period]
	if !ok {
		return false
	}
	if lastRun == nil {
		return true
	}
	return lastRun.Add(delta).Before(now)
}

// NextCrontabFire exposes crontab stepping for callers (tests, debug
// tooling) that want next_after(t) directly without a Task (P7).
func NextCrontabFire(expr string, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
