package scheduler

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/pkg/types"
)

// memStore is an in-memory LastRunStore for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memStore) Set(key string, value []byte, tag string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestCanStart_ForceAndMissingSchedule(t *testing.T) {
	store := newMemStore()
	task := NewTask("app", []types.TaskConfig{{ID: "c1"}}, store)

	assert.True(t, task.CanStart(&task.Configs[0], time.Now()))

	task.Configs[0].Schedule = types.Schedule{Type: types.ScheduleForce}
	assert.True(t, task.CanStart(&task.Configs[0], time.Now()))
}

func TestCanStart_RunonceFiresOnceThenNever(t *testing.T) {
	store := newMemStore()
	cfg := types.TaskConfig{ID: "c1", Schedule: types.Schedule{Type: types.ScheduleRunonce}}
	task := NewTask("app", []types.TaskConfig{cfg}, store)

	assert.True(t, task.CanStart(&task.Configs[0], time.Now()))

	task.OnRunFinished("c1", 0)
	assert.False(t, task.CanStart(&task.Configs[0], time.Now()))
}

func TestCanStart_NotRunningRequired(t *testing.T) {
	store := newMemStore()
	task := NewTask("app", []types.TaskConfig{{ID: "c1"}}, store)
	task.SetRunning(true)
	assert.False(t, task.CanStart(&task.Configs[0], time.Now()))
}

func TestCanStart_Crontab(t *testing.T) {
	store := newMemStore()
	cfg := types.TaskConfig{ID: "c1", Schedule: types.Schedule{
		Type: types.ScheduleCrontab,
		Expr: "*/15 * * * *",
	}}
	task := NewTask("app", []types.TaskConfig{cfg}, store)

	lastRun := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(lastRun.Unix())
	require.NoError(t, err)
	require.NoError(t, store.Set(lastRunKey("c1"), raw, lastRunTag, 0))

	before := time.Date(2024, 1, 1, 12, 14, 59, 0, time.UTC)
	assert.False(t, task.CanStart(&task.Configs[0], before))

	atBoundary := time.Date(2024, 1, 1, 12, 15, 0, 0, time.UTC)
	assert.True(t, task.CanStart(&task.Configs[0], atBoundary))
}

func TestCanStart_CrontabRunASAPForcesFirstRun(t *testing.T) {
	store := newMemStore()
	cfg := types.TaskConfig{ID: "c1", Schedule: types.Schedule{
		Type:    types.ScheduleCrontab,
		Expr:    "0 0 1 1 *", // once a year
		RunASAP: true,
	}}
	task := NewTask("app", []types.TaskConfig{cfg}, store)

	assert.True(t, task.CanStart(&task.Configs[0], time.Now()))

	task.OnRunFinished("c1", 0)
	assert.False(t, task.CanStart(&task.Configs[0], time.Now()))
}

func TestCanStart_Planned(t *testing.T) {
	store := newMemStore()
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	cfg := types.TaskConfig{ID: "c1", Schedule: types.Schedule{Type: types.SchedulePlanned, Start: &start, End: &end}}
	task := NewTask("app", []types.TaskConfig{cfg}, store)

	assert.False(t, task.CanStart(&task.Configs[0], time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, task.CanStart(&task.Configs[0], time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)))
	assert.False(t, task.CanStart(&task.Configs[0], time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)))
}

func TestCanStart_PlannedUnboundedNeverFires(t *testing.T) {
	store := newMemStore()
	cfg := types.TaskConfig{ID: "c1", Schedule: types.Schedule{Type: types.SchedulePlanned}}
	task := NewTask("app", []types.TaskConfig{cfg}, store)
	assert.False(t, task.CanStart(&task.Configs[0], time.Now()))
}

func TestCanStart_Period(t *testing.T) {
	store := newMemStore()
	cfg := types.TaskConfig{ID: "c1", Schedule: types.Schedule{Type: types.SchedulePeriod, Period: "daily"}}
	task := NewTask("app", []types.TaskConfig{cfg}, store)

	assert.True(t, task.CanStart(&task.Configs[0], time.Now()))

	task.OnRunFinished("c1", 0)
	assert.False(t, task.CanStart(&task.Configs[0], time.Now()))

	future := time.Now().Add(25 * time.Hour)
	assert.True(t, task.CanStart(&task.Configs[0], future))
}

func TestOnRunFinished_OnlyPersistsOnSuccess(t *testing.T) {
	store := newMemStore()
	cfg := types.TaskConfig{ID: "c1", Schedule: types.Schedule{Type: types.ScheduleRunonce}}
	task := NewTask("app", []types.TaskConfig{cfg}, store)

	task.SetRunning(true)
	task.OnRunFinished("c1", 1)
	assert.False(t, task.IsRunning())
	assert.Nil(t, task.LastRun("c1"))

	task.SetRunning(true)
	task.OnRunFinished("c1", 0)
	assert.NotNil(t, task.LastRun("c1"))
}

func TestGetActiveConfig_FirstMatchInOrder(t *testing.T) {
	store := newMemStore()
	configs := []types.TaskConfig{
		{ID: "c1", Schedule: types.Schedule{Type: types.SchedulePlanned}}, // never fires
		{ID: "c2", Schedule: types.Schedule{Type: types.ScheduleForce}},
	}
	task := NewTask("app", configs, store)

	active := task.GetActiveConfig(time.Now())
	require.NotNil(t, active)
	assert.Equal(t, "c2", active.ID)
}

func TestStatusReport(t *testing.T) {
	store := newMemStore()
	cfg := types.TaskConfig{ID: "c1", Schedule: types.Schedule{Type: types.ScheduleRunonce}}
	task := NewTask("app", []types.TaskConfig{cfg}, store)

	report := task.StatusReport()
	assert.False(t, report.Status)
	assert.Empty(t, report.LastRun)

	task.OnRunFinished("c1", 0)
	report = task.StatusReport()
	assert.NotZero(t, report.LastRun["c1"])
}

func TestNextCrontabFire_Idempotent(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextCrontabFire("*/15 * * * *", now)
	require.NoError(t, err)
	assert.True(t, next.After(now))

	again, err := NextCrontabFire("*/15 * * * *", next)
	require.NoError(t, err)
	assert.True(t, again.After(next))
}
