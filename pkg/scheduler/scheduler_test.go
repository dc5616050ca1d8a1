package scheduler

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/agentctl/pkg/cache"
	"github.com/cuemby/agentctl/pkg/types"
	"github.com/cuemby/agentctl/pkg/worker"
)

// fakeTransport is a scripted Transport for tests.
type fakeTransport struct {
	response map[string]json.RawMessage
	err      error
	posted   []string
}

func (f *fakeTransport) PostJSON(ctx context.Context, logicalName string, body, out interface{}) error {
	f.posted = append(f.posted, logicalName)
	if f.err != nil {
		return f.err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(f.response)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// fakeAuth is a scripted Authenticator.
type fakeAuth struct {
	token string
	ok    bool
}

func (f *fakeAuth) Token() (string, bool) { return f.token, f.ok }

// fakeWorkerHost tracks Spawn/RequestStop calls without running real
// processes; spawnFn lets a test decide what Spawn returns.
type fakeWorkerHost struct {
	spawnFn     func(taskKey string, cfg *types.TaskConfig) (*worker.Handle, error)
	spawned     []string
	running     map[string]bool
	stopsCalled []string
}

func (f *fakeWorkerHost) Spawn(ctx context.Context, taskKey string, cfg *types.TaskConfig, authToken string) (*worker.Handle, error) {
	f.spawned = append(f.spawned, taskKey)
	if f.spawnFn != nil {
		return f.spawnFn(taskKey, cfg)
	}
	return nil, nil
}

func (f *fakeWorkerHost) RequestStop(taskKey string) {
	f.stopsCalled = append(f.stopsCalled, taskKey)
	if f.running != nil {
		f.running[taskKey] = false
	}
}

func (f *fakeWorkerHost) IsRunning(taskKey string) bool {
	if f.running == nil {
		return false
	}
	return f.running[taskKey]
}

func (f *fakeWorkerHost) Handle(taskKey string) (*worker.Handle, bool) { return nil, false }

func openTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHandleStop_RemovesFromTableAndCache(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}})

	s.tasks["app1"] = NewTask("app1", nil, c)
	s.tasks["app2"] = NewTask("app2", nil, c)
	require.NoError(t, c.SetJSON(tasksCacheKey, map[string]taskPayload{
		"app1": {}, "app2": {},
	}, tasksCacheTag, 0))

	raw, err := json.Marshal([]string{"app1", "missing"})
	require.NoError(t, err)

	stopped, err := s.handleStop(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"app1"}, stopped)
	_, stillThere := s.tasks["app1"]
	assert.False(t, stillThere)
	_, other := s.tasks["app2"]
	assert.True(t, other)

	var cached map[string]taskPayload
	ok, err := c.GetJSON(tasksCacheKey, &cached)
	require.NoError(t, err)
	require.True(t, ok)
	_, has := cached["app1"]
	assert.False(t, has)
	_, has = cached["app2"]
	assert.True(t, has)
}

func TestHandleActive_UpsertsAndCaches(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}})

	raw, err := json.Marshal(map[string]taskPayload{
		"app1": {Configs: []types.TaskConfig{{ID: "c1"}}},
	})
	require.NoError(t, err)

	require.NoError(t, s.handleActive(raw))
	require.Contains(t, s.tasks, "app1")
	assert.Equal(t, "c1", s.tasks["app1"].Configs[0].ID)

	var cached map[string]taskPayload
	ok, err := c.GetJSON(tasksCacheKey, &cached)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, cached, "app1")
}

func TestHandleActive_UpdatesExistingTaskInPlace(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}})
	s.tasks["app1"] = NewTask("app1", []types.TaskConfig{{ID: "old"}}, c)
	s.tasks["app1"].SetRunning(true)

	raw, err := json.Marshal(map[string]taskPayload{
		"app1": {Configs: []types.TaskConfig{{ID: "new"}}},
	})
	require.NoError(t, err)

	require.NoError(t, s.handleActive(raw))
	assert.Equal(t, "new", s.tasks["app1"].Configs[0].ID)
	assert.True(t, s.tasks["app1"].IsRunning())
}

func TestHandlePollDelay(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}})

	raw, err := json.Marshal(45.0)
	require.NoError(t, err)
	require.NoError(t, s.handlePollDelay(raw))
	assert.Equal(t, 45*time.Second, s.currentPollDelay())
}

func TestHandleShell_TogglesStartStop(t *testing.T) {
	c := openTestCache(t)
	shell := &countingShell{}
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}, Shell: shell})

	on, _ := json.Marshal(true)
	require.NoError(t, s.handleShell(on))
	assert.Equal(t, 1, shell.starts)
	assert.True(t, s.shellRunning)

	require.NoError(t, s.handleShell(on))
	assert.Equal(t, 1, shell.starts, "starting an already-running shell is a no-op")

	off, _ := json.Marshal(false)
	require.NoError(t, s.handleShell(off))
	assert.Equal(t, 1, shell.stops)
	assert.False(t, s.shellRunning)
}

type countingShell struct {
	starts, stops int
}

func (c *countingShell) Start() error { c.starts++; return nil }
func (c *countingShell) Stop() error  { c.stops++; return nil }

func TestDispatch_UnknownKeyGoesToActionRegistry(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}})

	raw, _ := json.Marshal("payload")
	// No action registry wired: dispatch of an unrecognized key must be
	// a no-op, not an error.
	assert.NoError(t, s.dispatch("some_custom_key", raw))
}

func TestDispatch_PreviewKeysGatedByDebug(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}, Debug: false})

	raw, _ := json.Marshal("whatever")
	assert.NoError(t, s.dispatch("preview_run_command", raw), "debug disabled: no decode attempted, no error")
}

func TestConfinePath_RejectsTraversal(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}, PreviewBaseDir: t.TempDir()})

	_, err := s.confinePath("../../etc/passwd")
	assert.Error(t, err)

	safe, err := s.confinePath("subdir/file.txt")
	assert.NoError(t, err)
	assert.Contains(t, safe, s.previewBase)
}

func TestLaunchTasks_SkipsAlreadyRunning(t *testing.T) {
	c := openTestCache(t)
	host := &fakeWorkerHost{}
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: host, Auth: &fakeAuth{token: "tok", ok: true}})

	task := NewTask("app1", []types.TaskConfig{{ID: "c1", Schedule: types.Schedule{Type: types.ScheduleForce}}}, c)
	task.SetRunning(true)
	s.tasks["app1"] = task

	s.launchTasks(context.Background())
	assert.Empty(t, host.spawned, "a running task must not be spawned again (P2)")
}

func TestLaunchTasks_SkipsWhenNoActiveConfig(t *testing.T) {
	c := openTestCache(t)
	host := &fakeWorkerHost{}
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: host, Auth: &fakeAuth{token: "tok", ok: true}})

	s.tasks["app1"] = NewTask("app1", []types.TaskConfig{{ID: "c1", Schedule: types.Schedule{Type: types.SchedulePlanned}}}, c)

	s.launchTasks(context.Background())
	assert.Empty(t, host.spawned)
}

func TestLaunchTasks_SpawnsAndMarksRunning(t *testing.T) {
	c := openTestCache(t)
	host := &fakeWorkerHost{
		spawnFn: func(taskKey string, cfg *types.TaskConfig) (*worker.Handle, error) {
			if _, err := exec.LookPath("true"); err != nil {
				t.Skip("no 'true' binary available for this platform")
			}
			real := worker.NewHost("true", time.Second)
			return real.Spawn(context.Background(), taskKey, cfg, "tok")
		},
	}
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: host, Auth: &fakeAuth{token: "tok", ok: true}})

	task := NewTask("app1", []types.TaskConfig{{ID: "c1", Schedule: types.Schedule{Type: types.ScheduleForce}}}, c)
	s.tasks["app1"] = task

	s.launchTasks(context.Background())
	assert.Equal(t, []string{"app1"}, host.spawned)
	assert.True(t, task.IsRunning())
}

func TestHandleExit_PersistsLastRunOnlyOnSuccess(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}})

	task := NewTask("app1", []types.TaskConfig{{ID: "c1"}}, c)
	task.SetRunning(true)
	s.tasks["app1"] = task

	s.handleExit(exitNotification{taskKey: "app1", configID: "c1", exitCode: 1})
	assert.False(t, task.IsRunning())
	assert.Nil(t, task.LastRun("c1"))

	task.SetRunning(true)
	s.handleExit(exitNotification{taskKey: "app1", configID: "c1", exitCode: 0})
	assert.NotNil(t, task.LastRun("c1"))
}

func TestStopTasks_StopsOnceThenReturnsWhenNotRunning(t *testing.T) {
	c := openTestCache(t)
	host := &fakeWorkerHost{running: map[string]bool{"app1": true}}
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: host, StopTries: 5})

	s.stopTasks(context.Background(), []string{"app1"})
	assert.Equal(t, []string{"app1"}, host.stopsCalled)
}

func TestStopTasks_NoKeysIsNoop(t *testing.T) {
	c := openTestCache(t)
	host := &fakeWorkerHost{}
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: host})

	s.stopTasks(context.Background(), nil)
	assert.Empty(t, host.stopsCalled)
}

func TestFetch_FallsBackToCacheOnTransportError(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.SetJSON(tasksCacheKey, map[string]taskPayload{
		"app1": {Configs: []types.TaskConfig{{ID: "c1"}}},
	}, tasksCacheTag, 0))

	transport := &fakeTransport{err: assert.AnError}
	s := New(Config{Transport: transport, Cache: c, Host: &fakeWorkerHost{}})

	rsp := s.fetch(context.Background())
	assert.Nil(t, rsp)
	assert.Contains(t, s.tasks, "app1")
}

func TestTaskStateCounts(t *testing.T) {
	c := openTestCache(t)
	s := New(Config{Transport: &fakeTransport{}, Cache: c, Host: &fakeWorkerHost{}})

	s.tasks["running1"] = NewTask("running1", nil, c)
	s.tasks["running1"].SetRunning(true)
	s.tasks["stopped1"] = NewTask("stopped1", nil, c)

	counts := s.TaskStateCounts()
	assert.Equal(t, 1, counts["running"])
	assert.Equal(t, 1, counts["stopped"])
}

func TestTick_StopsBeforeLaunch(t *testing.T) {
	c := openTestCache(t)
	host := &fakeWorkerHost{running: map[string]bool{"app1": true}}
	transport := &fakeTransport{response: map[string]json.RawMessage{}}
	s := New(Config{Transport: transport, Cache: c, Host: host, Auth: &fakeAuth{token: "tok", ok: true}})

	task := NewTask("app1", []types.TaskConfig{{ID: "c1", Schedule: types.Schedule{Type: types.ScheduleForce}}}, c)
	task.SetRunning(true)
	s.tasks["app1"] = task

	stopRaw, err := json.Marshal([]string{"app1"})
	require.NoError(t, err)
	transport.response = map[string]json.RawMessage{"stop": stopRaw}

	s.tick(context.Background())

	assert.Equal(t, []string{"app1"}, host.stopsCalled, "app1 must be stopped")
	assert.Empty(t, host.spawned, "a task removed by a stop directive in the same tick must not be relaunched")
}
