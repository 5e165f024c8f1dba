package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vinequeue/manager/pkg/protocol/testutil"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = m.Shutdown()
	})
	return m
}

// TestLoneTaskHappyPath reproduces the stdout-only half of spec.md section
// 8 scenario 1: a single task dispatched to the one connected worker,
// completing successfully and arriving back through Wait with its captured
// stdout. The local-output-file half of the same scenario is covered by
// TestOutputBindingFetchesToLocalPath.
func TestLoneTaskHappyPath(t *testing.T) {
	m := newTestManager(t)

	id := m.Submit(&types.Task{
		Command: "echo hello",
		Request: types.ResourceRequest{
			Max: types.ResourceSet{Cores: 1, Memory: 256, Disk: 256},
		},
	})

	fw, err := testutil.Dial(m.BoundAddr().String())
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, fw.Handshake("test-host", "linux", "x86_64", "1.0.0"))
	require.NoError(t, fw.ReportResource("cores", 4, 1, 4))
	require.NoError(t, fw.ReportResource("memory", 4096, 1, 4096))
	require.NoError(t, fw.ReportResource("disk", 10240, 1, 10240))
	require.NoError(t, fw.EndResourceUpdate())

	// Drive the commit: read until the worker sees its `task <id>` header.
	taskLine := readUntilPrefix(t, fw, "task ")
	require.Equal(t, "task 1", taskLine)

	require.NoError(t, fw.SendResult(id, 0, 0, 12345, []byte("hello\n")))

	task := m.Wait("", id, 10*time.Second)
	require.NotNil(t, task, "expected task to be retrieved within the wait timeout")
	require.Equal(t, types.ResultSuccess, task.ResultCode)
	require.Equal(t, 0, task.ExitCode)
	require.Equal(t, "hello\n", string(task.Output))
}

// TestOutputBindingFetchesToLocalPath reproduces spec.md section 8 scenario
// 1 in full: a task with an output bound to a local path, whose content
// must actually exist on disk at that path after Wait returns, fetched via
// a real `get`/`getdata` round trip rather than riding along on the result
// message.
func TestOutputBindingFetchesToLocalPath(t *testing.T) {
	m := newTestManager(t)

	localPath := filepath.Join(t.TempDir(), "out")
	id := m.Submit(&types.Task{
		Command: "echo hello",
		Outputs: []*types.FileBinding{
			{RemoteName: "out", PostExecPath: localPath},
		},
		Request: types.ResourceRequest{
			Max: types.ResourceSet{Cores: 1, Memory: 256, Disk: 256},
		},
	})

	fw, err := testutil.Dial(m.BoundAddr().String())
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, fw.Handshake("test-host", "linux", "x86_64", "1.0.0"))
	require.NoError(t, fw.ReportResource("cores", 4, 1, 4))
	require.NoError(t, fw.ReportResource("memory", 4096, 1, 4096))
	require.NoError(t, fw.ReportResource("disk", 10240, 1, 10240))
	require.NoError(t, fw.EndResourceUpdate())

	taskLine := readUntilPrefix(t, fw, "task ")
	require.Equal(t, "task 1", taskLine)

	require.NoError(t, fw.SendResult(id, 0, 0, 12345, []byte("hello\n")))

	getLine := readUntilPrefix(t, fw, "get ")
	fields := strings.Fields(getLine)
	require.Len(t, fields, 3, "expected get <cache-name> <path>, got %q", getLine)
	cacheName := fields[1]
	require.Equal(t, "out", fields[2])

	require.NoError(t, fw.SendGetData(cacheName, []byte("output body\n")))

	task := m.Wait("", id, 10*time.Second)
	require.NotNil(t, task, "expected task to be retrieved within the wait timeout")
	require.Equal(t, types.ResultSuccess, task.ResultCode)

	data, err := os.ReadFile(localPath)
	require.NoError(t, err)
	require.Equal(t, "output body\n", string(data))
}

// readUntilPrefix reads lines from the fake worker's connection until one
// begins with prefix (skipping the per-input put/puturl directives that
// precede the commit's task header) or the test times out.
func readUntilPrefix(t *testing.T, fw *testutil.FakeWorker, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		line, err := fw.ReadLine()
		require.NoError(t, err)
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return line
		}
	}
	t.Fatalf("timed out waiting for a line with prefix %q", prefix)
	return ""
}

// TestStatusQueryOnWorkerPort exercises the worker-port status surface of
// spec.md section 4.2: a transient connection that sends a bare topic verb
// instead of a handshake receives one JSON payload and is disconnected.
func TestStatusQueryOnWorkerPort(t *testing.T) {
	m := newTestManager(t)
	m.Submit(&types.Task{Command: "echo hi"})

	fw, err := testutil.Dial(m.BoundAddr().String())
	require.NoError(t, err)
	defer fw.Close()

	require.NoError(t, fw.Conn.WriteLine("queue_status", time.Second))
	line, err := fw.Conn.ReadLine(5 * time.Second)
	require.NoError(t, err)
	require.Contains(t, line, "TasksWaiting")

	// The manager closes the connection after the response.
	_, err = fw.Conn.ReadLine(2 * time.Second)
	require.Error(t, err)
}

func TestApplyEnvFillsUnsetConfigFields(t *testing.T) {
	t.Setenv("VINE_NAME", "env-project")
	t.Setenv("VINE_PRIORITY", "2.5")
	t.Setenv("CATALOG_HOST", "http://catalog.example:9097")
	t.Setenv("VINE_LOW_PORT", "9200")
	t.Setenv("VINE_HIGH_PORT", "9210")

	cfg := Config{BindAddr: "127.0.0.1:0"}
	cfg.ApplyEnv()

	require.Equal(t, "env-project", cfg.Project)
	require.Equal(t, 2.5, cfg.Priority)
	require.Equal(t, []string{"http://catalog.example:9097"}, cfg.CatalogHosts)
	require.Equal(t, 9200, cfg.LowPort)
	require.Equal(t, 9210, cfg.HighPort)
}

func TestApplyEnvNeverOverridesExplicitValues(t *testing.T) {
	t.Setenv("VINE_NAME", "env-project")
	t.Setenv("VINE_PRIORITY", "2.5")

	cfg := Config{BindAddr: "127.0.0.1:0", Project: "flag-project", Priority: 7}
	cfg.ApplyEnv()

	require.Equal(t, "flag-project", cfg.Project)
	require.Equal(t, 7.0, cfg.Priority)
}

func TestCancelByIDIdempotenceThroughManager(t *testing.T) {
	m := newTestManager(t)
	id := m.Submit(&types.Task{Command: "sleep 100"})

	first := m.CancelByID(id)
	require.NotNil(t, first)
	require.Equal(t, types.TaskCancelled, first.State)

	second := m.CancelByID(id)
	require.Nil(t, second)
}

func TestHungryReflectsReadyBacklogAndCapacity(t *testing.T) {
	m := newTestManager(t)
	// No workers connected and an empty backlog: hungry.
	require.True(t, m.Hungry())
}

// TestSlowWorkerTwoStrikeRule reproduces spec.md section 8 scenario 4: a
// category with an established mean runtime and multiplier 3. The first
// task on a worker to exceed the learned threshold is cancelled and
// requeued alone, arming the worker's alarm without blocklisting it; a
// second task on the same worker that also trips the threshold evicts and
// blocklists it.
func TestSlowWorkerTwoStrikeRule(t *testing.T) {
	m, err := NewManager(Config{BindAddr: "127.0.0.1:0", DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.store.Close() })

	const category = "c"
	cat := m.categories.GetOrCreate(category)
	cat.SlowWorkerMultiplier = 3
	for i := 0; i < 20; i++ {
		m.categories.RecordCompletion(category, true, types.Envelope{}, 10*time.Second, 0, 0, 0, 0)
	}

	w := workerpool.NewWorker("w1", "slow-host.example", 0, time.Now())
	w.HandshakeComplete = true
	w.Type = workerpool.TypeWorker
	w.ResourcesKnown = true
	m.workers.Add(w)

	now := time.Now()

	t1 := &types.Task{Command: "sleep", Category: category}
	id1 := m.queue.Submit(t1, now)
	m.queue.Dispatch(id1, w.Key, types.Envelope{Cores: 1}, now.Add(-45*time.Second))
	w.AssignTask(id1, types.Envelope{Cores: 1})

	m.checkSlowWorkers(now)

	require.Equal(t, types.TaskReady, t1.State, "first slow task should be cancelled and requeued")
	require.True(t, w.SlowAlarm, "worker's alarm should be armed after the first strike")
	require.False(t, m.blocklist.IsBlocked(w.Host), "worker should not be blocklisted after only one strike")

	t2 := &types.Task{Command: "sleep", Category: category}
	id2 := m.queue.Submit(t2, now)
	m.queue.Dispatch(id2, w.Key, types.Envelope{Cores: 1}, now.Add(-45*time.Second))
	w.AssignTask(id2, types.Envelope{Cores: 1})

	m.checkSlowWorkers(now)

	require.Equal(t, types.TaskReady, t2.State, "second slow task should be requeued when its worker is removed")
	require.True(t, m.blocklist.IsBlocked(w.Host), "worker should be blocklisted on the second strike")
	require.Nil(t, m.workers.Get(w.Key), "worker should have been evicted from the registry")
}
