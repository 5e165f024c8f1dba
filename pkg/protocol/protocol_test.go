package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageSplitsVerbAndFields(t *testing.T) {
	msg := ParseMessage("resource cores 4 1 4")
	assert.Equal(t, "resource", msg.Verb)
	assert.Equal(t, []string{"cores", "4", "1", "4"}, msg.Fields)
}

func TestParseMessageEmptyLine(t *testing.T) {
	msg := ParseMessage("")
	assert.Empty(t, msg.Verb)
	assert.Empty(t, msg.Fields)
}

func TestMessageFieldOutOfRange(t *testing.T) {
	msg := ParseMessage("alive")
	_, err := msg.Field(0)
	assert.Error(t, err)
}

func TestMessageIntAndFloatField(t *testing.T) {
	msg := ParseMessage("resource cores 4.5 1 4")
	n, err := msg.IntField(2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f, err := msg.FloatField(1)
	require.NoError(t, err)
	assert.Equal(t, 4.5, f)

	_, err = msg.FloatField(0)
	assert.Error(t, err, "cores is not numeric")
}

func TestLineBuilders(t *testing.T) {
	assert.Equal(t, "put foo.txt 10 1", PutLine("foo.txt", 10, 1))
	assert.Equal(t, "puturl http://x foo.txt 10 1 abc", PutURLLine("http://x", "foo.txt", 10, 1, "abc"))
	assert.Equal(t, "mini_task spec", MiniTaskLine("spec"))
	assert.Equal(t, "kill 7", KillLine(7))
	assert.Equal(t, "kill -1", KillAllLine())
	assert.Equal(t, "task 7", TaskHeaderLine(7))
	assert.Equal(t, "cmd 10", FramedLine("cmd", "echo hello"))
	assert.Equal(t, "end", EndLine())
	assert.Equal(t, "send_results 5", SendResultsLine(5))
}

// pipeConn returns two *Conn wrapping the two ends of an in-process
// net.Pipe, standing in for a real TCP socket in round-trip tests.
func pipeConn(t *testing.T) (worker *Conn, manager *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func TestReadOneDecodesHandshake(t *testing.T) {
	worker, manager := pipeConn(t)

	go func() {
		_ = worker.WriteLine("taskvine 1 myhost linux x86_64 1.2.3", time.Second)
	}()

	ev, err := manager.ReadOne()
	require.NoError(t, err)
	assert.Equal(t, EventHandshake, ev.Kind)
	assert.Equal(t, 1, ev.Protocol)
	assert.Equal(t, "myhost", ev.Host)
	assert.Equal(t, "linux", ev.OS)
	assert.Equal(t, "x86_64", ev.Arch)
	assert.Equal(t, "1.2.3", ev.Version)
}

func TestReadOneDecodesResource(t *testing.T) {
	worker, manager := pipeConn(t)

	go func() {
		_ = worker.WriteLine("resource cores 8 1 8", time.Second)
	}()

	ev, err := manager.ReadOne()
	require.NoError(t, err)
	assert.Equal(t, EventResource, ev.Kind)
	assert.Equal(t, "cores", ev.ResourceName)
	assert.Equal(t, 8.0, ev.ResourceTotal)
	assert.Equal(t, 1.0, ev.ResourceSmallest)
	assert.Equal(t, 8.0, ev.ResourceLargest)
}

func TestReadOneDecodesResultWithPayload(t *testing.T) {
	worker, manager := pipeConn(t)

	go func() {
		_ = worker.WriteLine("result 0 0 5 2000 9", time.Second)
		_ = worker.WriteBytes([]byte("hello"), time.Second)
	}()

	ev, err := manager.ReadOne()
	require.NoError(t, err)
	assert.Equal(t, EventResult, ev.Kind)
	assert.Equal(t, int64(9), ev.TaskID)
	assert.Equal(t, 0, ev.Status)
	assert.Equal(t, 0, ev.ExitCode)
	assert.Equal(t, "hello", string(ev.Output))
	assert.Equal(t, 2*time.Millisecond, ev.ExecuteTime)
}

func TestReadOneRejectsMalformedHandshake(t *testing.T) {
	worker, manager := pipeConn(t)

	go func() {
		_ = worker.WriteLine("taskvine 1 onlyhost", time.Second)
	}()

	_, err := manager.ReadOne()
	assert.Error(t, err)
}

func TestReadOneDecodesStatusQueryVerbs(t *testing.T) {
	for _, topic := range []string{"queue_status", "task_status", "worker_status", "resources_status", "wable_status"} {
		worker, manager := pipeConn(t)
		go func() {
			_ = worker.WriteLine(topic, time.Second)
		}()
		ev, err := manager.ReadOne()
		require.NoError(t, err)
		assert.Equal(t, EventStatusQuery, ev.Kind)
		assert.Equal(t, topic, ev.StatusTopic)
	}
}

func TestReadOneDecodesHTTPGet(t *testing.T) {
	worker, manager := pipeConn(t)
	go func() {
		_ = worker.WriteLine("GET /queue_status HTTP/1.1", time.Second)
	}()
	ev, err := manager.ReadOne()
	require.NoError(t, err)
	assert.Equal(t, EventHTTPGet, ev.Kind)
	assert.Equal(t, "/queue_status", ev.HTTPPath)
}

func TestReadOneDecodesAlive(t *testing.T) {
	worker, manager := pipeConn(t)

	go func() {
		_ = worker.WriteLine("alive", time.Second)
	}()

	ev, err := manager.ReadOne()
	require.NoError(t, err)
	assert.Equal(t, EventAlive, ev.Kind)
}
