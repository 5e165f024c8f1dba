package txlog

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFormatsRecordWithExtra(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	now := time.UnixMicro(1700000000000000)

	require.NoError(t, w.Write(now, KindTask, "7", "waiting-retrieval", "SUCCESS"))

	fields := strings.Fields(buf.String())
	require.Len(t, fields, 5)
	assert.Equal(t, "1700000000000000", fields[0])
	assert.Equal(t, "TASK", fields[1])
	assert.Equal(t, "7", fields[2])
	assert.Equal(t, "waiting-retrieval", fields[3])
	assert.Equal(t, "SUCCESS", fields[4])
}

func TestWriteOmitsTrailingFieldWhenExtraEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	now := time.UnixMicro(1)

	require.NoError(t, w.Write(now, KindManager, "manager", "started", ""))
	assert.Equal(t, "1 MANAGER manager started\n", buf.String())
}

func TestConvenienceWrappersUseExpectedKind(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	now := time.UnixMicro(5)

	require.NoError(t, w.Task(now, 42, "ready", "retry"))
	require.NoError(t, w.Worker(now, "worker-1", "connected", ""))
	require.NoError(t, w.Category(now, "default", "updated", ""))
	require.NoError(t, w.Host(now, "10.0.0.1", "blocked", "5000000"))

	scanner := bufio.NewScanner(&buf)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 4)
	assert.Equal(t, "5 TASK 42 ready retry", lines[0])
	assert.Equal(t, "5 WORKER worker-1 connected", lines[1])
	assert.Equal(t, "5 CATEGORY default updated", lines[2])
	assert.Equal(t, "5 HOST 10.0.0.1 blocked 5000000", lines[3])
}

func TestWriteIsSafeForConcurrentUse(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	now := time.UnixMicro(1)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			_ = w.Task(now, int64(n), "ready", "")
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	scanner := bufio.NewScanner(&buf)
	count := 0
	for scanner.Scan() {
		count++
	}
	assert.Equal(t, 10, count)
}
