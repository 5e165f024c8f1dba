package perflog

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEmitsHeaderOnlyOnce(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	now := time.UnixMicro(1)

	require.NoError(t, w.Write(Snapshot{Timestamp: now}))
	require.NoError(t, w.Write(Snapshot{Timestamp: now.Add(time.Second)}))

	lines := splitLines(t, &buf)
	require.Len(t, lines, 3)
	assert.Equal(t, "# "+strings.Join(Fields, " "), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1 "))
}

func TestWriteDataLineFieldCountMatchesHeader(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	require.NoError(t, w.Write(Snapshot{
		Timestamp:         time.UnixMicro(100),
		WorkersConnected:  2,
		TasksRunning:      1,
		TimeExecute:       3 * time.Second,
		BytesSent:         1024,
		CapacityWeighted:  12.5,
		TotalCores:        8,
	}))

	lines := splitLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, len(Fields), len(strings.Fields(lines[1])))
}

func TestDueForcedAlwaysTrue(t *testing.T) {
	w := New(&bytes.Buffer{})
	assert.True(t, w.Due(time.Now(), time.Hour, true))
}

func TestDueRespectsIntervalSinceLastEmit(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)
	base := time.UnixMicro(1000000)

	assert.True(t, w.Due(base, DefaultInterval, false), "no snapshot emitted yet")

	require.NoError(t, w.Write(Snapshot{Timestamp: base}))
	assert.False(t, w.Due(base.Add(time.Second), DefaultInterval, false))
	assert.True(t, w.Due(base.Add(DefaultInterval+time.Millisecond), DefaultInterval, false))
}

func splitLines(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}
