// Package perflog implements the manager's performance log: a header
// line beginning with '#' listing field names in a fixed order, followed
// by one data line per snapshot with space-separated values in that
// order, per spec.md section 6.
//
// Field order grounded on original_source/taskvine/src/manager's
// performance-log emission alongside vine_manager.c's stats struct.
package perflog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Fields is the fixed, ordered set of column names this writer emits.
var Fields = []string{
	"timestamp",
	"workers_connected", "workers_idle", "workers_busy", "workers_blocked",
	"tasks_waiting", "tasks_running", "tasks_with_results", "tasks_done", "tasks_failed",
	"time_send", "time_receive", "time_execute",
	"bytes_sent", "bytes_received",
	"capacity_instantaneous", "capacity_weighted",
	"total_cores", "total_memory", "total_disk", "total_gpus",
}

// Snapshot is one row of the performance log.
type Snapshot struct {
	Timestamp time.Time

	WorkersConnected, WorkersIdle, WorkersBusy, WorkersBlocked int
	TasksWaiting, TasksRunning, TasksWithResults, TasksDone, TasksFailed int

	TimeSend, TimeReceive, TimeExecute time.Duration
	BytesSent, BytesReceived           int64

	CapacityInstantaneous, CapacityWeighted float64

	TotalCores, TotalMemory, TotalDisk, TotalGPUs float64
}

// Writer appends performance-log snapshots to an underlying io.Writer,
// emitting the header exactly once.
type Writer struct {
	mu           sync.Mutex
	w            io.Writer
	headerWritten bool
	lastEmit     time.Time
}

// New wraps w as a performance-log writer.
func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

// DefaultInterval is the default snapshot interval (spec.md section 6).
const DefaultInterval = 5 * time.Second

// Due reports whether a snapshot should be emitted: either the interval
// has elapsed since the last emission, or forced is set (for forced
// events such as worker removal).
func (w *Writer) Due(now time.Time, interval time.Duration, forced bool) bool {
	if forced {
		return true
	}
	return w.lastEmit.IsZero() || now.Sub(w.lastEmit) >= interval
}

// Write emits the header (first call only) and one data line.
func (w *Writer) Write(s Snapshot) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.headerWritten {
		if _, err := fmt.Fprintln(w.w, "# "+strings.Join(Fields, " ")); err != nil {
			return err
		}
		w.headerWritten = true
	}

	line := fmt.Sprintf(
		"%d %d %d %d %d %d %d %d %d %d %d %d %d %d %d %f %f %f %f %f %f",
		s.Timestamp.UnixMicro(),
		s.WorkersConnected, s.WorkersIdle, s.WorkersBusy, s.WorkersBlocked,
		s.TasksWaiting, s.TasksRunning, s.TasksWithResults, s.TasksDone, s.TasksFailed,
		s.TimeSend.Microseconds(), s.TimeReceive.Microseconds(), s.TimeExecute.Microseconds(),
		s.BytesSent, s.BytesReceived,
		s.CapacityInstantaneous, s.CapacityWeighted,
		s.TotalCores, s.TotalMemory, s.TotalDisk, s.TotalGPUs,
	)
	if _, err := fmt.Fprintln(w.w, line); err != nil {
		return err
	}
	w.lastEmit = s.Timestamp
	return nil
}
