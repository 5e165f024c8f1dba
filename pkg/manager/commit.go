package manager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/vinequeue/manager/pkg/events"
	"github.com/vinequeue/manager/pkg/metrics"
	"github.com/vinequeue/manager/pkg/protocol"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
)

// pendingFetch names the task and local destination path waiting on one
// output binding's `get` response to arrive.
type pendingFetch struct {
	taskID int64
	path   string
}

// handleWorkerMsg is the per-message dispatch switch of spec.md section
// 4.2: each decoded WorkerEvent (or terminal read error) is folded into
// registry/queue state. Called only from the loop goroutine.
func (m *Manager) handleWorkerMsg(msg workerMsg) {
	if msg.err != nil {
		m.removeWorker(msg.key, time.Now(), "disconnected")
		return
	}

	now := time.Now()
	ev := msg.event

	if w := m.workers.Get(msg.key); w != nil {
		w.LastMessageRecv = now
	}

	switch ev.Kind {
	case protocol.EventHandshake:
		m.registerWorker(msg.key, ev, now)

	case protocol.EventAlive:
		if w := m.workers.Get(msg.key); w != nil {
			w.LastMessageRecv = now
		}

	case protocol.EventInfo:
		m.handleInfo(msg.key, ev, now)

	case protocol.EventResource:
		m.handleResource(msg.key, ev)

	case protocol.EventFeature:
		if w := m.workers.Get(msg.key); w != nil {
			w.Features[ev.FeatureName] = true
		}

	case protocol.EventCacheUpdate:
		m.cache.MarkPresent(msg.key, ev.CacheName, ev.Size, ev.TransferTime)
		if ev.TransferID != "" {
			m.transfers.Remove(ev.TransferID)
		}
		m.txLog.Write(now, "CACHE", ev.CacheName, "present", msg.key)

	case protocol.EventCacheInvalid:
		m.cache.MarkInvalid(msg.key, ev.CacheName)
		if ev.TransferID != "" {
			m.transfers.Remove(ev.TransferID)
		}
		m.logger.Warn().Str("worker", msg.key).Str("cache_name", ev.CacheName).Str("error", ev.ErrorText).Msg("cache-invalid")

	case protocol.EventTransferAddress:
		if w := m.workers.Get(msg.key); w != nil {
			w.TransferHost = ev.TransferHost
			w.TransferPort = ev.TransferPort
			w.HasTransferAddr = true
		}

	case protocol.EventAvailableResult:
		if w := m.workers.Get(msg.key); w != nil {
			w.HasAvailableResults = true
			if c := m.connFor(msg.key); c != nil {
				_ = c.WriteLine(protocol.SendResultsLine(len(w.RunningTasks)), m.tune.ShortTimeout)
			}
		}

	case protocol.EventResult:
		m.handleResult(msg.key, ev, now)

	case protocol.EventGetData:
		m.handleGetData(msg.key, ev)

	case protocol.EventUpdate:
		m.handleUpdate(ev)

	case protocol.EventEnd:
		if w := m.workers.Get(msg.key); w != nil {
			w.HasAvailableResults = false
		}
	}
}

// handleInfo processes the small set of `info <field> <value>` variants
// the worker can send outside of the result protocol.
func (m *Manager) handleInfo(key string, ev protocol.WorkerEvent, now time.Time) {
	w := m.workers.Get(key)
	if w == nil {
		return
	}
	switch ev.InfoField {
	case "worker-end-time":
		var usec int64
		fmt.Sscanf(ev.InfoValue, "%d", &usec)
		if usec > 0 {
			w.ShutdownDeadline = time.UnixMicro(usec)
		}
	case "from-factory":
		w.Factory = ev.InfoValue
	case "idle-disconnecting":
		w.Draining = true
	case "end_of_resource_update":
		w.ResourcesKnown = true
	}
}

// handleResource folds one `resource` line into the worker's tally.
func (m *Manager) handleResource(key string, ev protocol.WorkerEvent) {
	w := m.workers.Get(key)
	if w == nil {
		return
	}
	dim := &w.Resources.Cores
	switch ev.ResourceName {
	case "memory":
		dim = &w.Resources.Memory
	case "disk":
		dim = &w.Resources.Disk
	case "gpus":
		dim = &w.Resources.GPUs
	}
	dim.Total = ev.ResourceTotal
	dim.Smallest = ev.ResourceSmallest
	dim.Largest = ev.ResourceLargest
}

// handleUpdate appends a watched-output chunk, per spec.md section 4.6's
// streamed-output support. Watched bytes are kept on the task record
// itself rather than a side file, since wait() hands callers the Task
// directly.
func (m *Manager) handleUpdate(ev protocol.WorkerEvent) {
	t := m.queue.Get(ev.TaskID)
	if t == nil {
		return
	}
	t.Output = append(t.Output, ev.UpdateBytes...)
}

// handleResult classifies a worker's result message and either requeues
// the task for retry, applies a category-driven resource-exhaustion
// retry, or moves it to waiting-retrieval with a terminal result code,
// per spec.md sections 4.6/4.7.
func (m *Manager) handleResult(key string, ev protocol.WorkerEvent, now time.Time) {
	w := m.workers.Get(key)
	t := m.queue.Get(ev.TaskID)
	if t == nil || t.IsTerminal() || t.AssignedWorker != key {
		// A result for an unassigned or already-cancelled task is
		// discarded; the payload was consumed by the decoder so the
		// stream stays aligned (spec.md section 7 item 9).
		if w != nil {
			w.ReleaseTask(ev.TaskID)
		}
		return
	}

	if w != nil {
		w.ReleaseTask(t.ID)
		w.FinishedTasks++
		w.TotalTasksCompleted++
		w.TotalExecuteTime += ev.ExecuteTime
	}

	t.Output = append(t.Output, ev.Output...)
	t.ExecuteTime = ev.ExecuteTime

	// No resource-monitor summary is parsed here (design note: resource-
	// monitor coupling), so resources_measured stays the documented
	// sentinel -- only its exit_status mirrors the task's actual exit code.
	t.Measured = types.MeasuredResources{ExitStatusMirror: ev.ExitCode}

	sendTime := t.CommitEnd.Sub(t.CommitStart)
	if sendTime < 0 {
		sendTime = 0
	}
	receiveTime := now.Sub(t.CommitEnd.Add(ev.ExecuteTime))
	if receiveTime < 0 {
		receiveTime = 0
	}

	code := resultCodeForStatus(ev.Status)
	cat := m.categories.GetOrCreate(t.Category)

	switch code {
	case types.ResultResourceExhaustion:
		t.ExhaustedAttempts++
		m.tasksExhausted++
		next, ok := cat.NextAllocation(t.Request.Max, true)
		if !ok {
			m.finishTask(t, types.ResultMaxAllocExceeded, ev.ExitCode, now, sendTime, receiveTime, false)
			return
		}
		t.Request.Max = next
		m.queue.Requeue(t.ID, now)
		m.txLog.Task(now, t.ID, "ready", "resource_exhaustion_retry")

	case types.ResultForsaken:
		t.ForsakenCount++
		if t.TryCount > 0 {
			t.TryCount--
		}
		m.queue.Requeue(t.ID, now)
		m.txLog.Task(now, t.ID, "ready", "forsaken_retry")

	case types.ResultSuccess:
		if w != nil {
			if err := m.beginOutputFetch(t, w); err != nil {
				m.logger.Warn().Err(err).Int64("task_id", t.ID).Msg("output fetch request failed")
				m.finishTask(t, types.ResultOutputTransferError, ev.ExitCode, now, sendTime, receiveTime, false)
				return
			}
		}
		m.finishTask(t, code, ev.ExitCode, now, sendTime, receiveTime, true)

	default:
		if t.MaxRetries > 0 && t.TryCount > t.MaxRetries {
			m.finishTask(t, types.ResultMaxRetries, ev.ExitCode, now, sendTime, receiveTime, false)
			return
		}
		m.queue.Requeue(t.ID, now)
		m.txLog.Task(now, t.ID, "ready", string(code)+"_retry")
	}
}

// finishTask moves a task to waiting-retrieval with a terminal result,
// folding its timings into the category stats and capacity estimator.
func (m *Manager) finishTask(t *types.Task, code types.ResultCode, exitCode int, now time.Time, sendTime, receiveTime time.Duration, success bool) {
	m.queue.MoveToWaitingRetrieval(t.ID, code, exitCode, now)
	m.categories.RecordCompletion(t.Category, success, t.Envelope, t.ExecuteTime, sendTime, receiveTime, t.BytesSent, t.BytesReceived)
	m.capacity.Record(t.ExecuteTime, sendTime+receiveTime, t.Envelope)
	metrics.CapacityWeighted.Set(m.capacity.Weighted(m.workers.Len()))
	metrics.CapacityInstantaneous.Set(m.capacity.Instantaneous(m.workers.Len()))

	if !success {
		atomic.AddInt64(&m.tasksFailed, 1)
	}
	metrics.TasksDoneTotal.WithLabelValues(string(code)).Inc()
	m.txLog.Task(now, t.ID, "waiting-retrieval", string(code))
	m.broker.Publish(&events.Event{Type: events.EventTaskWaitingRetrieval, Message: t.Tag})
}

// beginOutputFetch issues a `get` request for every output binding that
// names a local destination, per spec.md section 4.6 step 3, and records
// each as a pending fetch so receiveOne holds the task in waiting-retrieval
// until its bytes have actually landed on disk. Outputs with no local
// destination (stdout-only bindings) need no fetch.
func (m *Manager) beginOutputFetch(t *types.Task, w *workerpool.Worker) error {
	pending := 0
	for _, out := range t.Outputs {
		if out.PostExecPath == "" {
			continue
		}
		c := m.connFor(w.Key)
		if c == nil {
			return fmt.Errorf("manager: no connection to fetch output %s", out.RemoteName)
		}
		if err := c.WriteLine(protocol.GetLine(out.CacheName, out.RemoteName), m.tune.ShortTimeout); err != nil {
			return fmt.Errorf("manager: request output %s: %w", out.RemoteName, err)
		}
		key := w.Key + "\x00" + out.CacheName
		m.pendingFetches[key] = append(m.pendingFetches[key], pendingFetch{taskID: t.ID, path: out.PostExecPath})
		pending++
	}
	if pending > 0 {
		m.fetchRemaining[t.ID] = pending
	}
	return nil
}

// handleGetData writes one streamed output-fetch reply to its local
// destination and, once every binding a task was waiting on has arrived,
// clears its entry from fetchRemaining so receiveOne can promote it.
func (m *Manager) handleGetData(workerKey string, ev protocol.WorkerEvent) {
	key := workerKey + "\x00" + ev.CacheName
	queue := m.pendingFetches[key]
	if len(queue) == 0 {
		return
	}
	fetch := queue[0]
	if len(queue) == 1 {
		delete(m.pendingFetches, key)
	} else {
		m.pendingFetches[key] = queue[1:]
	}

	if err := writeOutputFile(fetch.path, ev.Output); err != nil {
		m.logger.Warn().Err(err).Int64("task_id", fetch.taskID).Str("path", fetch.path).Msg("output write failed")
		if t := m.queue.Get(fetch.taskID); t != nil {
			t.ResultCode = types.ResultOutputTransferError
		}
	}

	if remaining := m.fetchRemaining[fetch.taskID] - 1; remaining > 0 {
		m.fetchRemaining[fetch.taskID] = remaining
	} else {
		delete(m.fetchRemaining, fetch.taskID)
	}
}

// writeOutputFile materializes one fetched output at its local path,
// creating parent directories as needed.
func writeOutputFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// clearPendingFetches discards every outstanding output-fetch request
// addressed to workerKey, called on worker removal so a vanished
// connection never leaves a task stuck in waiting-retrieval forever; any
// task still waiting on one of those fetches is marked as having failed
// output transfer instead.
func (m *Manager) clearPendingFetches(workerKey string) {
	prefix := workerKey + "\x00"
	for key, queue := range m.pendingFetches {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		for _, fetch := range queue {
			delete(m.fetchRemaining, fetch.taskID)
			if t := m.queue.Get(fetch.taskID); t != nil && t.State == types.TaskWaitingRetrieval {
				t.ResultCode = types.ResultOutputTransferError
			}
		}
		delete(m.pendingFetches, key)
	}
}

// bindingMode encodes a binding's option flags into the wire mode
// bitmask, per spec.md section 6.
func bindingMode(f types.BindingFlags) int {
	mode := 0
	if f.Cache {
		mode |= 1
	}
	if f.Watch {
		mode |= 2
	}
	if f.SymlinkOK {
		mode |= 4
	}
	if f.MountAsDir {
		mode |= 8
	}
	return mode
}

// sendInputDirective writes one input binding's transfer directive. A
// mini-task's sub-inputs are announced first, so their cache entries
// exist by the time the worker runs the mini-task command.
func (m *Manager) sendInputDirective(c *protocol.Conn, in *types.FileBinding) error {
	mode := bindingMode(in.Flags)
	var err error
	switch {
	case in.Substitute != "":
		err = c.WriteLine(protocol.PutURLLine(in.Substitute, in.CacheName, in.Size, mode, in.TransferID), m.tune.ShortTimeout)
	case in.Kind == types.FileKindURL:
		err = c.WriteLine(protocol.PutURLLine(in.Origin, in.CacheName, in.Size, mode, in.TransferID), m.tune.ShortTimeout)
	case in.Kind == types.FileKindMiniTask:
		for _, sub := range in.SubInputs {
			if err := m.sendInputDirective(c, sub); err != nil {
				return err
			}
		}
		err = c.WriteLine(protocol.MiniTaskLine(in.Origin), m.tune.ShortTimeout)
	default:
		err = c.WriteLine(protocol.PutLine(in.CacheName, in.Size, mode), m.tune.ShortTimeout)
		if err == nil && in.Kind == types.FileKindBuffer {
			err = c.WriteBytes([]byte(in.Origin), m.tune.LongTimeout)
		}
	}
	if err != nil {
		return fmt.Errorf("manager: commit input %s: %w", in.RemoteName, err)
	}
	return nil
}

// sendCommit writes the full `task <id> ... end` block to worker,
// announcing each input's transfer source and the command/environment/
// resource/output metadata, per spec.md section 6. The manager acts as
// the source of last resort for local-file, buffer, and directory
// inputs, so only URL, peer-substituted, and mini-task inputs need an
// explicit put directive beyond the plain `put`.
func (m *Manager) sendCommit(task *types.Task, worker *workerpool.Worker, now time.Time) error {
	c := m.connFor(worker.Key)
	if c == nil {
		return fmt.Errorf("manager: no connection for worker %s", worker.Key)
	}

	for _, in := range task.Inputs {
		if err := m.sendInputDirective(c, in); err != nil {
			return err
		}
	}

	if err := c.WriteLine(protocol.TaskHeaderLine(task.ID), m.tune.ShortTimeout); err != nil {
		return err
	}
	if err := c.WriteLine(protocol.FramedLine("cmd", task.Command), m.tune.ShortTimeout); err != nil {
		return err
	}
	if err := c.WriteBytes([]byte(task.Command), m.tune.ShortTimeout); err != nil {
		return err
	}

	envBytes, err := json.Marshal(task.Env)
	if err != nil {
		return fmt.Errorf("manager: marshal task environment: %w", err)
	}
	if err := c.WriteLine(protocol.FramedLine("env", string(envBytes)), m.tune.ShortTimeout); err != nil {
		return err
	}
	if err := c.WriteBytes(envBytes, m.tune.ShortTimeout); err != nil {
		return err
	}

	if err := c.WriteLine("category "+task.Category, m.tune.ShortTimeout); err != nil {
		return err
	}

	env := task.Envelope
	resLine := fmt.Sprintf("resources %g %g %g %g", env.Cores, env.Memory, env.Disk, env.GPUs)
	if err := c.WriteLine(resLine, m.tune.ShortTimeout); err != nil {
		return err
	}

	for _, out := range task.Outputs {
		line := fmt.Sprintf("output %s %s %d", out.RemoteName, out.CacheName, bindingMode(out.Flags))
		if err := c.WriteLine(line, m.tune.ShortTimeout); err != nil {
			return err
		}
	}

	if err := c.WriteLine(protocol.EndLine(), m.tune.ShortTimeout); err != nil {
		return err
	}

	task.CommitEnd = time.Now()
	metrics.BytesSentTotal.Add(float64(len(task.Command) + len(envBytes)))
	return nil
}
