package manager

import (
	"sync/atomic"
	"time"

	"github.com/vinequeue/manager/pkg/catalog"
	"github.com/vinequeue/manager/pkg/events"
	"github.com/vinequeue/manager/pkg/metrics"
	"github.com/vinequeue/manager/pkg/perflog"
	"github.com/vinequeue/manager/pkg/protocol"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
)

// receiveOne promotes one waiting-retrieval task whose output fetches
// (if any) have all landed to retrieved (every such task when the
// wait-retrieve-many tunable is set), making it visible to a matching
// Wait call, per spec.md section 4.6 step 3. A task with outputs bound to
// a local path is held back by fetchRemaining until beginOutputFetch's
// `get` requests have all been answered by a getdata reply.
func (m *Manager) receiveOne(now time.Time) {
	promoted := false
	for _, t := range m.queue.All() {
		if t.State != types.TaskWaitingRetrieval {
			continue
		}
		if n, waiting := m.fetchRemaining[t.ID]; waiting && n > 0 {
			continue
		}
		m.queue.MoveToRetrieved(t.ID, now)
		m.txLog.Task(now, t.ID, "retrieved", string(t.ResultCode))
		m.broker.Publish(&events.Event{Type: events.EventTaskRetrieved, Message: t.Tag})
		promoted = true
		if !m.tune.WaitRetrieveMany {
			break
		}
	}
	if promoted {
		select {
		case m.retrieved <- struct{}{}:
		default:
		}
	}
}

// expireReady finalizes ready tasks whose absolute end-time has passed
// before they were ever dispatched, per spec.md section 4.1 step 7.
func (m *Manager) expireReady(now time.Time) {
	for _, t := range m.queue.Ready() {
		if t.Request.EndTime.IsZero() || t.Request.EndTime.After(now) {
			continue
		}
		if m.queue.FailReady(t.ID, types.ResultTaskTimeout, now) == nil {
			continue
		}
		atomic.AddInt64(&m.tasksFailed, 1)
		metrics.TasksDoneTotal.WithLabelValues(string(types.ResultTaskTimeout)).Inc()
		m.txLog.Task(now, t.ID, "waiting-retrieval", "end_time_expired")
	}
}

// sendKeepalives removes workers that have gone silent past the keepalive
// timeout and issues a check line to workers due for one, per spec.md
// section 4.3.
func (m *Manager) sendKeepalives(now time.Time) {
	for _, w := range m.workers.All() {
		if w.Type != workerpool.TypeWorker || !w.HandshakeComplete {
			continue
		}
		if now.Sub(w.LastMessageRecv) > m.tune.KeepaliveTimeout {
			m.removeWorker(w.Key, now, "keepalive_timeout")
			continue
		}
		if now.Sub(w.LastKeepaliveSent) < m.tune.KeepaliveInterval {
			continue
		}
		c := m.connFor(w.Key)
		if c == nil {
			continue
		}
		if err := c.WriteLine(protocol.CheckLine(), m.tune.ShortTimeout); err == nil {
			w.LastKeepaliveSent = now
		}
	}
}

// checkSlowWorkers implements the two-strike slow-worker rule of spec.md
// section 4.7: a running task that blows past its category's learned
// runtime threshold is cancelled alone and arms its worker's slow alarm;
// a second task on the *same* worker that also trips the threshold (alarm
// already armed) evicts the worker and blocklists its host.
func (m *Manager) checkSlowWorkers(now time.Time) {
	for _, t := range m.queue.All() {
		if t.State != types.TaskRunning {
			continue
		}
		cat := m.categories.Get(t.Category)
		mult, active := m.categories.EffectiveSlowWorkerMultiplier(cat)
		if !active {
			continue
		}
		avg, ok := cat.Stats.AverageTaskTime()
		if !ok {
			continue
		}
		threshold := time.Duration(float64(avg) * mult * (1 + float64(t.SlowStrikes)))
		if now.Sub(t.CommitStart) <= threshold {
			continue
		}

		w := m.workers.Get(t.AssignedWorker)
		if w == nil {
			continue
		}

		if w.SlowAlarm {
			m.blocklist.Block(w.Host, slowWorkerBlockDuration, now)
			m.txLog.Host(now, w.Host, "blocked", "slow_worker")
			m.broker.Publish(&events.Event{Type: events.EventHostBlocked, Message: w.Host})
			m.broker.Publish(&events.Event{Type: events.EventWorkerSlow, Message: w.Key})
			m.removeWorker(w.Key, now, "slow")
			continue
		}

		t.SlowStrikes++
		w.SlowAlarm = true
		w.ReleaseTask(t.ID)
		if c := m.connFor(w.Key); c != nil {
			_ = c.WriteLine(protocol.KillLine(t.ID), m.tune.ShortTimeout)
		}
		m.queue.Requeue(t.ID, now)
		m.txLog.Task(now, t.ID, "ready", "slow_task")
		m.broker.Publish(&events.Event{Type: events.EventTaskReady, Message: t.Tag})
		m.broker.Publish(&events.Event{Type: events.EventWorkerSlow, Message: w.Key})
	}
}

// shutdownDrainingIdle releases any idle worker that has announced itself
// draining (from a factory trim or an `idle-disconnecting` message) or has
// passed its announced shutdown deadline, per spec.md section 4.8.
func (m *Manager) shutdownDrainingIdle(now time.Time) {
	for _, w := range m.workers.All() {
		if !w.HandshakeComplete || !w.Idle() {
			continue
		}
		pastDeadline := !w.ShutdownDeadline.IsZero() && now.After(w.ShutdownDeadline)
		if !w.Draining && !pastDeadline {
			continue
		}
		if c := m.connFor(w.Key); c != nil {
			_ = c.WriteLine(protocol.ReleaseLine(), m.tune.ShortTimeout)
		}
		m.removeWorker(w.Key, now, "idle_out")
	}
}

// removeWorker tears down a worker's connection and registry entry,
// requeuing any task it was running, per spec.md section 4.3's worker-loss
// handling. Safe to call multiple times for the same key; a second call is
// a no-op once the registry entry is gone.
func (m *Manager) removeWorker(key string, now time.Time, reason string) {
	w := m.workers.Remove(key)
	if w == nil {
		return
	}

	for _, id := range m.queue.RunningOnWorker(key) {
		m.queue.Requeue(id, now)
		m.txLog.Task(now, id, "ready", "worker_removed:"+reason)
	}

	if c := m.connFor(key); c != nil {
		c.Close()
	}
	m.conns.Delete(key)
	m.cache.Reset(key)
	m.transfers.WipeWorker(key)
	m.clearPendingFetches(key)

	m.workersRemoved++
	metrics.WorkersRemovedTotal.WithLabelValues(reason).Inc()
	metrics.WorkersConnected.Dec()
	switch reason {
	case "slow":
		m.workersSlow++
		metrics.WorkersSlowTotal.Inc()
	case "disconnected", "commit_error", "keepalive_timeout":
		m.workersLost++
	case "idle_out":
		m.workersIdledOut++
	}

	m.txLog.Worker(now, key, "removed", reason)
	m.broker.Publish(&events.Event{Type: events.EventWorkerRemoved, Message: key})
}

// runFactoryTrim pulls the desired worker count of every known factory
// (reported by a connected worker or configured) from the catalog and marks excess idle workers draining, per spec.md section
// 4.8's elastic scaling.
func (m *Manager) runFactoryTrim(now time.Time) {
	byFactory := make(map[string][]*workerpool.Worker)
	for _, w := range m.workers.All() {
		if w.Factory != "" {
			byFactory[w.Factory] = append(byFactory[w.Factory], w)
		}
	}

	// The query filter is the union of factories any connected worker has
	// reported and those named in the config; factories with zero
	// connected workers and no config mention drop out of the filter,
	// which is how they are forgotten (spec.md section 4.8).
	names := make([]string, 0, len(byFactory)+len(m.cfg.Factories))
	for name := range byFactory {
		names = append(names, name)
	}
	for _, name := range m.cfg.Factories {
		if _, connected := byFactory[name]; !connected {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}

	directives, err := m.catalogClient.PullFactories(m.runCtx, names)
	if err != nil {
		m.logger.Warn().Err(err).Msg("factory directive pull failed")
		return
	}

	maxByFactory := make(map[string]int, len(directives))
	for _, d := range directives {
		maxByFactory[d.Name] = d.MaxWorkers
	}

	for factory, workers := range byFactory {
		max, ok := maxByFactory[factory]
		if !ok || len(workers) <= max {
			continue
		}
		var idle []*workerpool.Worker
		for _, w := range workers {
			if w.Idle() && !w.Draining {
				idle = append(idle, w)
			}
		}
		excess := len(workers) - max
		for i := 0; i < excess && i < len(idle); i++ {
			idle[i].Draining = true
		}
	}
}

// accumulatedTimings sums the send/receive/execute time and byte counters
// across every category, giving the manager-wide totals the catalog push
// and performance log report without threading a second, redundant
// running total alongside the per-category one (spec.md section 6).
func (m *Manager) accumulatedTimings() (send, receive, execute time.Duration, bytesSent, bytesRecv int64) {
	for _, c := range m.categories.All() {
		send += c.Stats.SendTime
		receive += c.Stats.ReceiveTime
		execute += c.Stats.ExecuteTime
		bytesSent += c.Stats.BytesSent
		bytesRecv += c.Stats.BytesRecv
	}
	return
}

// pushCatalog assembles a catalog.Status from current manager state and
// pushes it to every configured catalog host, per spec.md section 4.9.
func (m *Manager) pushCatalog(now time.Time) {
	timer := metrics.NewTimer()

	counts := m.queue.CountsByState()
	totals := m.workers.Totals()
	sendT, recvT, execT, bytesSent, bytesRecv := m.accumulatedTimings()

	status := catalog.Status{
		Type:      "vine_manager",
		Project:   m.cfg.Project,
		Owner:     m.cfg.Owner,
		Priority:  m.cfg.Priority,
		Bandwidth: m.cfg.Bandwidth,
		Port:      m.boundPort(),
		StartTime: m.startTime.Unix(),

		WorkersConnected: m.workers.Len(),
		WorkersJoined:    int(m.workersJoined),
		WorkersRemoved:   int(m.workersRemoved),
		WorkersIdledOut:  int(m.workersIdledOut),
		WorkersSlow:      int(m.workersSlow),
		WorkersLost:      int(m.workersLost),
		WorkersBlocked:   m.blocklist.BlockedHostnames(),

		TasksWaiting:     counts[types.TaskReady],
		TasksRunning:     counts[types.TaskRunning],
		TasksOnWorkers:   counts[types.TaskRunning],
		TasksWithResults: counts[types.TaskWaitingRetrieval],
		TasksSubmitted:   int(atomic.LoadInt64(&m.tasksSubmitted)),
		TasksDispatched:  int(m.tasksDispatched),
		TasksDone:              counts[types.TaskDone],
		TasksFailed:            int(atomic.LoadInt64(&m.tasksFailed)),
		TasksCancelled:         counts[types.TaskCancelled],
		TasksExhaustedAttempts: int(m.tasksExhausted),
		TasksLeft:              counts[types.TaskReady] + counts[types.TaskRunning] + counts[types.TaskWaitingRetrieval],

		CapacityWeighted:      m.capacity.Weighted(m.workers.Len()),
		CapacityInstantaneous: m.capacity.Instantaneous(m.workers.Len()),

		TimeSendUsec:    sendT.Microseconds(),
		TimeReceiveUsec: recvT.Microseconds(),
		TimeExecuteUsec: execT.Microseconds(),
		BytesSent:       bytesSent,
		BytesReceived:   bytesRecv,

		TotalCores:  totals.Cores.Total,
		TotalMemory: totals.Memory.Total,
		TotalDisk:   totals.Disk.Total,
		TotalGPUs:   totals.GPUs.Total,

		CommittedCores:  totals.Cores.InUse,
		CommittedMemory: totals.Memory.InUse,
		CommittedDisk:   totals.Disk.InUse,
		CommittedGPUs:   totals.GPUs.InUse,
	}

	for _, c := range m.categories.All() {
		status.Categories = append(status.Categories, catalog.CategoryStatus{
			Name:        c.Name,
			TasksDone:   c.Stats.TasksDone,
			TasksFailed: c.Stats.TasksFailed,
			MaxCores:    c.LargestSeen.Cores,
			MaxMemory:   c.LargestSeen.Memory,
			MaxDisk:     c.LargestSeen.Disk,
			MaxGPUs:     c.LargestSeen.GPUs,
		})
	}

	outcome := "ok"
	if err := m.catalogClient.Push(m.runCtx, status); err != nil {
		outcome = "error"
		m.logger.Warn().Err(err).Msg("catalog push failed")
		metrics.UpdateComponent("catalog", false, err.Error())
	} else {
		metrics.UpdateComponent("catalog", true, "")
	}
	metrics.CatalogPushesTotal.WithLabelValues(outcome).Inc()
	timer.ObserveDuration(metrics.CatalogPushDuration)
}

// emitPerfSnapshot writes one performance-log row if perflog.DefaultInterval
// has elapsed since the last one, per spec.md section 6.
func (m *Manager) emitPerfSnapshot(now time.Time) {
	if !m.perfLog.Due(now, perflog.DefaultInterval, false) {
		return
	}

	counts := m.queue.CountsByState()
	totals := m.workers.Totals()
	sendT, recvT, execT, bytesSent, bytesRecv := m.accumulatedTimings()

	var idle, busy, blocked int
	for _, w := range m.workers.All() {
		if !w.HandshakeComplete {
			continue
		}
		switch {
		case w.SlowAlarm || w.Draining:
			blocked++
		case w.Idle():
			idle++
		default:
			busy++
		}
	}

	snap := perflog.Snapshot{
		Timestamp: now,

		WorkersConnected: m.workers.Len(),
		WorkersIdle:      idle,
		WorkersBusy:      busy,
		WorkersBlocked:   blocked,

		TasksWaiting:     counts[types.TaskReady],
		TasksRunning:     counts[types.TaskRunning],
		TasksWithResults: counts[types.TaskWaitingRetrieval],
		TasksDone:        counts[types.TaskDone],
		TasksFailed:      int(atomic.LoadInt64(&m.tasksFailed)),

		CapacityInstantaneous: m.capacity.Instantaneous(m.workers.Len()),
		CapacityWeighted:      m.capacity.Weighted(m.workers.Len()),

		TimeSend:      sendT,
		TimeReceive:   recvT,
		TimeExecute:   execT,
		BytesSent:     bytesSent,
		BytesReceived: bytesRecv,

		TotalCores:  totals.Cores.Total,
		TotalMemory: totals.Memory.Total,
		TotalDisk:   totals.Disk.Total,
		TotalGPUs:   totals.GPUs.Total,
	}

	if err := m.perfLog.Write(snap); err != nil {
		m.logger.Warn().Err(err).Msg("performance log write failed")
	}
}
