package manager

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net"
	"time"

	"github.com/vinequeue/manager/pkg/catalog"
	"github.com/vinequeue/manager/pkg/events"
	"github.com/vinequeue/manager/pkg/metrics"
	"github.com/vinequeue/manager/pkg/protocol"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
)

// protocolVersion is the taskvine wire-protocol version this manager
// speaks; a mismatched handshake is a protocol violation per spec.md
// section 4.2.
const protocolVersion = 1

// acceptLoop accepts new worker connections and spawns one goroutine per
// connection to decode its messages and forward them to the loop.
func (m *Manager) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConn(ctx, conn)
		}()
	}
}

// handleConn waits for the connecting worker's handshake (it speaks
// first, unprompted, per spec.md section 4.2), then decodes messages
// until the connection fails, forwarding each onto m.inbox. This
// goroutine never touches a *workerpool.Worker's mutable fields directly
// -- it only decodes wire messages and hands them to the loop goroutine.
func (m *Manager) handleConn(ctx context.Context, raw net.Conn) {
	c := protocol.NewConn(raw)
	host := c.RemoteHost()

	if m.blocklist.IsBlocked(host) {
		c.Close()
		return
	}

	if m.cfg.SharedSecret != "" {
		if err := m.verifySharedSecret(c); err != nil {
			m.logger.Warn().Err(err).Str("host", host).Msg("shared-secret challenge failed")
			c.Close()
			return
		}
	}

	key := m.workers.NextHandle()
	m.conns.Store(key, c)
	defer func() {
		m.conns.Delete(key)
		c.Close()
	}()

	c.ShortTimeout = handshakeGrace
	ev, err := c.ReadOne()
	c.ShortTimeout = protocol.DefaultShortTimeout
	if err != nil {
		return
	}
	switch ev.Kind {
	case protocol.EventHandshake:
	case protocol.EventStatusQuery, protocol.EventHTTPGet:
		// A transient status-query connection: answer with one JSON
		// payload (or a small HTTP response) and disconnect, per spec.md
		// section 4.2. These never become registry entries.
		m.serveStatusQuery(c, ev)
		return
	default:
		return
	}
	if ev.Protocol != protocolVersion {
		m.blocklist.Block(host, 0, time.Now())
		m.logger.Warn().Str("host", host).Int("protocol", ev.Protocol).Msg("protocol version mismatch, blocklisting")
		return
	}

	select {
	case m.inbox <- workerMsg{key: key, event: ev}:
	case <-ctx.Done():
		return
	}

	for {
		ev, err := c.ReadOne()
		if err != nil {
			select {
			case m.inbox <- workerMsg{key: key, err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case m.inbox <- workerMsg{key: key, event: ev}:
		case <-ctx.Done():
			return
		}
	}
}

// verifySharedSecret reads one `secret <value>` line and compares it
// (constant-time) against the configured shared secret's digest. Not
// part of the upstream taskvine wire protocol; a simplification noted in
// DESIGN.md for environments that want connection-level authentication
// without a full CA/TLS stack.
func (m *Manager) verifySharedSecret(c *protocol.Conn) error {
	line, err := c.ReadLine(handshakeGrace)
	if err != nil {
		return err
	}
	msg := protocol.ParseMessage(line)
	if msg.Verb != "secret" || len(msg.Fields) != 1 {
		return errors.New("manager: missing secret challenge response")
	}
	want := sha256.Sum256([]byte(m.cfg.SharedSecret))
	got := sha256.Sum256([]byte(msg.Fields[0]))
	if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return errors.New("manager: shared secret mismatch")
	}
	return nil
}

// connFor returns the live connection for a worker key, or nil.
func (m *Manager) connFor(key string) *protocol.Conn {
	v, ok := m.conns.Load(key)
	if !ok {
		return nil
	}
	return v.(*protocol.Conn)
}

// runLoop is the manager's single cooperative event loop (spec.md section
// 4.1/5). It processes every outstanding worker message before driving
// the periodic housekeeping steps, and answers cancellation requests
// inline so callers never race the loop goroutine.
func (m *Manager) runLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-m.cancelCh:
			m.handleCancelRequest(req)

		case msg := <-m.inbox:
			m.handleWorkerMsg(msg)
			m.drainInbox()
			m.tick(time.Now())

		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

// drainInbox processes every message already queued without blocking, so
// a dispatch never runs ahead of result reception within one iteration
// (spec.md section 4.1's ordering guarantee).
func (m *Manager) drainInbox() {
	for {
		select {
		case msg := <-m.inbox:
			m.handleWorkerMsg(msg)
		default:
			return
		}
	}
}

// tick drives one pass of the steps in spec.md section 4.1 that are not
// already satisfied by channel-driven message handling.
func (m *Manager) tick(now time.Time) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LoopIterationDuration)

	m.receiveOne(now)
	m.expireReady(now)

	if m.shouldDispatch() {
		m.dispatchOne(now)
	}

	m.sendKeepalives(now)
	m.checkSlowWorkers(now)
	m.shutdownDrainingIdle(now)

	if released := m.blocklist.UnblockExpired(now); len(released) > 0 {
		for _, host := range released {
			m.txLog.Host(now, host, "unblocked", "")
			m.broker.Publish(&events.Event{Type: events.EventHostUnblocked, Message: host})
		}
	}

	if now.Sub(m.lastWatchdogScan) >= watchdogInterval {
		m.lastWatchdogScan = now
		m.runWatchdogScan()
	}

	if now.Sub(m.lastFactoryTrim) >= factoryTrimInterval {
		m.lastFactoryTrim = now
		m.runFactoryTrim(now)
	}

	if m.cfg.Project != "" && now.Sub(m.lastCatalogPush) >= catalog.DefaultPushInterval {
		m.lastCatalogPush = now
		m.pushCatalog(now)
	}

	m.emitPerfSnapshot(now)

	if now.Sub(m.lastSnapshotFlush) >= snapshotInterval {
		m.lastSnapshotFlush = now
		m.flushSnapshot()
	}
}

// shouldDispatch reports whether the wait-for-workers threshold (spec.md
// section 4.1 step 8) is currently met.
func (m *Manager) shouldDispatch() bool {
	return m.workers.Len() >= m.tune.WaitForWorkers
}

// dispatchOne asks the scheduler for one (task, worker, envelope) match
// and, if found, commits it.
func (m *Manager) dispatchOne(now time.Time) bool {
	dec := m.sched.DispatchOne(m.queue, now)
	if dec == nil {
		return false
	}

	m.queue.Dispatch(dec.Task.ID, dec.Worker.Key, dec.Envelope, now)
	dec.Worker.AssignTask(dec.Task.ID, dec.Envelope)

	m.tasksDispatched++
	metrics.TasksDispatchedTotal.Inc()
	m.txLog.Task(now, dec.Task.ID, "running", dec.Worker.Key)
	m.broker.Publish(&events.Event{Type: events.EventTaskRunning, Message: dec.Worker.Key})

	if err := m.sendCommit(dec.Task, dec.Worker, now); err != nil {
		m.logger.Warn().Err(err).Int64("task_id", dec.Task.ID).Str("worker", dec.Worker.Key).Msg("commit failed")
		m.removeWorker(dec.Worker.Key, now, "commit_error")
		return true
	}
	return true
}

// handleCancelRequest answers one CancelByID/CancelByTag call funneled
// through m.cancelCh.
func (m *Manager) handleCancelRequest(req cancelRequest) {
	now := time.Now()
	var tasks []*types.Task

	if req.byID != nil {
		if t := m.queue.CancelByID(*req.byID, now); t != nil {
			m.afterCancel(t, now)
			tasks = []*types.Task{t}
		}
	} else if req.byTag != nil {
		tasks = m.queue.CancelByTag(*req.byTag, now)
		for _, t := range tasks {
			m.afterCancel(t, now)
		}
	}

	req.result <- tasks
}

// afterCancel performs the side effects of cancelling a task: sending
// `kill <id>` if it was running, scheduling deletion of uncached inputs
// and all outputs, and releasing its worker allocation. Per spec.md
// section 5, cancelling a task already in waiting-retrieval is a no-op
// for the worker: its result has already arrived, and the queue clears
// the task's AssignedWorker on that cancel, so nothing is sent.
func (m *Manager) afterCancel(t *types.Task, now time.Time) {
	m.tasksCancelled++
	metrics.TasksDoneTotal.WithLabelValues(string(types.ResultCancelled)).Inc()
	m.txLog.Task(now, t.ID, "cancelled", "")
	m.broker.Publish(&events.Event{Type: events.EventTaskCancelled, Message: t.Tag})

	if t.AssignedWorker == "" {
		return
	}
	w := m.workers.Get(t.AssignedWorker)
	if w == nil {
		return
	}
	w.ReleaseTask(t.ID)

	c := m.connFor(t.AssignedWorker)
	if c == nil {
		return
	}
	_ = c.WriteLine(protocol.KillLine(t.ID), m.tune.ShortTimeout)
	for _, in := range t.Inputs {
		if !in.Flags.Cache && in.CacheName != "" {
			_ = c.WriteLine(protocol.UnlinkLine(in.CacheName), m.tune.ShortTimeout)
		}
	}
	for _, out := range t.Outputs {
		if out.CacheName != "" {
			_ = c.WriteLine(protocol.UnlinkLine(out.CacheName), m.tune.ShortTimeout)
		}
	}
}

// runWatchdogScan logs ready tasks that fit no currently-connected
// worker, per spec.md section 4.4's large-task watchdog.
func (m *Manager) runWatchdogScan() {
	for _, t := range m.sched.WatchdogScan(m.queue) {
		m.logger.Warn().Int64("task_id", t.ID).Str("category", t.Category).Msg("task unschedulable against current fleet")
	}
}

// registerWorker completes a handshake by allocating and adding the
// worker record. Called only from the loop goroutine.
func (m *Manager) registerWorker(key string, ev protocol.WorkerEvent, now time.Time) {
	if m.workers.Get(key) != nil {
		return
	}
	w := workerpool.NewWorker(key, ev.Host, 0, now)
	w.Hostname = ev.Host
	w.OS = ev.OS
	w.Arch = ev.Arch
	w.Version = ev.Version
	w.HandshakeComplete = true
	w.Type = workerpool.TypeWorker

	m.workers.Add(w)
	m.workersJoined++
	metrics.WorkersConnected.Inc()
	m.txLog.Worker(now, key, "connected", ev.Host)
	m.broker.Publish(&events.Event{Type: events.EventWorkerConnected, Message: key})
}
