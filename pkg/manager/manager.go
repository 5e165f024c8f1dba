package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vinequeue/manager/pkg/blocklist"
	"github.com/vinequeue/manager/pkg/capacity"
	"github.com/vinequeue/manager/pkg/catalog"
	"github.com/vinequeue/manager/pkg/category"
	"github.com/vinequeue/manager/pkg/events"
	"github.com/vinequeue/manager/pkg/filecache"
	"github.com/vinequeue/manager/pkg/log"
	"github.com/vinequeue/manager/pkg/metrics"
	"github.com/vinequeue/manager/pkg/perflog"
	"github.com/vinequeue/manager/pkg/protocol"
	"github.com/vinequeue/manager/pkg/scheduler"
	"github.com/vinequeue/manager/pkg/statusapi"
	"github.com/vinequeue/manager/pkg/storage"
	"github.com/vinequeue/manager/pkg/taskqueue"
	"github.com/vinequeue/manager/pkg/transferplan"
	"github.com/vinequeue/manager/pkg/transfers"
	"github.com/vinequeue/manager/pkg/types"
	"github.com/vinequeue/manager/pkg/workerpool"
)

const (
	tickInterval        = 200 * time.Millisecond
	watchdogInterval    = 3 * time.Minute
	factoryTrimInterval = 60 * time.Second
	snapshotInterval    = 60 * time.Second

	// handshakeGrace is the read deadline for the first line of a freshly
	// accepted connection (the shared-secret reply or the
	// workqueue/taskvine handshake); a connection that sends nothing
	// within it is torn down. The keepalive sweep skips workers whose
	// handshake is incomplete.
	handshakeGrace = 30 * time.Second

	// slowWorkerBlockDuration is how long a worker evicted under the
	// two-strike slow-worker rule (a second slow task on the same worker)
	// is kept off the accept path.
	slowWorkerBlockDuration = 10 * time.Minute
)

// workerMsg is one event pulled off a worker connection, or the terminal
// error that ended it, tagged with the worker's registry key.
type workerMsg struct {
	key   string
	event protocol.WorkerEvent
	err   error
}

// cancelRequest funnels CancelByID/CancelByTag calls from caller goroutines
// through the single loop goroutine, since satisfying them touches Worker
// fields that (unlike taskqueue.Queue) are not internally synchronized --
// only the loop goroutine is meant to mutate them, per spec.md section 5.
type cancelRequest struct {
	byID   *int64
	byTag  *string
	result chan []*types.Task
}

// Manager is the task-execution manager: the single-threaded cooperative
// loop described in spec.md section 5, composing the leaf subsystems that
// implement its state machines.
//
// Two synchronization regimes coexist by design: taskqueue.Queue guards
// itself internally and may be called from any goroutine (Submit, Wait,
// CancelByID/CancelByTag read and write it directly); everything touching
// a *workerpool.Worker's mutable fields -- RunningTasks, SlowAlarm,
// Draining, the wire connection table -- is owned exclusively by the loop
// goroutine started from Start, and reached from other goroutines only by
// funneling through the inbox or cancelCh channels.
type Manager struct {
	cfg  Config
	tune Tunables

	queue      *taskqueue.Queue
	workers    *workerpool.Registry
	categories *category.Registry
	blocklist  *blocklist.Blocklist
	transfers  *transfers.Table
	cache      *filecache.Index
	sched      *scheduler.Scheduler
	planner    *transferplan.Planner
	capacity   *capacity.Estimator

	catalogClient *catalog.Client
	txLog         *txLogCloser
	perfLog       *perflog.Writer
	store         storage.Store
	broker        *events.Broker
	status        *statusapi.Server

	logger zerolog.Logger

	listener net.Listener
	conns    sync.Map // worker key -> *protocol.Conn

	inbox     chan workerMsg
	retrieved chan struct{}
	cancelCh  chan cancelRequest

	// pendingFetches tracks in-flight output-fetch `get` requests, keyed by
	// workerKey+"\x00"+cacheName (a worker can only be streaming one reply
	// per cache-name at a time); fetchRemaining counts, per task id, how
	// many of its output bindings are still outstanding before a
	// waiting-retrieval task may be promoted to retrieved. Both are
	// written and read only from the loop goroutine.
	pendingFetches map[string][]pendingFetch
	fetchRemaining map[int64]int

	startTime           time.Time
	lastCatalogPush     time.Time
	lastWatchdogScan    time.Time
	lastFactoryTrim     time.Time
	lastSnapshotFlush   time.Time

	workersJoined, workersRemoved, workersIdledOut, workersSlow, workersLost int64
	tasksSubmitted, tasksDispatched, tasksFailed, tasksCancelled             int64
	tasksExhausted                                                           int64

	wg        sync.WaitGroup
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// txLogCloser pairs the transaction-log writer with the file backing it so
// Shutdown can flush and close it.
type txLogCloser struct {
	*txWriter
	file *os.File
}

// NewManager builds a Manager from cfg, wiring every leaf subsystem and
// restoring durable state (category stats, blocklist) from disk.
func NewManager(cfg Config) (*Manager, error) {
	tune := DefaultTunables()
	if cfg.TuneProfilePath != "" {
		loaded, err := LoadTuneProfile(cfg.TuneProfilePath)
		if err != nil {
			return nil, err
		}
		tune = loaded
	}

	if cfg.DefaultCapacityTasks > 0 {
		capacity.DefaultTasks = cfg.DefaultCapacityTasks
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("manager: create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir, "@every 10m")
	if err != nil {
		return nil, fmt.Errorf("manager: open storage: %w", err)
	}

	workers := workerpool.NewRegistry()
	cache := filecache.New()
	xfers := transfers.New()
	cats := category.NewRegistry()

	planner := transferplan.New(workers, cache, xfers)
	planner.Limits.PerFileSource = tune.FileSourceMaxTransfers

	sched := scheduler.New(workers, cache, cats, planner)
	sched.ProportionalResources = tune.ProportionalResources
	sched.ProportionalWholeTasks = tune.ProportionalWholeTasks

	bl := blocklist.New()
	if err := restoreSnapshot(store, cats); err != nil {
		store.Close()
		return nil, err
	}
	if err := restoreBlocklist(store, bl); err != nil {
		store.Close()
		return nil, err
	}

	txFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "vine_manager.tr"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("manager: open transaction log: %w", err)
	}
	perfFile, err := os.OpenFile(filepath.Join(cfg.DataDir, "vine_manager.perf"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		txFile.Close()
		store.Close()
		return nil, fmt.Errorf("manager: open performance log: %w", err)
	}

	m := &Manager{
		cfg:           cfg,
		tune:          tune,
		queue:         taskqueue.New(),
		workers:       workers,
		categories:    cats,
		blocklist:     bl,
		transfers:     xfers,
		cache:         cache,
		sched:         sched,
		planner:       planner,
		capacity:      capacity.New(500),
		catalogClient: catalog.NewClient(cfg.CatalogHosts),
		txLog:         &txLogCloser{txWriter: newTxWriter(txFile), file: txFile},
		perfLog:       perflog.New(perfFile),
		store:         store,
		broker:        events.NewBroker(),
		logger:        log.WithComponent("manager"),
		inbox:          make(chan workerMsg, 256),
		retrieved:      make(chan struct{}, 1),
		cancelCh:       make(chan cancelRequest),
		pendingFetches: make(map[string][]pendingFetch),
		fetchRemaining: make(map[int64]int),
		startTime:      time.Now(),
	}
	m.status = statusapi.New(m.snapshot(), m.broker)
	return m, nil
}

// restoreSnapshot folds persisted category stats back into cats.
func restoreSnapshot(store storage.Store, cats *category.Registry) error {
	snaps, err := store.LoadCategoryStats()
	if err != nil {
		return fmt.Errorf("manager: restore category stats: %w", err)
	}
	for _, s := range snaps {
		c := cats.GetOrCreate(s.Name)
		c.Mode = category.AllocationMode(s.Mode)
		c.SlowWorkerMultiplier = s.SlowWorkerMultiplier
		c.Stats.TasksDone = s.TasksDone
		c.Stats.TasksFailed = s.TasksFailed
		c.Stats.ExecuteTime = time.Duration(s.ExecuteTimeUsec) * time.Microsecond
		c.Stats.SendTime = time.Duration(s.SendTimeUsec) * time.Microsecond
		c.Stats.ReceiveTime = time.Duration(s.ReceiveTimeUsec) * time.Microsecond
		c.Stats.BytesSent = s.BytesSent
		c.Stats.BytesRecv = s.BytesRecv
	}
	return nil
}

// restoreBlocklist folds persisted blocklist entries back into bl.
func restoreBlocklist(store storage.Store, bl *blocklist.Blocklist) error {
	snaps, err := store.LoadBlocklist()
	if err != nil {
		return fmt.Errorf("manager: restore blocklist: %w", err)
	}
	now := time.Now()
	for _, s := range snaps {
		if !s.Blocked {
			continue
		}
		if s.Indefinite {
			bl.Block(s.Hostname, 0, now)
			continue
		}
		if remaining := time.Until(time.Unix(0, s.ReleaseAtUnixNano)); remaining > 0 {
			bl.Block(s.Hostname, remaining, now)
		}
	}
	return nil
}

func (m *Manager) snapshot() statusapi.Snapshot {
	return statusapi.Snapshot{
		QueueStatus:     func() interface{} { return m.queueStatus() },
		TaskStatus:      func() interface{} { return m.taskStatusList() },
		WorkerStatus:    func() interface{} { return m.workers.All() },
		ResourcesStatus: func() interface{} { return m.workers.Totals() },
		WableStatus:     func() interface{} { return m.workers.SummarizeWorkers() },
	}
}

func (m *Manager) queueStatus() interface{} {
	counts := m.queue.CountsByState()
	return struct {
		WorkersConnected int
		TasksWaiting     int
		TasksRunning     int
		TasksWithResults int
		TasksDone        int
		TasksFailed      int
		TasksCancelled   int
	}{
		WorkersConnected: m.workers.Len(),
		TasksWaiting:     counts[types.TaskReady],
		TasksRunning:     counts[types.TaskRunning],
		TasksWithResults: counts[types.TaskWaitingRetrieval],
		TasksDone:        counts[types.TaskDone],
		TasksFailed:      int(atomic.LoadInt64(&m.tasksFailed)),
		TasksCancelled:   counts[types.TaskCancelled],
	}
}

func (m *Manager) taskStatusList() interface{} {
	tasks := m.queue.All()
	out := make([]*types.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// statusTopicPayload returns the JSON-able payload for one status topic
// name, shared by the HTTP status surface and the worker-port status
// queries.
func (m *Manager) statusTopicPayload(topic string) interface{} {
	switch topic {
	case "queue_status":
		return m.queueStatus()
	case "task_status":
		return m.taskStatusList()
	case "worker_status":
		return m.workers.All()
	case "resources_status":
		return m.workers.Totals()
	case "wable_status":
		return m.workers.SummarizeWorkers()
	default:
		return nil
	}
}

// serveStatusQuery answers a status-query connection on the worker port:
// either a bare topic verb (`queue_status` etc., answered with one JSON
// line) or an HTTP/1.1 GET (answered with a minimal HTTP response). The
// connection is closed by the caller after this returns, per spec.md
// section 4.2/6. Runs on the connection's reader goroutine, which is safe
// because every collaborator it touches (queue, workers) locks itself.
func (m *Manager) serveStatusQuery(c *protocol.Conn, ev protocol.WorkerEvent) {
	if ev.Kind == protocol.EventStatusQuery {
		payload, err := json.Marshal(m.statusTopicPayload(ev.StatusTopic))
		if err != nil {
			return
		}
		_ = c.WriteLine(string(payload), m.tune.ShortTimeout)
		return
	}

	topic := strings.TrimPrefix(ev.HTTPPath, "/")
	if topic == "" {
		body := "<html><body><ul>" +
			"<li><a href=\"/queue_status\">queue_status</a></li>" +
			"<li><a href=\"/task_status\">task_status</a></li>" +
			"<li><a href=\"/worker_status\">worker_status</a></li>" +
			"<li><a href=\"/resources_status\">resources_status</a></li>" +
			"<li><a href=\"/wable_status\">wable_status</a></li>" +
			"</ul></body></html>"
		m.writeHTTPResponse(c, "200 OK", "text/html", []byte(body))
		return
	}
	payload := m.statusTopicPayload(topic)
	if payload == nil {
		m.writeHTTPResponse(c, "404 Not Found", "text/plain", []byte("unknown status topic\n"))
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	m.writeHTTPResponse(c, "200 OK", "application/json", body)
}

func (m *Manager) writeHTTPResponse(c *protocol.Conn, status, contentType string, body []byte) {
	head := fmt.Sprintf("HTTP/1.1 %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r", status, contentType, len(body))
	if err := c.WriteLine(head, m.tune.ShortTimeout); err != nil {
		return
	}
	_ = c.WriteBytes(body, m.tune.ShortTimeout)
}

// StatsSnapshot implements metrics.StatsSource: one sample of the
// manager's worker/task/capacity/transfer state for the periodic gauge
// collector. Every collaborator read here locks itself, so this is safe
// to call from the collector's goroutine.
func (m *Manager) StatsSnapshot() metrics.StatsSnapshot {
	var idle, busy, draining, blocked int
	for _, w := range m.workers.All() {
		if !w.HandshakeComplete {
			continue
		}
		switch {
		case w.Draining:
			draining++
		case w.SlowAlarm:
			blocked++
		case w.Idle():
			idle++
		default:
			busy++
		}
	}

	taskCounts := m.queue.CountsByState()
	tasksByState := make(map[string]int, len(taskCounts))
	for state, n := range taskCounts {
		tasksByState[string(state)] = n
	}

	workers := m.workers.Len()
	return metrics.StatsSnapshot{
		WorkersConnected: workers,
		WorkersByState: map[string]int{
			"idle": idle, "busy": busy, "draining": draining, "blocked": blocked,
		},
		TasksByState:          tasksByState,
		CapacityWeighted:      m.capacity.Weighted(workers),
		CapacityInstantaneous: m.capacity.Instantaneous(workers),
		TransfersActive:       m.transfers.Len(),
	}
}

// StatusHandler returns the HTTP handler for the worker-facing status
// surface (queue_status, task_status, worker_status, resources_status,
// wable_status, and the bonus /events stream).
func (m *Manager) StatusHandler() http.Handler {
	return m.status.Handler()
}

// Submit assigns the task an id, places it in the ready list, and returns
// the id. Safe to call concurrently with Start's loop goroutine: the
// underlying queue owns its own lock.
func (m *Manager) Submit(t *types.Task) int64 {
	for _, b := range t.Inputs {
		assignCacheName(b)
	}
	for _, b := range t.Outputs {
		assignCacheName(b)
	}
	id := m.queue.Submit(t, time.Now())
	atomic.AddInt64(&m.tasksSubmitted, 1)
	metrics.TasksSubmittedTotal.Inc()
	return id
}

// assignCacheName fills in a file binding's content-addressed cache-name
// when the caller did not already set one, per spec.md section 3: a hash
// of (kind, origin, size), mirroring the "file-<hash>" names vine_file
// objects get in vine_manager.c. Mini-task sub-inputs are named the same
// way so the planner can resolve them against worker caches.
func assignCacheName(b *types.FileBinding) {
	for _, sub := range b.SubInputs {
		assignCacheName(sub)
	}
	if b.CacheName != "" {
		return
	}
	h := sha256.Sum256([]byte(string(b.Kind) + "\x00" + b.Origin + "\x00" + strconv.FormatInt(b.Size, 10)))
	b.CacheName = "file-" + hex.EncodeToString(h[:])[:16]
}

// SetIDFloor raises the floor for subsequently assigned task ids.
func (m *Manager) SetIDFloor(n int64) { m.queue.SetIDFloor(n) }

// Empty reports whether every submitted task has reached a terminal state.
func (m *Manager) Empty() bool { return m.queue.Empty() }

// Hungry reports whether the manager could productively accept more ready
// tasks: the ready backlog is below the configured minimum and the
// connected fleet still has spare cores.
func (m *Manager) Hungry() bool {
	counts := m.queue.CountsByState()
	if counts[types.TaskReady] >= m.tune.HungryMinimum {
		return false
	}
	totals := m.workers.Totals()
	return totals.Cores.Total == 0 || totals.Cores.InUse < totals.Cores.Total
}

// Wait blocks until a retrieved task matches the tag/id filter (empty tag
// and zero id mean "any"), or timeout elapses. A negative timeout waits
// forever. Returns nil on timeout.
func (m *Manager) Wait(tag string, id int64, timeout time.Duration) *types.Task {
	forever := timeout < 0
	deadline := time.Now().Add(timeout)

	for {
		if t := m.queue.Wait(tag, id); t != nil {
			return t
		}
		if !forever && !time.Now().Before(deadline) {
			return nil
		}

		wait := 200 * time.Millisecond
		if !forever {
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-m.retrieved:
		case <-time.After(wait):
		}
	}
}

// CancelByID cancels one task by id, returning it (or nil if it does not
// exist or was already terminal).
func (m *Manager) CancelByID(id int64) *types.Task {
	reply := make(chan []*types.Task, 1)
	select {
	case m.cancelCh <- cancelRequest{byID: &id, result: reply}:
	case <-time.After(m.tune.ShortTimeout):
		return nil
	}
	tasks := <-reply
	if len(tasks) == 0 {
		return nil
	}
	return tasks[0]
}

// CancelByTag cancels every non-terminal task with the given tag.
func (m *Manager) CancelByTag(tag string) []*types.Task {
	reply := make(chan []*types.Task, 1)
	select {
	case m.cancelCh <- cancelRequest{byTag: &tag, result: reply}:
	case <-time.After(m.tune.ShortTimeout):
		return nil
	}
	return <-reply
}

// Listen opens the manager's TCP accept socket. When a LowPort/HighPort
// range is configured and BindAddr leaves the port unspecified, each port
// in the range is tried in order until one binds.
func (m *Manager) Listen() error {
	if m.cfg.LowPort > 0 && m.cfg.HighPort >= m.cfg.LowPort && strings.HasSuffix(m.cfg.BindAddr, ":0") {
		host := strings.TrimSuffix(m.cfg.BindAddr, ":0")
		var lastErr error
		for port := m.cfg.LowPort; port <= m.cfg.HighPort; port++ {
			l, err := net.Listen("tcp", host+":"+strconv.Itoa(port))
			if err == nil {
				m.listener = l
				return nil
			}
			lastErr = err
		}
		return fmt.Errorf("manager: no free port in %d-%d: %w", m.cfg.LowPort, m.cfg.HighPort, lastErr)
	}

	l, err := net.Listen("tcp", m.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("manager: listen on %s: %w", m.cfg.BindAddr, err)
	}
	m.listener = l
	return nil
}

// BoundAddr returns the listener's actual address, useful when BindAddr
// used port 0.
func (m *Manager) BoundAddr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// boundPort returns the listener's actual port, or 0 before Listen.
func (m *Manager) boundPort() int {
	addr := m.BoundAddr()
	if addr == nil {
		return 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Start opens the listener if not already open, and launches the accept
// loop and the single main-loop goroutine in the background. It returns
// once both are running; use Shutdown to stop them.
func (m *Manager) Start(ctx context.Context) error {
	if m.listener == nil {
		if err := m.Listen(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.runCtx = runCtx
	m.cancelRun = cancel

	m.broker.Start()
	m.txLog.Manager(time.Now(), "started", m.cfg.BindAddr)

	metrics.RegisterComponent("protocol", true, "")
	metrics.RegisterComponent("scheduler", true, "")
	metrics.RegisterComponent("catalog", true, "")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptLoop(runCtx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runLoop(runCtx)
	}()

	return nil
}

// Shutdown stops the accept and main loops, closes every worker
// connection, flushes durable state, and closes the store.
func (m *Manager) Shutdown() error {
	metrics.UpdateComponent("protocol", false, "manager shutting down")
	metrics.UpdateComponent("scheduler", false, "manager shutting down")

	if m.cancelRun != nil {
		m.cancelRun()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	m.conns.Range(func(_, v interface{}) bool {
		_ = v.(*protocol.Conn).Close()
		return true
	})
	m.wg.Wait()

	m.flushSnapshot()
	m.broker.Stop()
	m.txLog.Manager(time.Now(), "stopped", "")
	_ = m.txLog.file.Close()

	return m.store.Close()
}

func (m *Manager) flushSnapshot() {
	for _, c := range m.categories.All() {
		snap := storage.CategorySnapshot{
			Name:                 c.Name,
			Mode:                 string(c.Mode),
			SlowWorkerMultiplier: c.SlowWorkerMultiplier,
			TasksDone:            c.Stats.TasksDone,
			TasksFailed:          c.Stats.TasksFailed,
			ExecuteTimeUsec:      c.Stats.ExecuteTime.Microseconds(),
			SendTimeUsec:         c.Stats.SendTime.Microseconds(),
			ReceiveTimeUsec:      c.Stats.ReceiveTime.Microseconds(),
			BytesSent:            c.Stats.BytesSent,
			BytesRecv:            c.Stats.BytesRecv,
		}
		if err := m.store.SaveCategoryStats(snap); err != nil {
			m.logger.Warn().Err(err).Str("category", c.Name).Msg("category snapshot failed")
		}
	}

	var blSnaps []storage.BlocklistSnapshot
	for _, host := range m.blocklist.BlockedHostnames() {
		e := m.blocklist.Get(host)
		if e == nil {
			continue
		}
		blSnaps = append(blSnaps, storage.BlocklistSnapshot{
			Hostname:          e.Hostname,
			Blocked:           e.Blocked,
			TimesBlocked:      e.TimesBlocked,
			ReleaseAtUnixNano: e.ReleaseAt.UnixNano(),
			Indefinite:        e.Indefinite,
		})
	}
	if err := m.store.SaveBlocklist(blSnaps); err != nil {
		m.logger.Warn().Err(err).Msg("blocklist snapshot failed")
	}
}
