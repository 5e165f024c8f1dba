// Package statusapi serves the worker-facing status HTTP surface of
// spec.md section 4.2/6: GET / and the queue_status/task_status/
// worker_status/resources_status/wable_status JSON topics, each closing
// the connection after the response, plus a live event stream that is an
// operational enrichment beyond spec.md (grounded on
// _examples/TheEntropyCollective-noisefs, which pairs gorilla/mux routes
// with a gorilla/websocket broadcast in the same style).
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/vinequeue/manager/pkg/events"
	"github.com/vinequeue/manager/pkg/log"
)

// Snapshot is the status-source abstraction the manager supplies: a
// function returning the current JSON-able payload for each topic. This
// keeps statusapi decoupled from pkg/manager (which otherwise would
// import this package and create a cycle).
type Snapshot struct {
	QueueStatus     func() interface{}
	TaskStatus      func() interface{}
	WorkerStatus    func() interface{}
	ResourcesStatus func() interface{}
	WableStatus     func() interface{}
}

// Server serves the status HTTP surface.
type Server struct {
	router  *mux.Router
	snap    Snapshot
	broker  *events.Broker
	upgrade websocket.Upgrader
}

// New builds a status server backed by snap and, optionally, broker for
// the /events stream (nil disables it).
func New(snap Snapshot, broker *events.Broker) *Server {
	s := &Server{
		router: mux.NewRouter(),
		snap:   snap,
		broker: broker,
		upgrade: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/queue_status", s.handleTopic(s.snap.QueueStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/task_status", s.handleTopic(s.snap.TaskStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/worker_status", s.handleTopic(s.snap.WorkerStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/resources_status", s.handleTopic(s.snap.ResourcesStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/wable_status", s.handleTopic(s.snap.WableStatus)).Methods(http.MethodGet)
	if s.broker != nil {
		s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	}
}

// Handler returns the composed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

const indexHTML = `<!DOCTYPE html>
<html><head><title>vine manager</title></head><body>
<h1>vine manager status</h1>
<ul>
<li><a href="/queue_status">/queue_status</a></li>
<li><a href="/task_status">/task_status</a></li>
<li><a href="/worker_status">/worker_status</a></li>
<li><a href="/resources_status">/resources_status</a></li>
<li><a href="/wable_status">/wable_status</a></li>
</ul>
</body></html>`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Connection", "close")
	_, _ = w.Write([]byte(indexHTML))
	closeConn(w)
}

func (s *Server) handleTopic(fn func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Connection", "close")
		if fn == nil {
			_ = json.NewEncoder(w).Encode([]struct{}{})
			closeConn(w)
			return
		}
		_ = json.NewEncoder(w).Encode(fn())
		closeConn(w)
	}
}

// closeConn flushes the response. The handlers set a Connection: close
// header beforehand, so net/http closes the connection after the
// response, matching spec.md section 6.
func closeConn(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("statusapi")
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	logger := log.WithComponent("statusapi")
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-time.After(30 * time.Second):
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug().Err(err).Msg("events ping failed, closing")
				return
			}
		}
	}
}
