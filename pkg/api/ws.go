package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"relay-fleet/pkg/deploy"
	"relay-fleet/pkg/model"
)

const wsWriteTimeout = 5 * time.Second

// WSMessage is the envelope sent to job log subscribers.
type WSMessage struct {
	Type    string      `json:"type"` // snapshot, event
	JobID   string      `json:"jobId"`
	Payload interface{} `json:"payload,omitempty"`
}

type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscriber) send(msg WSMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

// JobHub streams deployment events to websocket subscribers keyed by job id.
type JobHub struct {
	upgrader websocket.Upgrader
	log      *log.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func NewJobHub(logger *log.Logger) *JobHub {
	return &JobHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  logger,
		subs: map[string]map[*subscriber]struct{}{},
	}
}

// Attach subscribes the hub to every event of o.
func (h *JobHub) Attach(o *deploy.Orchestrator) {
	o.OnUpdate(h.Publish)
}

// Serve upgrades the request, sends the job's current state and then streams
// its events until the client goes away.
func (h *JobHub) Serve(w http.ResponseWriter, r *http.Request, job model.Job) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugf("ws upgrade failed job=%s: %v", job.ID, err)
		return
	}
	sub := &subscriber{conn: c}
	h.mu.Lock()
	if h.subs[job.ID] == nil {
		h.subs[job.ID] = map[*subscriber]struct{}{}
	}
	h.subs[job.ID][sub] = struct{}{}
	h.mu.Unlock()
	h.log.Debugf("job log subscriber connected job=%s", job.ID)

	if err := sub.send(WSMessage{Type: "snapshot", JobID: job.ID, Payload: job.Tail(jobLogView)}); err != nil {
		h.remove(job.ID, sub)
		return
	}
	go h.readLoop(job.ID, sub)
}

// Publish fans an event out to the job's subscribers.
func (h *JobHub) Publish(ev deploy.Event) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[ev.JobID]))
	for s := range h.subs[ev.JobID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		if err := s.send(WSMessage{Type: "event", JobID: ev.JobID, Payload: ev}); err != nil {
			go h.remove(ev.JobID, s)
		}
	}
}

// Subscribers reports how many clients follow a job.
func (h *JobHub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// readLoop drains client frames so close messages are noticed.
func (h *JobHub) readLoop(jobID string, s *subscriber) {
	defer h.remove(jobID, s)
	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			return
		}
	}
}

func (h *JobHub) remove(jobID string, s *subscriber) {
	_ = s.conn.Close()
	h.mu.Lock()
	if subs, ok := h.subs[jobID]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.subs, jobID)
		}
	}
	h.mu.Unlock()
}
