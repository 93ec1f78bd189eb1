package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"scanflow/internal/domain"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type jobUpdate struct {
	Type string      `json:"type"`
	Job  *domain.Job `json:"job"`
}

// watcher streams snapshots of one job to a websocket peer until the job
// reaches a terminal status or the peer goes away.
type watcher struct {
	ws      *websocket.Conn
	updates <-chan *domain.Job
	cancel  func()
}

// watchJob upgrades to a websocket and sends the current job followed by
// every update published for it.
func (s *Server) watchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	updates, unsubscribe := s.bus.Subscribe(id)
	j, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		unsubscribe()
		writeError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		log.Warn().Err(err).Str("job_id", id).Msg("websocket upgrade failed")
		return
	}
	c := &watcher{ws: ws, updates: updates, cancel: unsubscribe}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readPump()
	}()
	c.writePump(j)
	_ = ws.Close()
	<-done
}

// readPump discards peer messages and notices when the peer leaves.
func (c *watcher) readPump() {
	defer c.cancel()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("watch connection closed")
			}
			return
		}
	}
}

func (c *watcher) write(mt int, payload []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

func (c *watcher) send(j *domain.Job) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(jobUpdate{Type: "JOB_UPDATE", Job: j})
}

func (c *watcher) closeWith(status domain.JobStatus) {
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(status)))
}

func (c *watcher) writePump(first *domain.Job) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := c.send(first); err != nil {
		return
	}
	if first.Status.Terminal() {
		c.closeWith(first.Status)
		return
	}
	for {
		select {
		case j, ok := <-c.updates:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.send(j); err != nil {
				return
			}
			if j.Status.Terminal() {
				c.closeWith(j.Status)
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
