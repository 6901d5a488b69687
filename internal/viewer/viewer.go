// Package viewer is the interactive preview sink. Composites are rendered to
// JPEG panels and pushed to browser clients over WebSocket. Clients pick a
// panel by sending its name as a text message.
package viewer

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Brownie44l1/segcam/internal/config"
	"github.com/Brownie44l1/segcam/internal/frame"
	"github.com/Brownie44l1/segcam/internal/mailbox"
	"github.com/Brownie44l1/segcam/internal/sink"
)

const writeWait = 2 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Viewer struct {
	renderer Renderer
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  *frame.Composite
	closed  bool
}

type client struct {
	conn  *websocket.Conn
	send  *mailbox.Slot[[]byte]
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	panel Panel
}

func (c *client) Panel() Panel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.panel
}

func (c *client) setPanel(p Panel) {
	c.mu.Lock()
	c.panel = p
	c.mu.Unlock()
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func New(cfg config.ViewerConfig, filter frame.Filter, logger *slog.Logger) *Viewer {
	return &Viewer{
		renderer: Renderer{Scale: cfg.Scale, Filter: filter, Quality: cfg.JPEGQuality},
		log:      logger,
		now:      time.Now,
		clients:  make(map[*client]struct{}),
	}
}

var _ sink.Sink = (*Viewer)(nil)

func (v *Viewer) Name() string { return "viewer" }

// Consume renders each panel requested by at least one client once and
// queues it for those clients. A client that is still sending the previous
// frame gets the newer one instead.
func (v *Viewer) Consume(c frame.Composite) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return sink.ErrSinkClosed
	}
	v.latest = &c
	byPanel := make(map[Panel][]*client)
	for cl := range v.clients {
		p := cl.Panel()
		byPanel[p] = append(byPanel[p], cl)
	}
	v.mu.Unlock()

	now := v.now()
	for p, clients := range byPanel {
		img, err := v.renderer.Encode(c, p, now)
		if err != nil {
			return err
		}
		for _, cl := range clients {
			cl.send.Put(img)
		}
	}
	return nil
}

// Snapshot returns the latest composite rendered as a JPEG panel.
func (v *Viewer) Snapshot(p Panel) ([]byte, bool, error) {
	v.mu.Lock()
	latest := v.latest
	v.mu.Unlock()
	if latest == nil {
		return nil, false, nil
	}
	img, err := v.renderer.Encode(*latest, p, v.now())
	return img, true, err
}

// Clients reports the number of connected preview clients.
func (v *Viewer) Clients() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.clients)
}

// ServeHTTP upgrades the request to a WebSocket preview stream.
func (v *Viewer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	panel := PanelAll
	if q := r.URL.Query().Get("panel"); q != "" {
		p, err := ParsePanel(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		panel = p
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{conn: conn, send: mailbox.New[[]byte](), done: make(chan struct{}), panel: panel}
	if !v.register(cl) {
		cl.close()
		return
	}
	v.log.Info("preview client connected", "remote", conn.RemoteAddr().String(), "panel", panel)

	go v.writeLoop(cl)
	v.readLoop(cl)

	v.unregister(cl)
	v.log.Info("preview client disconnected", "remote", conn.RemoteAddr().String())
}

func (v *Viewer) register(cl *client) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.clients[cl] = struct{}{}
	return true
}

func (v *Viewer) unregister(cl *client) {
	v.mu.Lock()
	delete(v.clients, cl)
	v.mu.Unlock()
	cl.close()
}

func (v *Viewer) readLoop(cl *client) {
	for {
		kind, msg, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		p, err := ParsePanel(string(msg))
		if err != nil {
			v.log.Debug("ignoring panel request", "error", err)
			continue
		}
		cl.setPanel(p)
	}
}

func (v *Viewer) writeLoop(cl *client) {
	defer cl.close()
	for {
		var img []byte
		select {
		case <-cl.done:
			return
		case img = <-cl.send.C():
			cl.send.Took()
		}

		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.BinaryMessage, img); err != nil {
			v.log.Debug("preview write failed", "error", err)
			return
		}
	}
}

// Close disconnects every client.
func (v *Viewer) Close() error {
	v.mu.Lock()
	v.closed = true
	clients := v.clients
	v.clients = make(map[*client]struct{})
	v.mu.Unlock()

	for cl := range clients {
		cl.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		cl.close()
	}
	return nil
}
