package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pyde1/pyde1-go/internal/bus"
)

// wsKinds is the subset of bus Kinds forwarded to UI clients over the
// websocket fan-out: the high-rate telemetry plus every lifecycle/
// notification kind a dashboard needs to stay in sync, in addition to
// the MQTT path.
var wsKinds = []bus.Kind{
	bus.KindStateUpdate,
	bus.KindShotSample,
	bus.KindWeightAndFlow,
	bus.KindWaterLevel,
	bus.KindSequencerGate,
	bus.KindStopAt,
	bus.KindScaleTare,
	bus.KindAutoTare,
	bus.KindScaleButton,
	bus.KindConnectivity,
	bus.KindDeviceAvailability,
	bus.KindDeviceChanged,
	bus.KindBlueDotUpdate,
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsPongWait   = 2 * wsPingPeriod
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected UI client's outbound fan-out queue.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// wsHub broadcasts bus envelopes to every connected websocket client:
// a mutex-guarded client set, a buffered per-client send channel, and
// a reader/writer goroutine pair per connection.
type wsHub struct {
	b      *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

func newWSHub(b *bus.Bus, logger *slog.Logger) *wsHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsHub{b: b, logger: logger, clients: make(map[*wsClient]struct{})}
}

// run subscribes to every forwarded Kind and broadcasts until ctx is
// cancelled.
func (h *wsHub) run(ctx context.Context) {
	if h.b == nil {
		<-ctx.Done()
		return
	}

	type subscription struct {
		ch    <-chan bus.Envelope
		unsub func()
	}
	subs := make([]subscription, 0, len(wsKinds))
	for _, kind := range wsKinds {
		ch, unsub := h.b.Subscribe(kind, 64)
		subs = append(subs, subscription{ch: ch, unsub: unsub})
	}
	defer func() {
		for _, s := range subs {
			s.unsub()
		}
	}()

	cases := make(chan bus.Envelope, 64*len(subs))
	for _, s := range subs {
		go func(ch <-chan bus.Envelope) {
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-ch:
					if !ok {
						return
					}
					select {
					case cases <- env:
					case <-ctx.Done():
						return
					}
				}
			}
		}(s.ch)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-cases:
			h.broadcast(env)
		}
	}
}

func (h *wsHub) broadcast(env bus.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("httpapi: failed to marshal envelope for ws fan-out", "kind", env.Kind, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("httpapi: ws client send queue full, dropping client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// serve upgrades the request to a websocket and registers the client
// for broadcast until it disconnects.
func (h *wsHub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("httpapi: ws upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.readPump(client)
	go h.writePump(client)
}

// readPump drains and discards inbound frames (this fan-out is
// read-only from the UI's perspective); its only job is to detect
// disconnect and keep the read deadline alive via pong.
func (h *wsHub) readPump(c *wsClient) {
	defer h.deregister(c)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *wsHub) deregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
