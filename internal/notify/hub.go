// Package notify pushes pairing codes and connection status to browsers
// watching the scan page.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-ai-bot/internal/metrics"
	"whatsapp-ai-bot/internal/whatsapp"
)

const (
	EventQR       = "qr"
	EventQRStatus = "qrstatus"
	EventLog      = "log"

	ConnectedIcon = "./assets/check.svg"
	LoadingIcon   = "./assets/loader.svg"

	writeWait = 10 * time.Second
)

// Frame is one message on the push channel.
type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// Source reports the current connection state for replay to new subscribers.
type Source interface {
	Snapshot() whatsapp.Snapshot
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans frames out to every connected websocket. It implements
// whatsapp.Notifier.
type Hub struct {
	source   Source
	log      waLog.Logger
	terminal io.Writer
	upgrader websocket.Upgrader

	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once
}

type HubOptions struct {
	// Terminal, when set, receives every QR code rendered as text.
	Terminal io.Writer
	// AllowedOrigins limits websocket origins; empty allows any.
	AllowedOrigins []string
	Log            waLog.Logger
}

func NewHub(source Source, opts HubOptions) *Hub {
	h := &Hub{
		source:     source,
		log:        opts.Log,
		terminal:   opts.Terminal,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	if h.log == nil {
		h.log = waLog.Noop
	}
	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = true
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || allowed[origin]
		},
	}
	return h
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			metrics.PushSubscribers.Set(0)
			return nil

		case c := <-h.register:
			for _, frame := range h.replay() {
				c.send <- frame
			}
			h.clients[c] = struct{}{}
			metrics.PushSubscribers.Set(float64(len(h.clients)))
			h.log.Debugf("Push subscriber connected (%d total)", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			metrics.PushSubscribers.Set(float64(len(h.clients)))

		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// slow reader; drop it rather than stall everyone
					close(c.send)
					delete(h.clients, c)
				}
			}
			metrics.PushSubscribers.Set(float64(len(h.clients)))
		}
	}
}

// replay builds the frames describing the current phase.
func (h *Hub) replay() [][]byte {
	if h.source == nil {
		return nil
	}
	snap := h.source.Snapshot()
	switch snap.Phase {
	case whatsapp.PhaseAwaitingScan:
		if snap.QR != "" {
			if frames, err := h.qrFrames(snap.QR); err == nil {
				return frames
			}
		}
	case whatsapp.PhaseConnected:
		return h.connectedFrames(snap.JID)
	}
	return [][]byte{
		encode(EventQRStatus, LoadingIcon),
		encode(EventLog, "Waiting for WhatsApp connection..."),
	}
}

// QR implements whatsapp.Notifier.
func (h *Hub) QR(code string) {
	if h.terminal != nil {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, h.terminal)
	}
	frames, err := h.qrFrames(code)
	if err != nil {
		h.log.Errorf("Failed to render QR code: %v", err)
		return
	}
	h.publish(frames...)
}

// Connected implements whatsapp.Notifier.
func (h *Hub) Connected(jid string) {
	h.publish(h.connectedFrames(jid)...)
}

// Disconnected implements whatsapp.Notifier.
func (h *Hub) Disconnected(reason string) {
	h.publish(encode(EventQRStatus, LoadingIcon), encode(EventLog, reason))
}

// Log pushes a free-form status line.
func (h *Hub) Log(line string) {
	h.publish(encode(EventLog, line))
}

func (h *Hub) qrFrames(code string) ([][]byte, error) {
	url, err := QRDataURL(code)
	if err != nil {
		return nil, err
	}
	return [][]byte{
		encode(EventQR, url),
		encode(EventLog, "QR Code received, please scan!"),
	}, nil
}

func (h *Hub) connectedFrames(jid string) [][]byte {
	line := "WhatsApp connected!"
	if jid != "" {
		line = fmt.Sprintf("WhatsApp connected as %s", jid)
	}
	return [][]byte{encode(EventQRStatus, ConnectedIcon), encode(EventLog, line)}
}

func (h *Hub) publish(frames ...[]byte) {
	for _, f := range frames {
		select {
		case h.broadcast <- f:
		case <-h.done:
			return
		default:
			h.log.Warnf("Push channel backlog full, dropping frame")
		}
	}
}

// QRDataURL renders code as a PNG data URL.
func QRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return dataurl.New(png, "image/png").String(), nil
}

func encode(event, data string) []byte {
	b, _ := json.Marshal(Frame{Event: event, Data: data})
	return b
}

// ServeHTTP upgrades the request to a websocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("WebSocket upgrade error: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 16)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go h.readPump(c)
}

// readPump only watches for the peer going away.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
