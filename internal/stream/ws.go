package stream

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sentiflow/internal/domain"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may go without answering pings.
	pongWait = 60 * time.Second

	// pingPeriod must be under pongWait so the peer gets a chance to
	// answer before the read deadline fires.
	pingPeriod = (pongWait * 9) / 10
)

// Handler upgrades GET requests to websocket subscriptions.
//
// Query parameters: tickers and resolutions are comma-separated filter
// lists (absent = all), last_event_id resumes from a previous session,
// user_id is an optional client label.
type Handler struct {
	broker   *Broker
	upgrader websocket.Upgrader
	logger   *log.Logger
}

func NewHandler(broker *Broker, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[stream] ", log.LstdFlags)
	}
	return &Handler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newConnID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf[:])
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lastEventID, _ := strconv.ParseUint(q.Get("last_event_id"), 10, 64)
	sub := domain.NewSubscription(
		newConnID(),
		q.Get("user_id"),
		splitList(q.Get("tickers")),
		splitList(q.Get("resolutions")),
		lastEventID,
	)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	client := h.broker.Subscribe(sub)
	go h.writePump(conn, client)
	go h.readPump(conn, client)
}

// writePump owns all writes on the connection: data frames, pings, and
// the final close frame. A slow-consumer disconnect sends close code
// 1013 (try again later) so well-behaved clients reconnect and resume.
func (h *Handler) writePump(conn *websocket.Conn, client *Client) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		conn.Close()
	}()

	for {
		select {
		case env := <-client.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				h.broker.Unsubscribe(client.Subscription.ConnectionID)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.broker.Unsubscribe(client.Subscription.ConnectionID)
				return
			}
		case <-client.Done():
			code := websocket.CloseNormalClosure
			text := ""
			if client.Reason() == CloseSlowConsumer {
				code = websocket.CloseTryAgainLater
				text = "subscriber too slow, reconnect"
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
			return
		}
	}
}

// readPump enforces the pong deadline and detects client disconnects.
// Inbound payloads are ignored: the subscription is fixed at connect
// time and changes mean a reconnect.
func (h *Handler) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		h.broker.Unsubscribe(client.Subscription.ConnectionID)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
