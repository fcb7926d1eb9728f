package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/comfylb/balancer/eventhub"
	"github.com/comfylb/balancer/events"
)

const (
	// wsKeepAliveInterval matches the teacher's Jellyfin keepalive cadence;
	// ComfyUI and management clients alike tolerate a plain ping frame at
	// this rate.
	wsKeepAliveInterval = 10 * time.Second
	// wsReadDeadline bounds how long a connection may sit silent before the
	// balancer considers it dead and closes it.
	wsReadDeadline = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	// The balancer has no client auth of its own (spec.md §1 Non-goals);
	// origin checking is left to whatever sits in front of it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ManagementWS handles the admin WebSocket channel described in spec.md §6:
// every subscriber receives every tagged {type, data} event published on
// bus — backend_update, task_update, and the coalesced stats_update.
// events.QueueUpdate is defined but nothing publishes it. It is distinct
// from the proxied ComfyUI client WebSocket.
func ManagementWS(bus *events.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		ch, unsubscribe := bus.Subscribe()
		defer unsubscribe()

		readErr := watchForClose(conn)

		ticker := time.NewTicker(wsKeepAliveInterval)
		defer ticker.Stop()
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-readErr:
				return
			}
		}
	}
}

// ClientWS handles the proxy facade's WS /ws endpoint: it registers a
// downstream subscriber with the Event Hub keyed by the clientId query
// parameter, per spec.md §4.9, optionally filtered to a single promptId.
// A subscriber the Hub drops as a slow consumer sees its channel close,
// which this handler turns into a close frame carrying the slow_consumer
// reason, per spec.md §4.7.
func ClientWS(hub *eventhub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.Query("clientId")
		if clientID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "clientId query parameter is required"})
			return
		}
		promptFilter := c.Query("promptId")

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		send, unregister := hub.Register(clientID, promptFilter)
		defer unregister()

		readErr := watchForClose(conn)

		ticker := time.NewTicker(wsKeepAliveInterval)
		defer ticker.Stop()
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		for {
			select {
			case payload, ok := <-send:
				if !ok {
					_ = conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(4000, "slow_consumer"),
						time.Now().Add(time.Second),
					)
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-readErr:
				return
			}
		}
	}
}

// watchForClose runs conn's read loop in the background purely to detect
// client-initiated close/errors (downstream WebSockets here are write-only
// from the balancer's side) and resets the read deadline on every frame:
// each data message, and each pong answering a keepalive ping.
func watchForClose(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})
	go func() {
		defer close(done)
		for {
			if err := conn.SetReadDeadline(time.Now().Add(wsReadDeadline)); err != nil {
				return
			}
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseNormalClosure,
					websocket.CloseNoStatusReceived,
				) {
					slog.Debug("ws: unexpected close", "error", err)
				}
				return
			}
		}
	}()
	return done
}
