package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatsync/pkg/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to localhost; the CORS layer handles origins.
		return true
	},
}

// wsClient is one connected UI view (dashboard tab, chat widget).
type wsClient struct {
	conn *websocket.Conn
	send chan session.Event
	done chan struct{}
}

// HandleWebSocket godoc
// @Summary Event stream
// @Description Streams store-change, typing and presence events to the UI
// @Tags events
// @Router /ws [get]
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Printf("websocket upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan session.Event, 32),
		done: make(chan struct{}),
	}

	cancel := h.session.SubscribeEvents(func(ev session.Event) {
		select {
		case client.send <- ev:
		case <-client.done:
		default:
			// A stalled view drops events; the next poll or fetch
			// resynchronizes it from the store.
		}
	})

	go h.readLoop(client, cancel)
	go h.writeLoop(client)
}

// readLoop drains the connection until the client goes away. UI clients
// send nothing meaningful; reads only detect the close.
func (h *Handler) readLoop(client *wsClient, cancel func()) {
	defer func() {
		cancel()
		close(client.done)
		client.conn.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writeLoop(client *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-client.done:
			return

		case ev := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteJSON(ev); err != nil {
				h.logger.Printf("event write error: %v", err)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
