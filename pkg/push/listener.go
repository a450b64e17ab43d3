package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Event names emitted by the backend push channel.
const (
	EventReceiveMessage         = "receive_message"
	EventNewMessageNotification = "new_message_notification"
	EventUserTyping             = "user_typing"
	EventUserOnline             = "user_online"
	EventUserOffline            = "user_offline"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	maxBackoff   = 30 * time.Second
)

// Event is one decoded push-channel frame. Payload stays raw; message
// payloads are decoded at the merge boundary so pushed messages take the
// exact same normalization path as polled ones.
type Event struct {
	Type           string          `json:"event"`
	ConversationID string          `json:"conversation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes decoded push events.
type Handler func(Event)

// Listener keeps a websocket connection to the backend push channel and
// feeds decoded events to its handler, reconnecting with backoff when
// the connection drops. Push is best-effort: the poll loop remains the
// safety net, so a lost connection is logged, never fatal.
type Listener struct {
	url     string
	token   string
	handler Handler
	dialer  *websocket.Dialer
	backoff time.Duration
	logger  interface {
		Printf(string, ...interface{})
	}
}

// NewListener creates a listener for the given push channel URL.
func NewListener(url, token string, handler Handler) *Listener {
	return &Listener{
		url:     url,
		token:   token,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		backoff: time.Second,
		logger:  log.New(log.Writer(), "[push] ", log.LstdFlags),
	}
}

// Run connects and reads events until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.backoff
	for {
		connected, err := l.readOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = l.backoff
		}
		l.logger.Printf("push channel down: %v; reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// readOnce dials and reads until the connection fails or ctx ends.
// Returns whether a connection was established at all.
func (l *Listener) readOnce(ctx context.Context) (bool, error) {
	header := http.Header{}
	if l.token != "" {
		header.Set("Authorization", "Bearer "+l.token)
	}

	conn, _, err := l.dialer.DialContext(ctx, l.url, header)
	if err != nil {
		return false, fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go l.keepAlive(ctx, conn, done)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, fmt.Errorf("read push event: %w", err)
		}
		if ev.Type == "" {
			continue
		}
		l.handler(ev)
	}
}

// keepAlive pings the backend and tears the connection down on ctx
// cancellation so the read loop unblocks.
func (l *Listener) keepAlive(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.Close()
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}
