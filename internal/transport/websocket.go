package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jmylchreest/segswarm/internal/observability"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds one frame or payload chunk.
	maxMessageSize = 1 << 20

	receiveBuffer = 64
)

// Upgrader accepts inbound peer websockets. Peers are not browsers, so
// the origin is not checked.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebSocketConn adapts a gorilla websocket to Conn. A read pump delivers
// binary messages in arrival order and a ping pump keeps the link alive.
type WebSocketConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	messages chan []byte
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// Dial opens a websocket to url.
func Dial(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*WebSocketConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocketConn(ws, logger), nil
}

// Accept upgrades an inbound HTTP request to a peer connection.
func Accept(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (*WebSocketConn, error) {
	ws, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrading peer connection: %w", err)
	}
	return NewWebSocketConn(ws, logger), nil
}

// NewWebSocketConn wraps ws and starts its pumps.
func NewWebSocketConn(ws *websocket.Conn, logger *slog.Logger) *WebSocketConn {
	c := &WebSocketConn{
		conn:     ws,
		logger:   observability.WithComponent(logger, "transport"),
		messages: make(chan []byte, receiveBuffer),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go c.readPump()
	go c.pingPump()
	return c
}

func (c *WebSocketConn) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("peer websocket read error", slog.String("error", err.Error()))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case c.messages <- msg:
		case <-c.stopped:
			return
		}
	}
}

func (c *WebSocketConn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopped:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("failed to send ping", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Send writes msg as one binary websocket message.
func (c *WebSocketConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.stopped:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("writing peer message: %w", err)
	}
	return nil
}

// Receive returns the next binary message.
func (c *WebSocketConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.messages:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-c.messages:
			return msg, nil
		default:
		}
		return nil, ErrClosed
	case <-c.stopped:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and tears down the connection.
func (c *WebSocketConn) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopped)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address.
func (c *WebSocketConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

var (
	_ Conn = (*WebSocketConn)(nil)
	_ Conn = (*pipeEnd)(nil)
)
