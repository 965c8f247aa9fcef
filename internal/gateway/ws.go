package gateway

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/codrawer/internal/config"
	"github.com/haasonsaas/codrawer/internal/ratelimit"
	"github.com/haasonsaas/codrawer/internal/sessions"
)

const (
	closeNormal     = websocket.CloseNormalClosure
	closeGoingAway  = websocket.CloseGoingAway
	closeProtocol   = websocket.CloseProtocolError
	closeTryLater   = websocket.CloseTryAgainLater
	closeMessageBig = websocket.CloseMessageTooBig
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
	errRateLimited    = errors.New("inbound rate exceeded")
	errBinaryFrame    = errors.New("binary frames are not supported")
)

// wsConn adapts a WebSocket to sessions.Conn. Frames are queued on a bounded
// buffer drained by writeLoop; Send never blocks.
type wsConn struct {
	id   string
	conn *websocket.Conn
	cfg  config.ServerConfig

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once

	closeCode  int
	closeText  string
	dropReason atomic.Value
	remoteAddr string
}

var _ sessions.Conn = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn, cfg config.ServerConfig) *wsConn {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.Default().Server.PingInterval
	}
	return &wsConn{
		id:         uuid.NewString(),
		conn:       conn,
		cfg:        cfg,
		send:       make(chan []byte, cfg.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		closeCode:  closeNormal,
		remoteAddr: conn.RemoteAddr().String(),
	}
}

func (c *wsConn) ID() string {
	return c.id
}

// Send queues data for the writer. A full buffer marks the peer as too slow.
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.drop("send_buffer_full")
		return errSendBufferFull
	}
}

// Close asks the writer to send a close frame and tear the socket down.
func (c *wsConn) Close() {
	c.closeWith(closeTryLater, "")
}

func (c *wsConn) closeWith(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
	})
}

func (c *wsConn) drop(reason string) {
	c.dropReason.CompareAndSwap(nil, reason)
}

func (c *wsConn) reason() string {
	if r, ok := c.dropReason.Load().(string); ok {
		return r
	}
	return ""
}

func (c *wsConn) writeLoop() {
	defer close(c.writerDone)
	defer c.conn.Close()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait)) //nolint:errcheck
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.drop("write_error")
				c.closeWith(closeGoingAway, "")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.drop("ping_failed")
				c.closeWith(closeGoingAway, "")
				return
			}
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("session"))
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}

	c := newWSConn(ws, s.config.Server)
	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(closeGoingAway, "server shutting down"),
			time.Now().Add(s.config.Server.WriteWait))
		_ = ws.Close() //nolint:errcheck
		return
	}
	defer s.untrack(c)

	sess, err := s.registry.Join(c, sessionID)
	if err != nil {
		s.logger.Warn("join failed", "session", sessionID, "error", err)
		_ = ws.Close() //nolint:errcheck
		return
	}
	s.metrics.ConnectionOpened()
	s.logger.Info("connection opened", "session", sessionID, "conn", c.id, "remote", c.remoteAddr)

	go c.writeLoop()
	reason := s.readLoop(c, sess)

	s.registry.Leave(c, sess)
	c.closeWith(closeCodeFor(reason), closeTextFor(reason))
	<-c.writerDone

	if reason == "" {
		reason = c.reason()
	}
	s.metrics.ConnectionClosed()
	if reason != "" {
		s.metrics.ConnectionDropped(reason)
	}
	s.logger.Info("connection closed", "session", sessionID, "conn", c.id, "reason", reason)
}

// readLoop feeds inbound frames to the session until the peer goes away or
// misbehaves. It returns the drop reason, or "" for an orderly close.
func (s *Server) readLoop(c *wsConn, sess *sessions.Session) string {
	cfg := s.config.Server
	if cfg.ReadLimitBytes > 0 {
		c.conn.SetReadLimit(cfg.ReadLimitBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	bucket := ratelimit.NewBucket(cfg.InboundRate)
	bad := 0
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return readFailure(err)
		}
		// Any inbound traffic proves the peer is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait)) //nolint:errcheck

		switch {
		case messageType != websocket.TextMessage:
			err = errBinaryFrame
		case !bucket.Allow():
			err = errRateLimited
		default:
			err = sess.Handle(c, data)
		}
		if err == nil {
			bad = 0
			continue
		}
		bad++
		s.logger.Warn("dropped inbound frame",
			"session", sess.ID(),
			"conn", c.id,
			"error", err,
			"consecutive", bad,
		)
		if bad >= cfg.MaxMalformedBurst {
			return "malformed_burst"
		}
	}
}

func readFailure(err error) string {
	if errors.Is(err, websocket.ErrReadLimit) {
		return "read_limit"
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return ""
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "pong_timeout"
	}
	return ""
}

func closeCodeFor(reason string) int {
	switch reason {
	case "malformed_burst":
		return closeProtocol
	case "read_limit":
		return closeMessageBig
	case "":
		return closeNormal
	default:
		return closeGoingAway
	}
}

func closeTextFor(reason string) string {
	if reason == "malformed_burst" {
		return "too many malformed frames"
	}
	return ""
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.handlers.Done()
}
