// Package websocket exposes the frame transport over a local websocket
// upgrade on /api/ws.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/frames"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Socket adapts a gorilla websocket connection to frames.Socket. Each
// websocket message is one frame; the format byte travels as the first
// payload byte.
type Socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewSocket wraps an upgraded connection and installs the read
// deadlines and pong handler.
func NewSocket(conn *websocket.Conn) *Socket {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return &Socket{conn: conn}
}

// ReadFrame returns the next whole message.
func (s *Socket) ReadFrame() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

// WriteFrame sends one message as a binary websocket frame.
func (s *Socket) WriteFrame(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a close frame with the given code and closes the socket.
func (s *Socket) Close(code int, reason string) error {
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// ping keeps the connection alive until done closes.
func (s *Socket) ping(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Handler upgrades HTTP requests and runs one frame connection per
// socket, tunneled into the shared API handler.
type Handler struct {
	upgrader websocket.Upgrader
	api      http.Handler
	bus      *bus.Bus
	opts     frames.Options
	logger   *logger.Logger
}

// NewHandler creates the /api/ws handler.
func NewHandler(api http.Handler, b *bus.Bus, opts frames.Options, log *logger.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The server binds locally; cross-origin browser pages are the
			// operator's own.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		api:    api,
		bus:    b,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// Handle is the gin route for GET /api/ws.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sock := NewSocket(conn)
	done := make(chan struct{})
	go sock.ping(done)

	// Tunneled requests inherit the credential that passed the upgrade.
	api := h.api
	if cookie, err := c.Request.Cookie(auth.CookieName); err == nil {
		api = auth.InjectToken(h.api, cookie.Value)
	}

	fc := frames.NewConn(sock, api, h.bus, h.opts, h.logger)
	err = fc.Run(c.Request.Context())
	close(done)
	conn.Close()

	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		h.logger.Debug("Frame connection ended", zap.Error(err))
	}
}
