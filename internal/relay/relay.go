// Package relay maintains the outbound connection to the rendezvous
// service. The server dials out, proves knowledge of the password to the
// connecting peer with the zero-knowledge exchange, then carries the
// frame protocol inside authenticated-encryption envelopes.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/frames"
)

// Reconnect backoff bounds.
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second

	handshakeTimeout = 30 * time.Second
)

// ErrAuthDisabled is returned when the relay is configured but password
// auth is off; an unauthenticated relay would expose the server.
var ErrAuthDisabled = errors.New("relay requires password auth to be enabled")

// wsConn is the subset of the websocket connection the relay uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Client dials the relay and serves one frame connection per peer
// session, reconnecting with exponential backoff.
type Client struct {
	url    string
	store  *auth.Store
	tokens *auth.TokenIssuer
	api    http.Handler
	bus    *bus.Bus
	opts   frames.Options
	logger *logger.Logger
}

// NewClient creates a relay client. url is the rendezvous endpoint.
func NewClient(url string, store *auth.Store, tokens *auth.TokenIssuer, api http.Handler, b *bus.Bus, opts frames.Options, log *logger.Logger) *Client {
	return &Client{
		url:    url,
		store:  store,
		tokens: tokens,
		api:    api,
		bus:    b,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "relay")),
	}
}

// Run dials and serves until the context ends.
func (c *Client) Run(ctx context.Context) error {
	if !c.store.Enabled() {
		return ErrAuthDisabled
	}

	backoff := minBackoff
	for {
		started := time.Now()
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Relay connection ended", zap.Error(err))

		// A session that lasted a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			backoff = minBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.logger.Info("Relay connected", zap.String("url", c.url))
	return c.serve(ctx, conn)
}

// serve runs the peer handshake and then the frame loop.
func (c *Client) serve(ctx context.Context, conn wsConn) error {
	key, err := c.handshake(conn)
	if err != nil {
		return err
	}

	// The peer proved password knowledge; tunneled requests carry a
	// connection-scoped token past the local auth middleware.
	token, err := c.tokens.Issue()
	if err != nil {
		return err
	}
	defer c.tokens.Revoke(token)

	sock := &envelopeSocket{conn: conn, key: key}
	fc := frames.NewConn(sock, auth.InjectToken(c.api, token), c.bus, c.opts, c.logger)
	return fc.Run(ctx)
}

// handshake drives the server side of the zero-knowledge exchange over
// plaintext JSON messages. Nothing application-level flows before it
// completes.
func (c *Client) handshake(conn wsConn) (*[32]byte, error) {
	hs := auth.NewServerHandshake(c.store)
	for !hs.Done() {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var msg auth.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, auth.ErrHandshakeFailed
		}

		reply, err := hs.Handle(&msg)
		if err != nil {
			// One neutral refusal regardless of cause.
			refusal, _ := json.Marshal(auth.Message{Type: auth.MsgResult, OK: false})
			conn.WriteMessage(websocket.TextMessage, refusal)
			return nil, err
		}
		out, err := json.Marshal(reply)
		if err != nil {
			return nil, err
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return nil, err
		}
	}
	return hs.Key(), nil
}

// envelopeSocket wraps every frame in the authenticated-encryption
// envelope. A frame that fails to open is fatal for the connection.
type envelopeSocket struct {
	conn wsConn
	key  *[32]byte
}

func (s *envelopeSocket) ReadFrame() ([]byte, error) {
	for {
		mt, env, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		inner, err := auth.Open(s.key, env)
		if err != nil {
			s.Close(frames.CloseProtocolError, "decode failure")
			return nil, err
		}
		return inner, nil
	}
}

func (s *envelopeSocket) WriteFrame(data []byte) error {
	env, err := auth.Seal(s.key, data)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, env)
}

func (s *envelopeSocket) Close(code int, reason string) error {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(5*time.Second))
	return s.conn.Close()
}
