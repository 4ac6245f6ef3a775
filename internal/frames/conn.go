package frames

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// maxWorkers bounds concurrent request dispatch per connection.
const maxWorkers = 16

// ChannelEvents is the only subscription channel. Params narrow it to a
// session or a set of event kinds.
const ChannelEvents = "events"

// Socket abstracts the byte-stream carrier: a plain websocket locally,
// or an encryption envelope over the relay. ReadFrame returns one whole
// frame including the format byte.
type Socket interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close(code int, reason string) error
}

// SubscribeParams is the params payload for the events channel.
type SubscribeParams struct {
	SessionID string   `json:"sessionId,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
}

// Options configures a connection.
type Options struct {
	UploadDir     string
	MaxUploadSize int64
}

// Conn multiplexes requests, subscriptions and uploads over one socket.
// Request frames tunnel into the same HTTP handler that serves the local
// surface, so both carriers expose identical semantics.
type Conn struct {
	sock    Socket
	handler http.Handler
	bus     *bus.Bus
	uploads *UploadManager
	logger  *logger.Logger

	sem     *semaphore.Weighted
	writeMu sync.Mutex

	mu       sync.Mutex
	inflight map[string]struct{}
	subs     map[string]*connSub
	closed   bool
}

type connSub struct {
	sub  *bus.Subscription
	done chan struct{}
}

// NewConn wraps a socket.
func NewConn(sock Socket, handler http.Handler, b *bus.Bus, opts Options, log *logger.Logger) *Conn {
	return &Conn{
		sock:     sock,
		handler:  handler,
		bus:      b,
		uploads:  NewUploadManager(opts.UploadDir, opts.MaxUploadSize, log),
		logger:   log.WithFields(zap.String("component", "frame_conn")),
		sem:      semaphore.NewWeighted(maxWorkers),
		inflight: make(map[string]struct{}),
		subs:     make(map[string]*connSub),
	}
}

// Run reads frames until the socket fails or the context ends. All
// subscriptions and in-flight uploads are released on return.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.shutdown()

	for {
		raw, err := c.sock.ReadFrame()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			continue
		}

		switch raw[0] {
		case FormatJSON:
			f, err := DecodeJSON(raw)
			if err != nil {
				c.logger.Warn("Dropping malformed JSON frame", zap.Error(err))
				continue
			}
			c.dispatch(ctx, f)

		case FormatBinary:
			chunk, err := DecodeBinary(raw)
			if err != nil {
				c.sock.Close(CloseProtocolError, "malformed binary frame")
				return ErrInvalidFormat
			}
			c.handleChunk(chunk)

		default:
			// Reserved 0x00 and anything unknown means the peer is not
			// speaking this protocol.
			c.sock.Close(CloseProtocolError, "invalid frame format")
			return ErrInvalidFormat
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, f *Frame) {
	switch f.Type {
	case TypeRequest:
		c.handleRequest(ctx, f)
	case TypeSubscribe:
		c.handleSubscribe(f)
	case TypeUnsubscribe:
		c.handleUnsubscribe(f)
	case TypeUploadStart:
		if err := c.uploads.Start(f); err != nil {
			c.writeUploadError(f.UploadID, err)
		}
	case TypeUploadEnd:
		fd, err := c.uploads.End(f.UploadID)
		if err != nil {
			c.writeUploadError(f.UploadID, err)
			return
		}
		c.write(&Frame{Type: TypeUploadComplete, UploadID: f.UploadID, File: fd})
	default:
		c.logger.Warn("Unknown frame type", zap.String("type", f.Type))
	}
}

// handleRequest dispatches one tunneled HTTP request on a pooled worker.
// Ordering is only guaranteed within a single id; distinct requests may
// complete in any order.
func (c *Conn) handleRequest(ctx context.Context, f *Frame) {
	if f.ID == "" || f.Method == "" || f.Path == "" {
		c.writeError(f.ID, apperrors.BadRequest("id, method and path are required"))
		return
	}

	c.mu.Lock()
	if _, dup := c.inflight[f.ID]; dup {
		c.mu.Unlock()
		c.writeError(f.ID, apperrors.BadRequest("duplicate request id"))
		return
	}
	c.inflight[f.ID] = struct{}{}
	c.mu.Unlock()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.clearInflight(f.ID)
		return
	}

	go func() {
		defer c.sem.Release(1)
		defer c.clearInflight(f.ID)
		c.write(c.serve(ctx, f))
	}()
}

// serve tunnels the frame through the shared HTTP handler.
func (c *Conn) serve(ctx context.Context, f *Frame) *Frame {
	var body *bytes.Reader
	if len(f.Body) > 0 {
		body = bytes.NewReader(f.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, f.Method, f.Path, body)
	if err != nil {
		return errorFrame(f.ID, apperrors.BadRequest("invalid request: "+err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)

	resp := &Frame{Type: TypeResponse, ID: f.ID, Status: rec.Code}
	if b := rec.Body.Bytes(); len(b) > 0 {
		if json.Valid(b) {
			resp.Body = json.RawMessage(b)
		} else {
			quoted, _ := json.Marshal(string(b))
			resp.Body = quoted
		}
	}
	return resp
}

func (c *Conn) handleSubscribe(f *Frame) {
	if f.SubscriptionID == "" {
		c.writeError("", apperrors.BadRequest("subscriptionId is required"))
		return
	}
	if f.Channel != ChannelEvents {
		c.writeError(f.SubscriptionID, apperrors.BadRequest("unknown channel: "+f.Channel))
		return
	}

	var params SubscribeParams
	if len(f.Params) > 0 {
		if err := json.Unmarshal(f.Params, &params); err != nil {
			c.writeError(f.SubscriptionID, apperrors.BadRequest("invalid params"))
			return
		}
	}
	filter := bus.Filter{SessionID: params.SessionID}
	for _, k := range params.Kinds {
		filter.Kinds = append(filter.Kinds, events.Kind(k))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, dup := c.subs[f.SubscriptionID]; dup {
		c.mu.Unlock()
		c.writeError(f.SubscriptionID, apperrors.BadRequest("subscription id already in use"))
		return
	}
	cs := &connSub{sub: c.bus.Subscribe(filter), done: make(chan struct{})}
	c.subs[f.SubscriptionID] = cs
	c.mu.Unlock()

	// A synthetic first event tells the client the stream is live before
	// any bus traffic arrives.
	c.write(&Frame{
		Type:           TypeEvent,
		SubscriptionID: f.SubscriptionID,
		EventType:      "connected",
	})

	go c.pumpEvents(f.SubscriptionID, cs)
}

func (c *Conn) pumpEvents(id string, cs *connSub) {
	for {
		select {
		case <-cs.done:
			return
		case ev, ok := <-cs.sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				c.logger.Error("Failed to marshal event", zap.Error(err))
				continue
			}
			c.write(&Frame{
				Type:           TypeEvent,
				SubscriptionID: id,
				EventType:      string(ev.Kind),
				Payload:        payload,
				Dropped:        cs.sub.Dropped(),
			})
		}
	}
}

func (c *Conn) handleUnsubscribe(f *Frame) {
	c.mu.Lock()
	cs, ok := c.subs[f.SubscriptionID]
	if ok {
		delete(c.subs, f.SubscriptionID)
	}
	c.mu.Unlock()

	if ok {
		close(cs.done)
		cs.sub.Unsubscribe()
	}
}

func (c *Conn) handleChunk(chunk *BinaryChunk) {
	received, progress, err := c.uploads.Chunk(chunk.UploadID, chunk.Offset, chunk.Data)
	if err != nil {
		c.writeUploadError(chunk.UploadID, err)
		return
	}
	if progress {
		c.write(&Frame{Type: TypeUploadProgress, UploadID: chunk.UploadID, Received: received})
	}
}

func (c *Conn) writeUploadError(uploadID string, err error) {
	c.write(&Frame{Type: TypeUploadError, UploadID: uploadID, Error: errorMessage(err)})
}

func (c *Conn) writeError(id string, err error) {
	c.write(errorFrame(id, err))
}

func errorFrame(id string, err error) *Frame {
	body, _ := json.Marshal(map[string]string{"error": errorMessage(err)})
	return &Frame{
		Type:   TypeResponse,
		ID:     id,
		Status: apperrors.GetHTTPStatus(err),
		Body:   body,
	}
}

func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

func (c *Conn) write(f *Frame) {
	data, err := EncodeJSON(f)
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.WriteFrame(data); err != nil {
		c.logger.Debug("Frame write failed", zap.Error(err))
	}
}

func (c *Conn) clearInflight(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// shutdown releases every subscription and discards in-flight uploads.
func (c *Conn) shutdown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*connSub)
	c.mu.Unlock()

	for _, cs := range subs {
		close(cs.done)
		cs.sub.Unsubscribe()
	}
	c.uploads.CloseAll()
}
