package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/auth"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/frames"
)

func testLog() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// fakeConn is an in-memory wsConn; the test drives the peer side.
type fakeConn struct {
	in  chan wsMsg
	out chan wsMsg

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

type wsMsg struct {
	mt   int
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan wsMsg, 16),
		out:  make(chan wsMsg, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return m.mt, m.data, nil
	case <-f.done:
		return 0, nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(mt int, data []byte) error {
	select {
	case f.out <- wsMsg{mt: mt, data: data}:
		return nil
	case <-f.done:
		return io.ErrClosedPipe
	}
}

func (f *fakeConn) WriteControl(mt int, data []byte, deadline time.Time) error {
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeConn) next(t *testing.T) wsMsg {
	t.Helper()
	select {
	case m := <-f.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return wsMsg{}
	}
}

func newTestClient(t *testing.T, password string) (*Client, *auth.Store) {
	t.Helper()
	store, err := auth.NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Enable("operator", password))

	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"path":"` + r.URL.Path + `"}`))
	})
	b := bus.NewBus()
	t.Cleanup(b.Close)

	client := NewClient("ws://relay.invalid", store, auth.NewTokenIssuer(), api, b,
		frames.Options{UploadDir: t.TempDir()}, testLog())
	return client, store
}

// drivePeerHandshake runs the remote-client side of the exchange over
// the fake connection and returns the derived key.
func drivePeerHandshake(t *testing.T, conn *fakeConn, password string) *[32]byte {
	t.Helper()
	peer := auth.NewClientHandshake("operator", password)

	msg := peer.Hello()
	for msg != nil {
		raw, err := json.Marshal(msg)
		require.NoError(t, err)
		conn.in <- wsMsg{mt: websocket.TextMessage, data: raw}

		var reply auth.Message
		require.NoError(t, json.Unmarshal(conn.next(t).data, &reply))
		msg, err = peer.Handle(&reply)
		require.NoError(t, err)
	}
	require.True(t, peer.Done())
	return peer.Key()
}

func TestServeEncryptedRequestRoundTrip(t *testing.T) {
	client, _ := newTestClient(t, "pw")
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- client.serve(ctx, conn) }()

	key := drivePeerHandshake(t, conn, "pw")

	// An encrypted request frame tunnels into the API and comes back
	// encrypted.
	reqFrame, err := frames.EncodeJSON(&frames.Frame{
		Type: frames.TypeRequest, ID: "r1", Method: "GET", Path: "/api/projects",
	})
	require.NoError(t, err)
	env, err := auth.Seal(key, reqFrame)
	require.NoError(t, err)
	conn.in <- wsMsg{mt: websocket.BinaryMessage, data: env}

	respEnv := conn.next(t)
	inner, err := auth.Open(key, respEnv.data)
	require.NoError(t, err)
	resp, err := frames.DecodeJSON(inner)
	require.NoError(t, err)
	assert.Equal(t, frames.TypeResponse, resp.Type)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "/api/projects")

	conn.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after close")
	}
}

func TestServeTamperedEnvelopeFatal(t *testing.T) {
	client, _ := newTestClient(t, "pw")
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- client.serve(ctx, conn) }()

	key := drivePeerHandshake(t, conn, "pw")

	frame, err := frames.EncodeJSON(&frames.Frame{Type: frames.TypeRequest, ID: "r1", Method: "GET", Path: "/x"})
	require.NoError(t, err)
	env, err := auth.Seal(key, frame)
	require.NoError(t, err)
	env[len(env)-1] ^= 0x01
	conn.in <- wsMsg{mt: websocket.BinaryMessage, data: env}

	select {
	case err := <-served:
		assert.ErrorIs(t, err, auth.ErrEnvelopeOpen)
	case <-time.After(2 * time.Second):
		t.Fatal("tampered envelope did not end the connection")
	}
}

func TestServeWrongPasswordRefused(t *testing.T) {
	client, _ := newTestClient(t, "right")
	conn := newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- client.serve(ctx, conn) }()

	peer := auth.NewClientHandshake("operator", "wrong")
	raw, _ := json.Marshal(peer.Hello())
	conn.in <- wsMsg{mt: websocket.TextMessage, data: raw}

	var challenge auth.Message
	require.NoError(t, json.Unmarshal(conn.next(t).data, &challenge))
	clientPublic, err := peer.Handle(&challenge)
	require.NoError(t, err)

	raw, _ = json.Marshal(clientPublic)
	conn.in <- wsMsg{mt: websocket.TextMessage, data: raw}

	// The server proof does not verify against the wrong password.
	var serverProof auth.Message
	require.NoError(t, json.Unmarshal(conn.next(t).data, &serverProof))
	_, err = peer.Handle(&serverProof)
	assert.ErrorIs(t, err, auth.ErrHandshakeFailed)

	conn.Close()
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestRunRequiresAuthEnabled(t *testing.T) {
	store, err := auth.NewStore(t.TempDir())
	require.NoError(t, err)
	b := bus.NewBus()
	defer b.Close()

	client := NewClient("ws://relay.invalid", store, auth.NewTokenIssuer(), nil, b,
		frames.Options{UploadDir: t.TempDir()}, testLog())
	assert.ErrorIs(t, client.Run(context.Background()), ErrAuthDisabled)
}
