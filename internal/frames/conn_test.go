package frames

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

func testLog() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

type fakeSocket struct {
	in  chan []byte
	out chan []byte

	mu          sync.Mutex
	closeCode   int
	closeReason string
	closed      chan struct{}
	once        sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadFrame() ([]byte, error) {
	select {
	case raw, ok := <-s.in:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSocket) WriteFrame(data []byte) error {
	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closed)
	})
	return nil
}

func (s *fakeSocket) closedWith() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *fakeSocket) sendJSON(t *testing.T, f *Frame) {
	t.Helper()
	raw, err := EncodeJSON(f)
	require.NoError(t, err)
	s.in <- raw
}

func (s *fakeSocket) sendChunk(t *testing.T, uploadID string, offset uint64, data []byte) {
	t.Helper()
	raw, err := EncodeBinary(&BinaryChunk{UploadID: uploadID, Offset: offset, Data: data})
	require.NoError(t, err)
	s.in <- raw
}

func (s *fakeSocket) next(t *testing.T) *Frame {
	t.Helper()
	select {
	case raw := <-s.out:
		f, err := DecodeJSON(raw)
		require.NoError(t, err)
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// nextOfType skips frames until one of the wanted type arrives.
func (s *fakeSocket) nextOfType(t *testing.T, frameType string) *Frame {
	t.Helper()
	for i := 0; i < 16; i++ {
		f := s.next(t)
		if f.Type == frameType {
			return f
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return nil
}

func startConn(t *testing.T, handler http.Handler) (*fakeSocket, *Conn, chan error) {
	t.Helper()
	sock := newFakeSocket()
	b := bus.NewBus()
	t.Cleanup(b.Close)
	conn := NewConn(sock, handler, b, Options{UploadDir: t.TempDir()}, testLog())
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()
	t.Cleanup(func() {
		sock.Close(1000, "test done")
		<-done
	})
	return sock, conn, done
}

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]string{"method": r.Method, "path": r.URL.Path, "body": string(body)}
		json.NewEncoder(w).Encode(resp)
	})
}

func TestConnRequestResponse(t *testing.T) {
	sock, _, _ := startConn(t, echoHandler())

	sock.sendJSON(t, &Frame{
		Type:   TypeRequest,
		ID:     "r1",
		Method: "POST",
		Path:   "/api/sessions",
		Body:   json.RawMessage(`{"message":"hi"}`),
	})

	resp := sock.next(t)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, http.StatusOK, resp.Status)

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "POST", body["method"])
	assert.Equal(t, "/api/sessions", body["path"])
}

func TestConnDuplicateInflightID(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	sock, _, _ := startConn(t, handler)
	defer close(release)

	sock.sendJSON(t, &Frame{Type: TypeRequest, ID: "r1", Method: "GET", Path: "/slow"})
	sock.sendJSON(t, &Frame{Type: TypeRequest, ID: "r1", Method: "GET", Path: "/slow"})

	resp := sock.next(t)
	assert.Equal(t, "r1", resp.ID)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Contains(t, string(resp.Body), "duplicate request id")
}

func TestConnRequestIDReusableAfterCompletion(t *testing.T) {
	sock, _, _ := startConn(t, echoHandler())

	sock.sendJSON(t, &Frame{Type: TypeRequest, ID: "r1", Method: "GET", Path: "/one"})
	first := sock.next(t)
	assert.Equal(t, http.StatusOK, first.Status)

	sock.sendJSON(t, &Frame{Type: TypeRequest, ID: "r1", Method: "GET", Path: "/two"})
	second := sock.next(t)
	assert.Equal(t, http.StatusOK, second.Status)
	assert.Contains(t, string(second.Body), "/two")
}

func TestConnInvalidFormatByteCloses(t *testing.T) {
	sock := newFakeSocket()
	b := bus.NewBus()
	defer b.Close()
	conn := NewConn(sock, echoHandler(), b, Options{UploadDir: t.TempDir()}, testLog())
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()

	sock.in <- []byte{0x00, 'h', 'i'}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInvalidFormat)
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not close")
	}
	assert.Equal(t, CloseProtocolError, sock.closedWith())
}

func TestConnSubscribeConnectedFirst(t *testing.T) {
	sock := newFakeSocket()
	b := bus.NewBus()
	defer b.Close()
	conn := NewConn(sock, echoHandler(), b, Options{UploadDir: t.TempDir()}, testLog())
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()
	defer func() {
		sock.Close(1000, "test done")
		<-done
	}()

	sock.sendJSON(t, &Frame{Type: TypeSubscribe, SubscriptionID: "sub1", Channel: ChannelEvents})

	first := sock.next(t)
	assert.Equal(t, TypeEvent, first.Type)
	assert.Equal(t, "sub1", first.SubscriptionID)
	assert.Equal(t, "connected", first.EventType)

	b.Publish(bus.New(events.KindSessionStatus, "s1", events.SessionStatus{SessionID: "s1", Status: "owned"}))

	ev := sock.next(t)
	assert.Equal(t, string(events.KindSessionStatus), ev.EventType)
	assert.Contains(t, string(ev.Payload), "owned")

	// Unsubscribe stops delivery.
	sock.sendJSON(t, &Frame{Type: TypeUnsubscribe, SubscriptionID: "sub1"})
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnSubscribeUnknownChannel(t *testing.T) {
	sock, _, _ := startConn(t, echoHandler())

	sock.sendJSON(t, &Frame{Type: TypeSubscribe, SubscriptionID: "sub1", Channel: "tasks"})

	resp := sock.next(t)
	assert.Equal(t, TypeResponse, resp.Type)
	assert.GreaterOrEqual(t, resp.Status, 400)
}

func TestConnSubscribeSessionFilter(t *testing.T) {
	sock := newFakeSocket()
	b := bus.NewBus()
	defer b.Close()
	conn := NewConn(sock, echoHandler(), b, Options{UploadDir: t.TempDir()}, testLog())
	done := make(chan error, 1)
	go func() { done <- conn.Run(context.Background()) }()
	defer func() {
		sock.Close(1000, "test done")
		<-done
	}()

	params, _ := json.Marshal(SubscribeParams{SessionID: "s1"})
	sock.sendJSON(t, &Frame{Type: TypeSubscribe, SubscriptionID: "sub1", Channel: ChannelEvents, Params: params})
	assert.Equal(t, "connected", sock.next(t).EventType)

	b.Publish(bus.New(events.KindMessage, "other", nil))
	b.Publish(bus.New(events.KindMessage, "s1", nil))

	ev := sock.next(t)
	assert.Contains(t, string(ev.Payload), `"s1"`)
}

func TestConnUploadFlow(t *testing.T) {
	sock, _, _ := startConn(t, echoHandler())
	uploadID := uuid.New().String()

	sock.sendJSON(t, &Frame{
		Type:     TypeUploadStart,
		UploadID: uploadID,
		Filename: "test.txt",
		Size:     13,
		MimeType: "text/plain",
	})
	sock.sendChunk(t, uploadID, 0, []byte("Hello, World!"))
	sock.sendJSON(t, &Frame{Type: TypeUploadEnd, UploadID: uploadID})

	resp := sock.nextOfType(t, TypeUploadComplete)
	assert.Equal(t, uploadID, resp.UploadID)
	require.NotNil(t, resp.File)
	assert.Equal(t, int64(13), resp.File.Size)
	assert.Equal(t, "test.txt", resp.File.OriginalName)
}

func TestConnUploadDuplicateID(t *testing.T) {
	sock, _, _ := startConn(t, echoHandler())
	uploadID := uuid.New().String()

	start := &Frame{Type: TypeUploadStart, UploadID: uploadID, Filename: "a.txt", Size: 4}
	sock.sendJSON(t, start)
	sock.sendJSON(t, start)

	resp := sock.next(t)
	assert.Equal(t, TypeUploadError, resp.Type)
	assert.Contains(t, resp.Error, "already in use")
}

func TestConnUploadInvalidOffset(t *testing.T) {
	sock, _, _ := startConn(t, echoHandler())
	uploadID := uuid.New().String()

	sock.sendJSON(t, &Frame{Type: TypeUploadStart, UploadID: uploadID, Filename: "a.txt", Size: 100})
	sock.sendChunk(t, uploadID, 50, []byte("data"))

	resp := sock.next(t)
	assert.Equal(t, TypeUploadError, resp.Type)
	assert.Equal(t, "Invalid offset", resp.Error)

	// Rejected chunk did not advance state: offset 0 still works.
	sock.sendChunk(t, uploadID, 0, []byte(strings.Repeat("x", 100)))
	sock.sendJSON(t, &Frame{Type: TypeUploadEnd, UploadID: uploadID})
	resp = sock.nextOfType(t, TypeUploadComplete)
	assert.Equal(t, int64(100), resp.File.Size)
}

func TestConnUploadProgress(t *testing.T) {
	sock, _, _ := startConn(t, echoHandler())
	uploadID := uuid.New().String()
	size := int64(ProgressInterval + 10)

	sock.sendJSON(t, &Frame{Type: TypeUploadStart, UploadID: uploadID, Filename: "big.bin", Size: size})
	sock.sendChunk(t, uploadID, 0, []byte(strings.Repeat("a", ProgressInterval)))

	prog := sock.nextOfType(t, TypeUploadProgress)
	assert.Equal(t, int64(ProgressInterval), prog.Received)

	sock.sendChunk(t, uploadID, uint64(ProgressInterval), []byte(strings.Repeat("b", 10)))
	sock.sendJSON(t, &Frame{Type: TypeUploadEnd, UploadID: uploadID})
	resp := sock.nextOfType(t, TypeUploadComplete)
	assert.Equal(t, size, resp.File.Size)
}

func TestUploadManagerTooLarge(t *testing.T) {
	m := NewUploadManager(t.TempDir(), 10, testLog())
	err := m.Start(&Frame{UploadID: uuid.New().String(), Filename: "big", Size: 11})
	require.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, apperrors.GetHTTPStatus(err))
}

func TestUploadManagerIncompleteEnd(t *testing.T) {
	m := NewUploadManager(t.TempDir(), 0, testLog())
	id := uuid.New().String()
	require.NoError(t, m.Start(&Frame{UploadID: id, Filename: "f", Size: 10}))
	_, _, err := m.Chunk(id, 0, []byte("12345"))
	require.NoError(t, err)

	_, err = m.End(id)
	assert.Error(t, err)
}
