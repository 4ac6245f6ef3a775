package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

func testLog() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// mockChild is a scripted agent subprocess: the test reads what the
// process writes to stdin and writes the lines the process should see
// on stdout.
type mockChild struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	stdinLines chan string
	exited     chan struct{}
	once       sync.Once
}

func newMockChild() *mockChild {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	c := &mockChild{
		stdinR:     stdinR,
		stdinW:     stdinW,
		stdoutR:    stdoutR,
		stdoutW:    stdoutW,
		stdinLines: make(chan string, 64),
		exited:     make(chan struct{}),
	}
	go func() {
		scanner := bufio.NewScanner(stdinR)
		for scanner.Scan() {
			c.stdinLines <- scanner.Text()
		}
		close(c.stdinLines)
	}()
	return c
}

func (c *mockChild) Stdin() io.Writer  { return c.stdinW }
func (c *mockChild) Stdout() io.Reader { return c.stdoutR }

func (c *mockChild) Wait() error {
	<-c.exited
	return nil
}

func (c *mockChild) Kill() error {
	c.exit()
	return nil
}

// exit simulates the child terminating on its own.
func (c *mockChild) exit() {
	c.once.Do(func() {
		c.stdoutW.Close()
		c.stdinR.Close()
		close(c.exited)
	})
}

// emit writes one stdout line from the scripted child.
func (c *mockChild) emit(t *testing.T, line string) {
	t.Helper()
	if _, err := c.stdoutW.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

// nextStdin returns the next JSON line the process sent to the child.
func (c *mockChild) nextStdin(t *testing.T) string {
	t.Helper()
	select {
	case line, ok := <-c.stdinLines:
		if !ok {
			t.Fatal("stdin closed")
		}
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("no stdin line from process")
		return ""
	}
}

type mockRunner struct {
	mu       sync.Mutex
	children []*mockChild
	opts     []StartOptions
	ctxs     []context.Context
	writes   bool
}

func (r *mockRunner) Start(ctx context.Context, opts StartOptions) (Child, error) {
	c := newMockChild()
	r.mu.Lock()
	r.children = append(r.children, c)
	r.opts = append(r.opts, opts)
	r.ctxs = append(r.ctxs, ctx)
	r.mu.Unlock()
	return c, nil
}

func (r *mockRunner) ctx(i int) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctxs[i]
}

func (r *mockRunner) WritesTranscript() bool { return r.writes }

func (r *mockRunner) child(i int) *mockChild {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.children[i]
}

func startTestProcess(t *testing.T, mode Mode) (*Process, *mockChild) {
	t.Helper()
	runner := &mockRunner{}
	p := newProcess(context.Background(), "proj", "/tmp/proj", runner, bus.NewBus(), testLog(), mode)
	require.NoError(t, p.start(StartOptions{ProjectPath: "/tmp/proj", SessionID: "sess-1"}))
	t.Cleanup(func() { _ = p.Abort() })
	return p, runner.child(0)
}

func waitForState(t *testing.T, p *Process, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State() == want },
		2*time.Second, 5*time.Millisecond, "state = %s, want %s", p.State(), want)
}

func TestProcessStartStreamIdle(t *testing.T) {
	p, child := startTestProcess(t, ModeDefault)

	pos, err := p.QueueMessage("hello", "")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	// The queued message reaches the child's stdin as a user message.
	var sent claudecode.UserMessage
	require.NoError(t, json.Unmarshal([]byte(child.nextStdin(t)), &sent))
	assert.Equal(t, "hello", sent.Message.Content)

	child.emit(t, `{"type":"system","subtype":"init","session_id":"sess-1"}`)
	waitForState(t, p, StateStreaming)

	child.emit(t, `{"type":"assistant","uuid":"a1","message":{"role":"assistant","content":"hi"}}`)
	child.emit(t, `{"type":"result","uuid":"res1"}`)
	waitForState(t, p, StateIdle)

	// Mock producers leave no transcript, so both the mirrored user
	// message and the assistant reply live in memory.
	live := p.LiveMessages()
	require.Len(t, live, 2)
	assert.Equal(t, transcript.RecordUser, live[0].Type)
	assert.Equal(t, transcript.RecordAssistant, live[1].Type)
	assert.Equal(t, "a1", live[1].ID)
	assert.Equal(t, transcript.SourceLive, live[1].Source)
}

func TestProcessQueueIdempotentByTempID(t *testing.T) {
	p, _ := startTestProcess(t, ModeDefault)

	pos, err := p.QueueMessage("first", "tmp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	// The duplicate is swallowed; no second queue entry appears.
	_, err = p.QueueMessage("first again", "tmp-1")
	require.NoError(t, err)

	pos, err = p.QueueMessage("second", "tmp-2")
	require.NoError(t, err)
	assert.LessOrEqual(t, pos, 2)
}

func TestProcessQueueAfterAbortRejected(t *testing.T) {
	p, _ := startTestProcess(t, ModeDefault)
	require.NoError(t, p.Abort())
	require.NoError(t, p.Abort()) // idempotent

	_, err := p.QueueMessage("too late", "")
	assert.True(t, apperrors.IsGone(err))
	assert.Equal(t, StateAborted, p.State())
}

func TestProcessChildExitWithoutResultAborts(t *testing.T) {
	p, child := startTestProcess(t, ModeDefault)
	child.emit(t, `{"type":"system","subtype":"init","session_id":"sess-1"}`)
	waitForState(t, p, StateStreaming)

	child.exit()
	waitForState(t, p, StateAborted)
}

func TestProcessInputRequestFromChild(t *testing.T) {
	p, child := startTestProcess(t, ModeDefault)

	child.emit(t, `{"type":"system","subtype":"input_request","input_request":{"id":"r1","type":"user-question","prompt":"which branch?"}}`)
	waitForState(t, p, StateWaitingInput)

	req := p.PendingInputRequest()
	require.NotNil(t, req)
	assert.Equal(t, "r1", req.ID)

	require.NoError(t, p.RespondToInput("r1", "main"))
	waitForState(t, p, StateStreaming)

	// The answer flows back down the child's stdin.
	var resp claudecode.InputResponseMessage
	require.NoError(t, json.Unmarshal([]byte(child.nextStdin(t)), &resp))
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, "main", resp.Response)
}

func TestProcessToolApprovalFlow(t *testing.T) {
	p, child := startTestProcess(t, ModeDefault)
	child.emit(t, `{"type":"system","subtype":"init","session_id":"sess-1"}`)
	waitForState(t, p, StateStreaming)

	child.emit(t, `{"type":"control_request","request_id":"cr1","request":{"subtype":"can_use_tool","tool_name":"Bash"}}`)
	waitForState(t, p, StateWaitingInput)

	req := p.PendingInputRequest()
	require.NotNil(t, req)
	assert.Equal(t, "tool-approval", req.Type)
	assert.Equal(t, "Bash", req.Tool)

	require.NoError(t, p.RespondToInput(req.ID, "approve"))
	waitForState(t, p, StateStreaming)

	var resp claudecode.ControlResponseMessage
	require.NoError(t, json.Unmarshal([]byte(child.nextStdin(t)), &resp))
	assert.Equal(t, "cr1", resp.RequestID)
	require.NotNil(t, resp.Response.Result)
	assert.Equal(t, claudecode.BehaviorAllow, resp.Response.Result.Behavior)
}

func TestProcessApprovalCancelledByAbort(t *testing.T) {
	p, _ := startTestProcess(t, ModeDefault)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.HandleToolApproval(context.Background(), claudecode.ToolBash, nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return p.PendingInputRequest() != nil },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Abort())
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("approval callback not cancelled")
	}
}

func TestProcessModePolicy(t *testing.T) {
	ctx := context.Background()
	runner := &mockRunner{}
	log := testLog()

	t.Run("plan denies everything", func(t *testing.T) {
		p := newProcess(ctx, "proj", "/tmp/p", runner, nil, log, ModePlan)
		res, err := p.HandleToolApproval(ctx, claudecode.ToolEdit, nil)
		require.NoError(t, err)
		assert.Equal(t, claudecode.BehaviorDeny, res.Behavior)
		assert.Contains(t, res.Message, "Plan mode")
	})

	t.Run("bypass allows everything", func(t *testing.T) {
		p := newProcess(ctx, "proj", "/tmp/p", runner, nil, log, ModeBypassPermissions)
		res, err := p.HandleToolApproval(ctx, claudecode.ToolEdit, nil)
		require.NoError(t, err)
		assert.Equal(t, claudecode.BehaviorAllow, res.Behavior)
	})

	t.Run("acceptEdits allows edit-like tools", func(t *testing.T) {
		p := newProcess(ctx, "proj", "/tmp/p", runner, nil, log, ModeAcceptEdits)
		for _, tool := range []string{claudecode.ToolEdit, claudecode.ToolWrite, claudecode.ToolMultiEdit, claudecode.ToolNotebookEdit} {
			res, err := p.HandleToolApproval(ctx, tool, nil)
			require.NoError(t, err)
			assert.Equal(t, claudecode.BehaviorAllow, res.Behavior, tool)
		}
	})

	t.Run("acceptEdits surfaces other tools", func(t *testing.T) {
		p := newProcess(ctx, "proj", "/tmp/p", runner, nil, log, ModeAcceptEdits)
		resCh := make(chan *claudecode.PermissionResult, 1)
		go func() {
			res, _ := p.HandleToolApproval(ctx, claudecode.ToolBash, nil)
			resCh <- res
		}()
		require.Eventually(t, func() bool { return p.PendingInputRequest() != nil },
			2*time.Second, 5*time.Millisecond)
		require.NoError(t, p.RespondToInput(p.PendingInputRequest().ID, "no, too risky"))
		select {
		case res := <-resCh:
			assert.Equal(t, claudecode.BehaviorDeny, res.Behavior)
			assert.Equal(t, "no, too risky", res.Message)
		case <-time.After(2 * time.Second):
			t.Fatal("approval did not resolve")
		}
	})
}

func TestProcessModeVersionMonotonic(t *testing.T) {
	p, _ := startTestProcess(t, ModeDefault)

	_, v1 := p.Mode()
	v2, err := p.SetPermissionMode(ModeAcceptEdits, 0)
	require.NoError(t, err)
	assert.Greater(t, v2, v1)

	// A stale version is ignored; mode and version stay put.
	v3, err := p.SetPermissionMode(ModePlan, v1)
	require.NoError(t, err)
	assert.Equal(t, v2, v3)
	mode, _ := p.Mode()
	assert.Equal(t, ModeAcceptEdits, mode)

	_, err = p.SetPermissionMode("turbo", 0)
	assert.True(t, apperrors.IsBadRequest(err))
}

func TestProcessHoldRelease(t *testing.T) {
	p, _ := startTestProcess(t, ModeDefault)

	p.SetHold(true)
	waitForState(t, p, StateHold)

	p.SetHold(false)
	waitForState(t, p, StateStarting)
}
