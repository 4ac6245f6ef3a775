package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/transcript"
	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

// State is one agent process state-machine node.
type State string

const (
	StateStarting     State = "starting"
	StateStreaming    State = "streaming"
	StateWaitingInput State = "waiting-input"
	StateHold         State = "hold"
	StateIdle         State = "idle"
	StateAborted      State = "aborted"
)

// ErrAborted is returned to blocked tool-approval callbacks when the
// process terminates. It is retryable: the operator can resume the
// session and the child will re-request the tool.
var ErrAborted = errors.New("agent process aborted")

// liveHistoryMax bounds the in-memory live message overlay per process.
const liveHistoryMax = 256

type queuedMessage struct {
	tempID  string
	content string
}

// ProcessInfo is the snapshot shape served to clients.
type ProcessInfo struct {
	ProcessID    string                   `json:"processId"`
	SessionID    string                   `json:"sessionId"`
	ProjectID    string                   `json:"projectId"`
	State        State                    `json:"state"`
	Mode         Mode                     `json:"mode"`
	ModeVersion  uint64                   `json:"modeVersion"`
	QueueDepth   int                      `json:"queueDepth"`
	StartedAt    time.Time                `json:"startedAt"`
	InputRequest *transcript.InputRequest `json:"inputRequest,omitempty"`
}

// Process wraps one live CLI invocation: its stdin queue, its stdout
// stream, its state machine and its tool-approval flow. All state
// transitions happen under one mutex, so operations on a single process
// observe a total order.
type Process struct {
	id          string
	projectID   string
	projectPath string
	startedAt   time.Time

	runner Runner
	child  Child
	client *claudecode.Client
	bus    *bus.Bus
	logger *logger.Logger

	writesTranscript bool

	ctx    context.Context
	cancel context.CancelFunc

	// onSessionID fires when the child reports its session id.
	onSessionID func(p *Process, old, current string)
	// onComplete fires once, on terminal transition to aborted.
	onComplete func(p *Process)

	mu   sync.Mutex
	cond *sync.Cond

	state       State
	prevState   State
	holdReq     bool
	sessionID   string
	mode        Mode
	modeVersion uint64

	queue    []queuedMessage
	seenTemp map[string]struct{}
	sending  bool

	inputReq  *transcript.InputRequest
	approvals map[string]chan *claudecode.PermissionResult

	live    []transcript.Message
	liveSeq int

	idleSince time.Time
	completed bool
}

func newProcess(ctx context.Context, projectID, projectPath string, runner Runner, b *bus.Bus, log *logger.Logger, mode Mode) *Process {
	if mode == "" {
		mode = ModeDefault
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &Process{
		id:               uuid.New().String(),
		projectID:        projectID,
		projectPath:      projectPath,
		startedAt:        time.Now(),
		runner:           runner,
		bus:              b,
		writesTranscript: runner.WritesTranscript(),
		ctx:              pctx,
		cancel:           cancel,
		state:            StateStarting,
		mode:             mode,
		modeVersion:      1,
		seenTemp:         make(map[string]struct{}),
		approvals:        make(map[string]chan *claudecode.PermissionResult),
	}
	p.cond = sync.NewCond(&p.mu)
	p.logger = log.WithFields(
		zap.String("component", "agent-process"),
		zap.String("process_id", p.id))
	return p
}

// start spawns the child and begins the reader and stdin pump.
func (p *Process) start(opts StartOptions) error {
	child, err := p.runner.Start(p.ctx, opts)
	if err != nil {
		p.cancel()
		return fmt.Errorf("spawn agent: %w", err)
	}

	p.mu.Lock()
	p.child = child
	p.sessionID = opts.SessionID
	p.client = claudecode.NewClient(child.Stdin(), child.Stdout(), p.logger)
	p.client.SetRequestHandler(p.handleControlRequest)
	p.client.SetMessageHandler(p.handleMessage)
	client := p.client
	p.mu.Unlock()

	<-client.Start(p.ctx)

	go p.pump()
	go func() {
		err := child.Wait()
		if err != nil {
			p.logger.Debug("child exited with error", zap.Error(err))
		}
		p.finish()
	}()

	p.logger.Info("agent process started",
		zap.String("session_id", opts.SessionID),
		zap.Bool("resume", opts.Resume))
	return nil
}

// ID returns the server-local process id.
func (p *Process) ID() string { return p.id }

// ProjectID returns the owning project.
func (p *Process) ProjectID() string { return p.projectID }

// SessionID returns the session this process owns.
func (p *Process) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// State returns the current state-machine node.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mode returns the permission mode and its version.
func (p *Process) Mode() (Mode, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode, p.modeVersion
}

// Info snapshots the process for listings.
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessInfo{
		ProcessID:    p.id,
		SessionID:    p.sessionID,
		ProjectID:    p.projectID,
		State:        p.state,
		Mode:         p.mode,
		ModeVersion:  p.modeVersion,
		QueueDepth:   p.queueDepthLocked(),
		StartedAt:    p.startedAt,
		InputRequest: p.inputReq,
	}
}

// PendingInputRequest returns the current blocking input request, if any.
func (p *Process) PendingInputRequest() *transcript.InputRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inputReq
}

// LiveMessages returns a copy of the in-memory live message overlay.
func (p *Process) LiveMessages() []transcript.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]transcript.Message, len(p.live))
	copy(out, p.live)
	return out
}

// IdleFor reports how long the process has been idle, or zero.
func (p *Process) IdleFor(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateIdle || p.idleSince.IsZero() {
		return 0
	}
	return now.Sub(p.idleSince)
}

// QueueMessage enqueues operator input for the child. The returned
// position is 1-based. A repeated tempID is a no-op reporting the
// current depth, so clients can retry submissions safely.
func (p *Process) QueueMessage(content, tempID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed {
		return 0, apperrors.Gone("process terminated")
	}
	if tempID != "" {
		if _, ok := p.seenTemp[tempID]; ok {
			return maxInt(p.queueDepthLocked(), 1), nil
		}
		p.seenTemp[tempID] = struct{}{}
	}
	p.queue = append(p.queue, queuedMessage{tempID: tempID, content: content})
	pos := len(p.queue)

	msg := p.userMessageLocked(content)
	if !p.writesTranscript {
		// Mock producers leave no transcript; mirror the input so the
		// session view still shows it. The real CLI writes the record
		// itself and mirroring would duplicate it.
		p.appendLiveLocked(msg)
	}
	p.publishMessageLocked(msg)

	p.cond.Broadcast()
	return pos, nil
}

// Abort terminates the child and moves the process to its terminal
// state. Idempotent.
func (p *Process) Abort() error {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return nil
	}
	client, child := p.client, p.child
	p.mu.Unlock()

	// Ask the child to unwind first; the kill covers a wedged one.
	if client != nil {
		_ = client.Interrupt()
	}
	if child != nil {
		_ = child.Kill()
	}
	p.finish()
	return nil
}

// SetPermissionMode updates the mode and bumps modeVersion. A non-zero
// version at or below the current one is stale and ignored.
func (p *Process) SetPermissionMode(mode Mode, version uint64) (uint64, error) {
	if !ValidMode(mode) {
		return 0, apperrors.BadRequest(fmt.Sprintf("invalid permission mode %q", mode))
	}

	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return 0, apperrors.Gone("process terminated")
	}
	if version != 0 && version <= p.modeVersion {
		v := p.modeVersion
		p.mu.Unlock()
		return v, nil
	}
	p.mode = mode
	p.modeVersion++
	if version > p.modeVersion {
		p.modeVersion = version
	}
	v := p.modeVersion
	sessionID := p.sessionID
	client := p.client
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish(bus.New(events.KindModeChange, sessionID, events.ModeChange{
			ProcessID:   p.id,
			SessionID:   sessionID,
			Mode:        string(mode),
			ModeVersion: v,
		}))
	}
	if client != nil {
		if err := client.SetPermissionMode(string(mode)); err != nil {
			p.logger.Warn("failed to forward permission mode", zap.Error(err))
		}
	}
	return v, nil
}

// SetHold soft-pauses the process: the next yield point parks it in
// hold; release restores the prior state.
func (p *Process) SetHold(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed {
		return
	}
	if on {
		p.holdReq = true
		if p.state == StateStarting || p.state == StateIdle {
			p.prevState = p.state
			p.setStateLocked(StateHold)
		}
	} else {
		p.holdReq = false
		if p.state == StateHold {
			p.setStateLocked(p.prevState)
		}
	}
	p.cond.Broadcast()
}

// HandleToolApproval applies the mode policy to a tool request. Surfaced
// requests block until RespondToInput fulfills them or the process
// terminates, which yields ErrAborted.
func (p *Process) HandleToolApproval(ctx context.Context, toolName string, input map[string]any) (*claudecode.PermissionResult, error) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return nil, ErrAborted
	}
	action, denial := decideToolUse(p.mode, toolName)
	switch action {
	case actionAllow:
		p.mu.Unlock()
		return &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}, nil
	case actionDeny:
		p.mu.Unlock()
		return &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: denial}, nil
	}

	id := uuid.New().String()
	ch := make(chan *claudecode.PermissionResult, 1)
	p.approvals[id] = ch
	p.inputReq = &transcript.InputRequest{
		ID:     id,
		Type:   "tool-approval",
		Tool:   toolName,
		Prompt: fmt.Sprintf("Allow %s?", toolName),
	}
	p.setStateLocked(StateWaitingInput)
	p.mu.Unlock()

	select {
	case <-p.ctx.Done():
		p.clearApproval(id)
		return nil, ErrAborted
	case <-ctx.Done():
		p.clearApproval(id)
		return nil, ctx.Err()
	case res := <-ch:
		p.clearApproval(id)
		return res, nil
	}
}

// RespondToInput fulfills the pending input request with the operator's
// response.
func (p *Process) RespondToInput(requestID, response string) error {
	p.mu.Lock()
	if ch, ok := p.approvals[requestID]; ok {
		p.mu.Unlock()
		select {
		case ch <- approvalResult(response):
		default:
		}
		return nil
	}
	if p.inputReq != nil && p.inputReq.ID == requestID {
		// A user-question surfaced by the child itself; the answer goes
		// back down its stdin.
		p.inputReq = nil
		if p.state == StateWaitingInput {
			p.setStateLocked(StateStreaming)
		}
		client := p.client
		p.mu.Unlock()
		return client.SendInputResponse(requestID, response)
	}
	p.mu.Unlock()
	return apperrors.NotFound("input request", requestID)
}

// approvalResult maps an operator response string onto a permission result.
func approvalResult(response string) *claudecode.PermissionResult {
	switch response {
	case "approve", "allow", "yes", "y":
		return &claudecode.PermissionResult{Behavior: claudecode.BehaviorAllow}
	default:
		return &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: response}
	}
}

func (p *Process) clearApproval(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.approvals, id)
	if p.inputReq != nil && p.inputReq.ID == id {
		p.inputReq = nil
		if p.state == StateWaitingInput {
			p.setStateLocked(StateStreaming)
		}
	}
	p.cond.Broadcast()
}

// pump drains the outbound queue into the child's stdin, one message per
// turn: the next send waits for the previous result record.
func (p *Process) pump() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for !p.completed && !p.canSendLocked() {
			p.cond.Wait()
		}
		if p.completed {
			return
		}
		if p.holdReq && p.state != StateHold {
			p.prevState = p.state
			p.setStateLocked(StateHold)
			continue
		}
		msg := p.queue[0]
		p.queue = p.queue[1:]
		p.sending = true
		client := p.client
		p.mu.Unlock()

		err := client.SendUserMessage(msg.content)

		p.mu.Lock()
		if err != nil {
			p.logger.Warn("failed to write to child stdin", zap.Error(err))
			p.mu.Unlock()
			_ = p.Abort()
			p.mu.Lock()
			return
		}
	}
}

func (p *Process) canSendLocked() bool {
	if len(p.queue) == 0 || p.sending {
		return false
	}
	switch p.state {
	case StateStarting, StateIdle:
		return true
	default:
		// streaming, waiting-input and hold all defer the next send.
		return p.holdReq && p.state != StateHold && len(p.queue) > 0
	}
}

// handleMessage runs on the client's read loop for every non-control
// stdout line.
func (p *Process) handleMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		p.handleSystem(msg)

	case claudecode.MessageTypeAssistant:
		p.mu.Lock()
		p.markStreamingLocked()
		m := p.cliMessageLocked(msg, transcript.RecordAssistant)
		p.appendLiveLocked(m)
		p.publishMessageLocked(m)
		p.mu.Unlock()

	case claudecode.MessageTypeUser:
		// The CLI echoes user records it already wrote to disk; mocks
		// are mirrored at queue time instead.
		p.mu.Lock()
		p.markStreamingLocked()
		p.mu.Unlock()

	case claudecode.MessageTypeStreamEvent:
		p.mu.Lock()
		p.markStreamingLocked()
		sessionID := p.sessionID
		p.mu.Unlock()
		if p.bus != nil {
			p.bus.Publish(bus.New(events.KindStreamPartial, sessionID, json.RawMessage(msg.RawContent)))
		}

	case claudecode.MessageTypeResult:
		p.mu.Lock()
		p.sending = false
		p.idleSince = time.Now()
		if p.holdReq {
			p.prevState = StateIdle
			p.setStateLocked(StateHold)
		} else {
			p.setStateLocked(StateIdle)
		}
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

func (p *Process) handleSystem(msg *claudecode.CLIMessage) {
	if msg.Subtype == claudecode.SubtypeInputRequest && msg.InputRequest != nil {
		p.mu.Lock()
		p.inputReq = &transcript.InputRequest{
			ID:     msg.InputRequest.ID,
			Type:   msg.InputRequest.Type,
			Tool:   msg.InputRequest.Tool,
			Prompt: msg.InputRequest.Prompt,
			Schema: msg.InputRequest.Schema,
		}
		p.setStateLocked(StateWaitingInput)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	old := p.sessionID
	adopted := ""
	if msg.SessionID != "" && msg.SessionID != old {
		p.sessionID = msg.SessionID
		adopted = msg.SessionID
	}
	p.markStreamingLocked()
	cb := p.onSessionID
	p.mu.Unlock()

	if adopted != "" && cb != nil {
		cb(p, old, adopted)
	}
}

// handleControlRequest answers tool permission requests from the child.
// The policy decision may block on the operator, so each request gets
// its own goroutine; the child is blocked on the response anyway.
func (p *Process) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		p.respondControl(requestID, nil, fmt.Sprintf("unsupported control request %q", req.Subtype))
		return
	}
	go func() {
		result, err := p.HandleToolApproval(p.ctx, req.ToolName, req.Input)
		if err != nil {
			p.respondControl(requestID, nil, err.Error())
			return
		}
		p.respondControl(requestID, result, "")
	}()
}

func (p *Process) respondControl(requestID string, result *claudecode.PermissionResult, errMsg string) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return
	}
	resp := &claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
	}
	if errMsg != "" {
		resp.Response = &claudecode.ControlResponse{Subtype: "error", Error: errMsg}
	} else {
		resp.Response = &claudecode.ControlResponse{Subtype: "success", Result: result}
	}
	if err := client.SendControlResponse(resp); err != nil {
		p.logger.Warn("failed to send control response", zap.Error(err))
	}
}

// finish moves the process to aborted, releases blocked callers and
// fires onComplete exactly once. Every termination path funnels here.
func (p *Process) finish() {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.queue = nil
	p.sending = false
	p.inputReq = nil
	p.setStateLocked(StateAborted)
	p.cond.Broadcast()
	client := p.client
	cb := p.onComplete
	p.mu.Unlock()

	p.cancel()
	if client != nil {
		client.Stop()
	}
	if cb != nil {
		cb(p)
	}
	p.logger.Info("agent process finished")
}

func (p *Process) markStreamingLocked() {
	if p.state == StateStarting || p.state == StateIdle {
		p.setStateLocked(StateStreaming)
	}
}

func (p *Process) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.New(events.KindProcessState, p.sessionID, events.ProcessState{
		ProcessID: p.id,
		SessionID: p.sessionID,
		State:     string(s),
	}))
}

func (p *Process) queueDepthLocked() int {
	depth := len(p.queue)
	if p.sending {
		depth++
	}
	return depth
}

func (p *Process) userMessageLocked(content string) transcript.Message {
	raw, _ := json.Marshal(content)
	p.liveSeq++
	return transcript.Message{
		ID:        fmt.Sprintf("live-%d", p.liveSeq),
		Type:      transcript.RecordUser,
		Role:      "user",
		Content:   raw,
		Timestamp: time.Now(),
		Source:    transcript.SourceLive,
	}
}

func (p *Process) cliMessageLocked(msg *claudecode.CLIMessage, typ transcript.RecordType) transcript.Message {
	m := transcript.Message{
		UUID:       msg.UUID,
		ParentUUID: msg.ParentUUID,
		Type:       typ,
		Timestamp:  time.Now(),
		Source:     transcript.SourceLive,
	}
	if msg.Message != nil {
		m.Role = msg.Message.Role
		m.Content = msg.Message.Content
	}
	m.ID = msg.UUID
	if m.ID == "" {
		p.liveSeq++
		m.ID = fmt.Sprintf("live-%d", p.liveSeq)
	}
	return m
}

func (p *Process) appendLiveLocked(m transcript.Message) {
	p.live = append(p.live, m)
	if len(p.live) > liveHistoryMax {
		p.live = p.live[len(p.live)-liveHistoryMax:]
	}
}

func (p *Process) publishMessageLocked(m transcript.Message) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.New(events.KindMessage, p.sessionID, m))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
