package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// DefaultIdleTimeout is how long an idle process is kept before reaping.
const DefaultIdleTimeout = 5 * time.Minute

// reapInterval is how often the idle reaper scans.
const reapInterval = 30 * time.Second

// StartResult is returned by Start and Resume.
type StartResult struct {
	SessionID   string `json:"sessionId"`
	ProcessID   string `json:"processId"`
	ModeVersion uint64 `json:"modeVersion"`
}

// Supervisor indexes live agent processes by session id and process id,
// routes operations to them and enforces at most one owner per session.
type Supervisor struct {
	runner      Runner
	store       *transcript.Store
	bus         *bus.Bus
	logger      *logger.Logger
	idleTimeout time.Duration

	mu        sync.RWMutex
	bySession map[string]*Process
	byProcess map[string]*Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a supervisor. Call Start to begin idle reaping.
func NewSupervisor(runner Runner, store *transcript.Store, b *bus.Bus, idleTimeout time.Duration, log *logger.Logger) *Supervisor {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	s := &Supervisor{
		runner:      runner,
		store:       store,
		bus:         b,
		logger:      log.WithFields(zap.String("component", "supervisor")),
		idleTimeout: idleTimeout,
		bySession:   make(map[string]*Process),
		byProcess:   make(map[string]*Process),
	}
	store.SetOwnership(s)
	return s
}

// Start launches the idle reaper.
func (s *Supervisor) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.reapLoop()
}

// Stop aborts every live process and stops the reaper.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	for _, p := range s.snapshot() {
		_ = p.Abort()
	}
	s.wg.Wait()
}

// OwnsSession implements transcript.Ownership.
func (s *Supervisor) OwnsSession(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySession[sessionID]
	return ok
}

// StartSession spawns a fresh agent process for a project and queues the
// initial message. Returns as soon as the child is spawned.
func (s *Supervisor) StartSession(ctx context.Context, projectID, initialMessage string, mode Mode) (*StartResult, error) {
	projectPath, err := transcript.DecodeProjectID(projectID)
	if err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid project id: %v", err))
	}

	sessionID := uuid.New().String()
	p, err := s.spawn(ctx, projectID, projectPath, StartOptions{
		ProjectPath: projectPath,
		SessionID:   sessionID,
		Mode:        mode,
	}, mode)
	if err != nil {
		return nil, err
	}

	if initialMessage != "" {
		if _, err := p.QueueMessage(initialMessage, ""); err != nil {
			_ = p.Abort()
			return nil, err
		}
	}

	_, version := p.Mode()
	return &StartResult{SessionID: sessionID, ProcessID: p.ID(), ModeVersion: version}, nil
}

// Resume targets an existing session. Owned sessions just queue the
// message; external ones conflict; idle ones get a resumed invocation.
func (s *Supervisor) Resume(ctx context.Context, projectID, sessionID, message string, mode Mode) (*StartResult, error) {
	s.mu.RLock()
	existing := s.bySession[sessionID]
	s.mu.RUnlock()

	if existing != nil {
		if message != "" {
			if _, err := existing.QueueMessage(message, ""); err != nil {
				return nil, err
			}
		}
		_, version := existing.Mode()
		return &StartResult{SessionID: sessionID, ProcessID: existing.ID(), ModeVersion: version}, nil
	}

	status, err := s.store.SessionStatus(projectID, sessionID)
	if err != nil {
		return nil, apperrors.NotFound("session", sessionID)
	}
	if status == transcript.StatusExternal {
		return nil, apperrors.Conflict(fmt.Sprintf("session %s is owned by an external producer", sessionID))
	}

	projectPath, err := transcript.DecodeProjectID(projectID)
	if err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid project id: %v", err))
	}

	p, err := s.spawn(ctx, projectID, projectPath, StartOptions{
		ProjectPath: projectPath,
		SessionID:   sessionID,
		Resume:      true,
		Mode:        mode,
	}, mode)
	if err != nil {
		return nil, err
	}

	if message != "" {
		if _, err := p.QueueMessage(message, ""); err != nil {
			_ = p.Abort()
			return nil, err
		}
	}

	_, version := p.Mode()
	return &StartResult{SessionID: sessionID, ProcessID: p.ID(), ModeVersion: version}, nil
}

// lifecycleCtx is the context children live under. The spawning request
// returns long before the child finishes, so processes are tied to the
// supervisor, never to the caller.
func (s *Supervisor) lifecycleCtx() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// spawn creates, registers and starts one process. ctx covers only the
// synchronous spawn phase; the process itself outlives it.
func (s *Supervisor) spawn(ctx context.Context, projectID, projectPath string, opts StartOptions, mode Mode) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := newProcess(s.lifecycleCtx(), projectID, projectPath, s.runner, s.bus, s.logger, mode)
	p.onSessionID = s.adoptSessionID
	p.onComplete = s.release

	s.mu.Lock()
	if other, ok := s.bySession[opts.SessionID]; ok && opts.SessionID != "" {
		s.mu.Unlock()
		return nil, apperrors.Conflict(fmt.Sprintf("session %s already owned by process %s", opts.SessionID, other.ID()))
	}
	if opts.SessionID != "" {
		s.bySession[opts.SessionID] = p
	}
	s.byProcess[p.ID()] = p
	s.mu.Unlock()

	if err := p.start(opts); err != nil {
		s.mu.Lock()
		delete(s.byProcess, p.ID())
		if opts.SessionID != "" && s.bySession[opts.SessionID] == p {
			delete(s.bySession, opts.SessionID)
		}
		s.mu.Unlock()
		return nil, apperrors.InternalError("failed to start agent process", err)
	}

	s.publishStatus(opts.SessionID, transcript.StatusOwned)
	s.publishActivity()
	return p, nil
}

// adoptSessionID re-indexes a process when the child reports a session
// id different from the one we assigned. A collision with another live
// process aborts the duplicate; the first owner wins.
func (s *Supervisor) adoptSessionID(p *Process, old, current string) {
	s.mu.Lock()
	if other, ok := s.bySession[current]; ok && other != p {
		s.mu.Unlock()
		s.logger.Warn("duplicate session owner, aborting newcomer",
			zap.String("session_id", current),
			zap.String("process_id", p.ID()))
		_ = p.Abort()
		return
	}
	if old != "" && s.bySession[old] == p {
		delete(s.bySession, old)
	}
	s.bySession[current] = p
	s.mu.Unlock()

	s.logger.Info("session id adopted",
		zap.String("old", old), zap.String("session_id", current))
	s.publishStatus(current, transcript.StatusOwned)
}

// release drops a finished process from both indices.
func (s *Supervisor) release(p *Process) {
	sessionID := p.SessionID()
	s.mu.Lock()
	delete(s.byProcess, p.ID())
	if sessionID != "" && s.bySession[sessionID] == p {
		delete(s.bySession, sessionID)
	}
	s.mu.Unlock()

	s.publishStatus(sessionID, transcript.StatusIdle)
	s.publishActivity()
}

// ProcessBySession returns the owning process, if any.
func (s *Supervisor) ProcessBySession(sessionID string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.bySession[sessionID]
	return p, ok
}

// ProcessByID returns a process by its server-local id.
func (s *Supervisor) ProcessByID(processID string) (*Process, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byProcess[processID]
	return p, ok
}

// Queue enqueues a message on the session's owning process.
func (s *Supervisor) Queue(sessionID, message, tempID string) (int, error) {
	p, ok := s.ProcessBySession(sessionID)
	if !ok {
		return 0, apperrors.Conflict(fmt.Sprintf("session %s is not owned by this server", sessionID))
	}
	return p.QueueMessage(message, tempID)
}

// Abort terminates a process by id.
func (s *Supervisor) Abort(processID string) error {
	p, ok := s.ProcessByID(processID)
	if !ok {
		return apperrors.NotFound("process", processID)
	}
	return p.Abort()
}

// RespondToInput routes an input-request response by session.
func (s *Supervisor) RespondToInput(sessionID, requestID, response string) error {
	p, ok := s.ProcessBySession(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	return p.RespondToInput(requestID, response)
}

// SetPermissionMode routes a mode change by session.
func (s *Supervisor) SetPermissionMode(sessionID string, mode Mode, version uint64) (uint64, error) {
	p, ok := s.ProcessBySession(sessionID)
	if !ok {
		return 0, apperrors.NotFound("session", sessionID)
	}
	return p.SetPermissionMode(mode, version)
}

// SetHold routes a hold toggle by session.
func (s *Supervisor) SetHold(sessionID string, on bool) error {
	p, ok := s.ProcessBySession(sessionID)
	if !ok {
		return apperrors.NotFound("session", sessionID)
	}
	p.SetHold(on)
	return nil
}

// List snapshots every live process for the UI, newest first.
func (s *Supervisor) List() []ProcessInfo {
	procs := s.snapshot()
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, p.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}

// ActiveCount counts processes currently streaming or waiting on input.
func (s *Supervisor) ActiveCount() int {
	count := 0
	for _, p := range s.snapshot() {
		switch p.State() {
		case StateStreaming, StateWaitingInput:
			count++
		}
	}
	return count
}

func (s *Supervisor) snapshot() []*Process {
	s.mu.RLock()
	defer s.mu.RUnlock()
	procs := make([]*Process, 0, len(s.byProcess))
	for _, p := range s.byProcess {
		procs = append(procs, p)
	}
	return procs
}

// reapLoop terminates processes that sit idle past the timeout. It never
// touches streaming or waiting-input processes.
func (s *Supervisor) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, p := range s.snapshot() {
				if p.IdleFor(now) > s.idleTimeout {
					s.logger.Info("reaping idle process",
						zap.String("process_id", p.ID()),
						zap.String("session_id", p.SessionID()))
					_ = p.Abort()
				}
			}
		}
	}
}

func (s *Supervisor) publishStatus(sessionID string, status transcript.Status) {
	if s.bus == nil || sessionID == "" {
		return
	}
	s.bus.Publish(bus.New(events.KindSessionStatus, sessionID, events.SessionStatus{
		SessionID: sessionID,
		Status:    string(status),
	}))
}

func (s *Supervisor) publishActivity() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.New(events.KindWorkerActivity, "", events.WorkerActivity{
		ActiveProcesses: s.ActiveCount(),
		TotalProcesses:  len(s.snapshot()),
	}))
}
