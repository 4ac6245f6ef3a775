package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

const (
	// DefaultProvider tags sessions produced by the stock AI CLI.
	DefaultProvider = "claude"

	// TranscriptExt is the per-session file extension under a project dir.
	TranscriptExt = ".jsonl"

	// DefaultExternalThreshold classifies an unowned session as external
	// when its file was modified this recently.
	DefaultExternalThreshold = 60 * time.Second
)

// Scanner limits for transcript lines, matching the CLI's stream limits.
const (
	scanInitialBuf = 64 * 1024
	scanMaxLine    = 10 * 1024 * 1024
)

// Status classifies a session relative to this server.
type Status string

const (
	// StatusOwned means an agent process of this server has the session open.
	StatusOwned Status = "owned"
	// StatusExternal means another producer is mutating the transcript.
	StatusExternal Status = "external"
	// StatusIdle means nobody is writing the transcript.
	StatusIdle Status = "idle"
)

// Ownership reports which sessions this server's supervisor has open.
type Ownership interface {
	OwnsSession(sessionID string) bool
}

// Project is one directory under the root whose name decodes to an
// absolute path.
type Project struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	SessionCount  int       `json:"sessionCount"`
	OwnedCount    int       `json:"ownedCount"`
	ExternalCount int       `json:"externalCount"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SessionInfo is the metadata derivable from one transcript file.
type SessionInfo struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Provider  string    `json:"provider"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Status    Status    `json:"status"`
}

// Store reads transcripts under one root directory.
type Store struct {
	root              string
	provider          string
	externalThreshold time.Duration
	ownership         Ownership
	logger            *logger.Logger
}

// NewStore creates a store over the given projects root.
func NewStore(root string, log *logger.Logger) *Store {
	return &Store{
		root:              root,
		provider:          DefaultProvider,
		externalThreshold: DefaultExternalThreshold,
		logger:            log.WithFields(zap.String("component", "transcript-store")),
	}
}

// SetOwnership wires the supervisor's ownership view into session
// classification. Safe to leave unset; everything is then idle/external.
func (s *Store) SetOwnership(o Ownership) {
	s.ownership = o
}

// SetExternalThreshold overrides the external-session mtime threshold.
func (s *Store) SetExternalThreshold(d time.Duration) {
	if d > 0 {
		s.externalThreshold = d
	}
}

// Root returns the projects root directory.
func (s *Store) Root() string {
	return s.root
}

// ProjectDir returns the directory backing a project id.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.root, projectID)
}

// SessionPath returns the transcript file backing a session.
func (s *Store) SessionPath(projectID, sessionID string) string {
	return filepath.Join(s.root, projectID, sessionID+TranscriptExt)
}

// Projects enumerates the project directories under the root. Directories
// whose names do not decode to an absolute path are ignored.
func (s *Store) Projects() ([]Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read projects root: %w", err)
	}

	projects := make([]Project, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path, err := DecodeProjectID(entry.Name())
		if err != nil {
			continue
		}

		sessions, err := s.Sessions(entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable project",
				zap.String("project_id", entry.Name()), zap.Error(err))
			continue
		}

		p := Project{ID: entry.Name(), Path: path, SessionCount: len(sessions)}
		for _, sess := range sessions {
			switch sess.Status {
			case StatusOwned:
				p.OwnedCount++
			case StatusExternal:
				p.ExternalCount++
			}
			if sess.UpdatedAt.After(p.UpdatedAt) {
				p.UpdatedAt = sess.UpdatedAt
			}
		}
		projects = append(projects, p)
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].UpdatedAt.After(projects[j].UpdatedAt)
	})
	return projects, nil
}

// Sessions enumerates the sessions of one project, newest first.
func (s *Store) Sessions(projectID string) ([]SessionInfo, error) {
	if _, err := DecodeProjectID(projectID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.ProjectDir(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read project dir: %w", err)
	}

	now := time.Now()
	sessions := make([]SessionInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), TranscriptExt) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), TranscriptExt)
		info := SessionInfo{
			ID:        id,
			ProjectID: projectID,
			Provider:  s.provider,
			CreatedAt: fi.ModTime(),
			UpdatedAt: fi.ModTime(),
		}
		info.Status = s.classify(id, fi.ModTime(), now)
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// classify derives the session status from ownership and file recency.
// A future-dated mtime counts as now so clock skew cannot pin a session
// in the external state.
func (s *Store) classify(sessionID string, mtime, now time.Time) Status {
	if s.ownership != nil && s.ownership.OwnsSession(sessionID) {
		return StatusOwned
	}
	if mtime.After(now) {
		mtime = now
	}
	if now.Sub(mtime) < s.externalThreshold {
		return StatusExternal
	}
	return StatusIdle
}

// SessionStatus classifies one session without reading its records.
func (s *Store) SessionStatus(projectID, sessionID string) (Status, error) {
	fi, err := os.Stat(s.SessionPath(projectID, sessionID))
	if err != nil {
		return "", err
	}
	return s.classify(sessionID, fi.ModTime(), time.Now()), nil
}

// FindSession locates the project owning a session id.
func (s *Store) FindSession(sessionID string) (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("read projects root: %w", err)
	}
	name := sessionID + TranscriptExt
	for _, entry := range entries {
		if !entry.IsDir() || !IsProjectID(entry.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), name)); err == nil {
			return entry.Name(), nil
		}
	}
	return "", os.ErrNotExist
}

// ReadRecords streams every record of a session in append order.
// Unparseable lines are skipped; readers must tolerate a torn final line
// while the producer is still appending.
func (s *Store) ReadRecords(projectID, sessionID string) ([]Record, error) {
	f, err := os.Open(s.SessionPath(projectID, sessionID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Debug("skipping malformed transcript line",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return records, nil
}

// ReadSession materializes the session metadata and its message
// projection. When afterID is non-empty and matches a message id, only
// the suffix strictly after it is returned; an unknown afterID returns
// the full projection, which the caller must treat as a resync.
func (s *Store) ReadSession(projectID, sessionID, afterID string) (*SessionInfo, []Message, error) {
	path := s.SessionPath(projectID, sessionID)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}

	records, err := s.ReadRecords(projectID, sessionID)
	if err != nil {
		return nil, nil, err
	}

	info := &SessionInfo{
		ID:        sessionID,
		ProjectID: projectID,
		Provider:  s.provider,
		CreatedAt: fi.ModTime(),
		UpdatedAt: fi.ModTime(),
	}
	info.Status = s.classify(sessionID, fi.ModTime(), time.Now())

	agents := SubAgentMap(records)

	messages := make([]Message, 0, len(records))
	for i := range records {
		rec := &records[i]
		if i == 0 && !rec.Timestamp.IsZero() {
			info.CreatedAt = rec.Timestamp
		}
		if !rec.visible() {
			continue
		}
		m := projectMessage(rec, i)
		if rec.Type == RecordUser && info.Title == "" && rec.Message != nil {
			info.Title = TitleFromContent(rec.Message.Content)
		}
		if m.ToolUseID != "" {
			if child, ok := agents[m.ToolUseID]; ok {
				m.AgentSessionID = child
			}
		}
		messages = append(messages, m)
	}

	if afterID != "" {
		for i, m := range messages {
			if m.ID == afterID {
				return info, messages[i+1:], nil
			}
		}
	}
	return info, messages, nil
}

// SubAgentMap extracts the {toolUseId → agentSessionId} relation from
// queue-op records, preserving the one-level sub-agent tree.
func SubAgentMap(records []Record) map[string]string {
	m := make(map[string]string)
	for i := range records {
		rec := &records[i]
		if rec.Type != RecordQueueOp || rec.ToolUseID == "" {
			continue
		}
		if raw, ok := rec.Extras["agent_session_id"]; ok {
			var child string
			if json.Unmarshal(raw, &child) == nil && child != "" {
				m[rec.ToolUseID] = child
			}
		}
	}
	return m
}
