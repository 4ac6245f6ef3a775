package session

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/agent"
	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/transcript"
)

// Summary is the session listing shape: transcript-derived metadata
// merged with the operator overlay and live process state.
type Summary struct {
	transcript.SessionInfo
	CustomTitle string      `json:"customTitle,omitempty"`
	Starred     bool        `json:"starred,omitempty"`
	Archived    bool        `json:"archived,omitempty"`
	LastSeenAt  *time.Time  `json:"lastSeenAt,omitempty"`
	ProcessID   string      `json:"processId,omitempty"`
	State       agent.State `json:"state,omitempty"`
}

// Detail is the full session read: metadata, the merged message list and
// the live process overlay.
type Detail struct {
	Session      transcript.SessionInfo   `json:"session"`
	Metadata     *Metadata                `json:"metadata,omitempty"`
	Messages     []transcript.Message     `json:"messages"`
	ProcessID    string                   `json:"processId,omitempty"`
	State        agent.State              `json:"state,omitempty"`
	Mode         agent.Mode               `json:"mode,omitempty"`
	ModeVersion  uint64                   `json:"modeVersion,omitempty"`
	QueueDepth   int                      `json:"queueDepth,omitempty"`
	InputRequest *transcript.InputRequest `json:"inputRequest,omitempty"`
}

// View is the read-only composition of transcript store, supervisor and
// metadata overlay.
type View struct {
	store  *transcript.Store
	sup    *agent.Supervisor
	meta   *MetaStore
	logger *logger.Logger
}

// NewView wires the composition. meta may be nil; the overlay is then
// skipped.
func NewView(store *transcript.Store, sup *agent.Supervisor, meta *MetaStore, log *logger.Logger) *View {
	return &View{
		store:  store,
		sup:    sup,
		meta:   meta,
		logger: log.WithFields(zap.String("component", "session-view")),
	}
}

// Summaries lists the sessions of a project with the overlay applied.
func (v *View) Summaries(ctx context.Context, projectID string) ([]Summary, error) {
	infos, err := v.store.Sessions(projectID)
	if err != nil {
		return nil, apperrors.Wrap(err, "list sessions")
	}

	var overlay map[string]Metadata
	if v.meta != nil {
		overlay, err = v.meta.All(ctx)
		if err != nil {
			v.logger.Warn("metadata overlay unavailable", zap.Error(err))
		}
	}

	summaries := make([]Summary, 0, len(infos))
	for _, info := range infos {
		s := Summary{SessionInfo: info}
		if m, ok := overlay[info.ID]; ok {
			s.CustomTitle = m.CustomTitle
			s.Starred = m.Starred
			s.Archived = m.Archived
			if m.LastSeenAt != nil {
				s.LastSeenAt = m.LastSeenAt
			}
		}
		if p, ok := v.sup.ProcessBySession(info.ID); ok {
			s.ProcessID = p.ID()
			s.State = p.State()
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// Get assembles the session detail. The disk projection is canonical;
// live-only messages from an owning process are overlaid and deduped by
// uuid with disk winning. afterID slices the merged list; an unknown
// afterID returns everything, which the caller treats as a resync.
func (v *View) Get(ctx context.Context, projectID, sessionID, afterID string) (*Detail, error) {
	info, diskMsgs, err := v.store.ReadSession(projectID, sessionID, "")
	p, owned := v.sup.ProcessBySession(sessionID)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.Wrap(err, "read session")
		}
		if !owned {
			return nil, apperrors.NotFound("session", sessionID)
		}
		// Owned but not yet flushed: the child has not written its first
		// record. Serve the live overlay alone.
		info = &transcript.SessionInfo{
			ID:        sessionID,
			ProjectID: projectID,
			Status:    transcript.StatusOwned,
		}
		diskMsgs = nil
	}

	messages := diskMsgs
	d := &Detail{Session: *info}

	if owned {
		d.Session.Status = transcript.StatusOwned
		seen := make(map[string]struct{}, len(diskMsgs))
		for _, m := range diskMsgs {
			if m.UUID != "" {
				seen[m.UUID] = struct{}{}
			}
		}
		for _, m := range p.LiveMessages() {
			if m.UUID != "" {
				if _, dup := seen[m.UUID]; dup {
					continue
				}
			}
			messages = append(messages, m)
		}

		pi := p.Info()
		d.ProcessID = pi.ProcessID
		d.State = pi.State
		d.Mode = pi.Mode
		d.ModeVersion = pi.ModeVersion
		d.QueueDepth = pi.QueueDepth
		d.InputRequest = pi.InputRequest
	}

	if afterID != "" {
		for i, m := range messages {
			if m.ID == afterID {
				messages = messages[i+1:]
				break
			}
		}
	}
	d.Messages = messages

	if v.meta != nil {
		m, err := v.meta.Get(ctx, sessionID)
		if err != nil {
			v.logger.Warn("metadata overlay unavailable", zap.Error(err))
		} else if m != nil {
			d.Metadata = m
			if m.CustomTitle != "" {
				d.Session.Title = m.CustomTitle
			}
		}
	}
	return d, nil
}

// ResolveSubAgent maps a Task tool-use record to its child session and
// reads that child's transcript. Expansion is on demand; nothing is
// prefetched when reading the parent.
func (v *View) ResolveSubAgent(ctx context.Context, projectID, sessionID, toolUseID string) (*Detail, error) {
	records, err := v.store.ReadRecords(projectID, sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("session", sessionID)
		}
		return nil, apperrors.Wrap(err, "read session")
	}
	child, ok := transcript.SubAgentMap(records)[toolUseID]
	if !ok {
		return nil, apperrors.NotFound("sub-agent", toolUseID)
	}
	return v.Get(ctx, projectID, child, "")
}
