package frames

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// ProgressInterval is how many accepted bytes pass between
// upload_progress frames.
const ProgressInterval = 64 * 1024

// DefaultMaxUploadSize caps a single upload.
const DefaultMaxUploadSize = 100 * 1024 * 1024

// UploadManager tracks in-flight uploads for one connection. Chunks are
// spooled to .part files in the shared uploads dir; sealing renames the
// spool into place. Orphans left by a dropped connection are removed by
// CloseAll.
type UploadManager struct {
	dir     string
	maxSize int64
	logger  *logger.Logger

	mu     sync.Mutex
	active map[string]*upload
}

type upload struct {
	id           string
	projectID    string
	sessionID    string
	filename     string
	mimeType     string
	size         int64
	received     int64
	lastProgress int64
	file         *os.File
	path         string
}

// NewUploadManager creates a manager spooling into dir.
func NewUploadManager(dir string, maxSize int64, log *logger.Logger) *UploadManager {
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}
	return &UploadManager{
		dir:     dir,
		maxSize: maxSize,
		logger:  log.WithFields(zap.String("component", "uploads")),
		active:  make(map[string]*upload),
	}
}

// Start opens an upload slot from an upload_start frame.
func (m *UploadManager) Start(f *Frame) error {
	if f.UploadID == "" || f.Filename == "" {
		return apperrors.BadRequest("uploadId and filename are required")
	}
	if f.Size < 0 {
		return apperrors.BadRequest("size must not be negative")
	}
	if f.Size > m.maxSize {
		return apperrors.TooLarge(fmt.Sprintf("upload exceeds limit of %d bytes", m.maxSize))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.active[f.UploadID]; dup {
		return apperrors.Conflict("upload id already in use")
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return apperrors.InternalError("create uploads dir", err)
	}
	path := filepath.Join(m.dir, f.UploadID+".part")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return apperrors.InternalError("create upload spool", err)
	}

	m.active[f.UploadID] = &upload{
		id:        f.UploadID,
		projectID: f.ProjectID,
		sessionID: f.SessionID,
		filename:  filepath.Base(f.Filename),
		mimeType:  f.MimeType,
		size:      f.Size,
		file:      file,
		path:      path,
	}
	m.logger.Debug("Upload started",
		zap.String("upload_id", f.UploadID),
		zap.Int64("size", f.Size))
	return nil
}

// Chunk appends one binary chunk. The offset must equal the bytes
// accepted so far; anything else is rejected without advancing state.
// progress reports whether a progress frame is due.
func (m *UploadManager) Chunk(uploadID string, offset uint64, data []byte) (received int64, progress bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.active[uploadID]
	if !ok {
		return 0, false, apperrors.NotFound("upload", uploadID)
	}
	if offset != uint64(u.received) {
		return u.received, false, apperrors.BadRequest("Invalid offset")
	}
	if u.received+int64(len(data)) > u.size {
		return u.received, false, apperrors.BadRequest("chunk exceeds declared size")
	}

	if _, err := u.file.Write(data); err != nil {
		return u.received, false, apperrors.InternalError("write upload chunk", err)
	}
	u.received += int64(len(data))

	if u.received-u.lastProgress >= ProgressInterval {
		u.lastProgress = u.received
		progress = true
	}
	return u.received, progress, nil
}

// End seals an upload and returns its descriptor.
func (m *UploadManager) End(uploadID string) (*FileDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.active[uploadID]
	if !ok {
		return nil, apperrors.NotFound("upload", uploadID)
	}
	if u.received != u.size {
		return nil, apperrors.BadRequest(
			fmt.Sprintf("upload incomplete: %d of %d bytes", u.received, u.size))
	}

	if err := u.file.Close(); err != nil {
		return nil, apperrors.InternalError("close upload spool", err)
	}
	final := filepath.Join(m.dir, u.id+"-"+u.filename)
	if err := os.Rename(u.path, final); err != nil {
		return nil, apperrors.InternalError("seal upload", err)
	}
	delete(m.active, uploadID)

	m.logger.Info("Upload complete",
		zap.String("upload_id", u.id),
		zap.String("filename", u.filename),
		zap.Int64("size", u.size))
	return &FileDescriptor{
		ID:           u.id,
		OriginalName: u.filename,
		Size:         u.size,
		MimeType:     u.mimeType,
		Path:         final,
	}, nil
}

// CloseAll discards every in-flight upload. Called when the owning
// connection goes away.
func (m *UploadManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, u := range m.active {
		u.file.Close()
		if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("Failed to remove orphaned upload",
				zap.String("upload_id", id), zap.Error(err))
		}
		delete(m.active, id)
	}
}
