// Package auth implements the zero-knowledge password layer: the SRP
// verifier store, the handshake state machines shared by HTTP login and
// the relay path, process-lifetime bearer tokens, and the authenticated
// encryption envelope for relayed frames.
package auth

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/1Password/srp"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// DefaultUsername is used when the operator does not choose one.
const DefaultUsername = "operator"

// authFile is the persisted state under the data dir.
const authFile = "auth.json"

const saltLen = 16

// State is the persisted auth configuration. The verifier is
// zero-knowledge: the password cannot be reconstructed from it.
type State struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username,omitempty"`
	Salt     []byte `json:"salt,omitempty"`
	Verifier []byte `json:"verifier,omitempty"`
}

// Store owns auth.json. Writes are serialized and use atomic rename so a
// crash never leaves a torn file.
type Store struct {
	path string

	mu    sync.Mutex
	state State
}

// NewStore loads the auth state from the data dir, defaulting to
// disabled when no file exists.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{path: filepath.Join(dataDir, authFile)}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read auth state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parse auth state: %w", err)
	}
	return s, nil
}

// Enabled reports whether password auth is configured.
func (s *Store) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Enabled
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.Salt = append([]byte(nil), s.state.Salt...)
	st.Verifier = append([]byte(nil), s.state.Verifier...)
	return st
}

// Enable derives a fresh salt and verifier from the password and
// persists them. An empty username falls back to the default.
func (s *Store) Enable(username, password string) error {
	if password == "" {
		return apperrors.BadRequest("password must not be empty")
	}
	if username == "" {
		username = DefaultUsername
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	verifier, err := computeVerifier(salt, username, password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{
		Enabled:  true,
		Username: username,
		Salt:     salt,
		Verifier: verifier,
	}
	return s.persistLocked()
}

// ChangePassword verifies the old password against the stored verifier
// and installs a new salt and verifier.
func (s *Store) ChangePassword(oldPassword, newPassword string) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if !st.Enabled {
		return apperrors.Conflict("auth is not enabled")
	}
	// The verifier is deterministic given salt and username, so the old
	// password can be checked by recomputation.
	old, err := computeVerifier(st.Salt, st.Username, oldPassword)
	if err != nil {
		return err
	}
	if new(big.Int).SetBytes(old).Cmp(new(big.Int).SetBytes(st.Verifier)) != 0 {
		return apperrors.Unauthorized("invalid credentials")
	}
	return s.Enable(st.Username, newPassword)
}

// Disable removes password auth.
func (s *Store) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{}
	return s.persistLocked()
}

// persistLocked writes auth.json via a temp file and atomic rename.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write auth state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace auth state: %w", err)
	}
	return nil
}

// computeVerifier derives the SRP verifier for the RFC 5054 3072-bit group.
func computeVerifier(salt []byte, username, password string) ([]byte, error) {
	x := srp.KDFRFC5054(salt, username, password)
	client := srp.NewSRPClient(srp.KnownGroups[srp.RFC5054Group3072], x, nil)
	v, err := client.Verifier()
	if err != nil {
		return nil, fmt.Errorf("compute verifier: %w", err)
	}
	return v.Bytes(), nil
}
