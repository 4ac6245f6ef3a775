// Package push stores web-push subscriptions, one JSON file per browser
// profile under {dataDir}/push. Delivery to the push service itself is
// external; this server only keeps the registrations.
package push

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	apperrors "github.com/agentdeck/agentdeck/internal/common/errors"
)

// Keys are the client's encryption parameters from the browser push API.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one browser profile's push registration.
type Subscription struct {
	ProfileID string    `json:"profileId"`
	Endpoint  string    `json:"endpoint"`
	Keys      Keys      `json:"keys"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store owns the push directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a store under the data dir.
func NewStore(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "push")}
}

// fileFor maps a profile id to its file. Ids come from clients, so they
// are encoded rather than trusted as path components.
func (s *Store) fileFor(profileID string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(profileID))
	return filepath.Join(s.dir, name+".json")
}

// Save registers or replaces a profile's subscription.
func (s *Store) Save(sub Subscription) error {
	if sub.ProfileID == "" || sub.Endpoint == "" {
		return apperrors.BadRequest("profileId and endpoint are required")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create push dir: %w", err)
	}
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	path := s.fileFor(sub.ProfileID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write subscription: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace subscription: %w", err)
	}
	return nil
}

// Get returns one profile's subscription.
func (s *Store) Get(profileID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.fileFor(profileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("push subscription", profileID)
		}
		return nil, fmt.Errorf("read subscription: %w", err)
	}
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}
	return &sub, nil
}

// Delete removes a profile's subscription. Removing a missing one is
// not an error.
func (s *Store) Delete(profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.fileFor(profileID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// All lists every stored subscription.
func (s *Store) All() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read push dir: %w", err)
	}

	var subs []Subscription
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var sub Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
