// Package store persists accounts in the two-file layout spec.md §4.1
// describes: an index file plus one JSON record per account, under
// <home>/.antigravity_tools/. Grounded on the teacher's
// internal/config/server_presets.go read/create-with-defaults/write idiom
// (os.MkdirAll + json.MarshalIndent + os.WriteFile(0644), merge-on-read),
// generalized from a single presets file to an index-plus-shard layout.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-tools/gateway/internal/config"
)

// TokenData is an account's OAuth token state.
type TokenData struct {
	AccessToken     string `json:"accessToken"`
	RefreshToken    string `json:"refreshToken"`
	ExpiryTimestamp int64  `json:"expiryTimestamp"` // epoch seconds
	Email           string `json:"email,omitempty"`
	ProjectID       string `json:"projectId,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
}

// Valid reports whether the access token is still usable, applying the
// spec's 60-second expiry skew: now + 60s < expiry.
func (t TokenData) Valid(now time.Time) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Add(60*time.Second).Unix() < t.ExpiryTimestamp
}

// ModelQuota is per-model quota info cached from C8.
type ModelQuota struct {
	PercentageRemaining int    `json:"percentageRemaining"`
	ResetTime           string `json:"resetTime,omitempty"`
}

// QuotaData is an account's cached quota snapshot.
type QuotaData struct {
	Models      map[string]ModelQuota `json:"models,omitempty"`
	IsForbidden bool                  `json:"isForbidden,omitempty"`
}

// Account is a persisted OAuth account record.
type Account struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"displayName,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  time.Time  `json:"lastUsedAt,omitempty"`
	Token       TokenData  `json:"token"`
	Quota       *QuotaData `json:"quota,omitempty"`
}

// summary is one entry in the account index.
type summary struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt,omitempty"`
}

// index is the accounts.json document.
type index struct {
	Accounts         []summary `json:"accounts"`
	CurrentAccountID string    `json:"currentAccountId,omitempty"`
}

// Store is the filesystem-backed account store. Writes are serialized
// behind a single global lock per spec.md §4.1 — the request path never
// writes directly, only a refreshed token does, via the pool.
type Store struct {
	mu  sync.Mutex
	dir string
}

// New creates a Store rooted at <home>/.antigravity_tools.
func New() *Store {
	return &Store{dir: config.HomeDir()}
}

// NewAt creates a Store rooted at an explicit directory, for tests.
func NewAt(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) indexPath() string        { return filepath.Join(s.dir, "accounts.json") }
func (s *Store) accountPath(id string) string { return filepath.Join(s.dir, "accounts", id+".json") }

func (s *Store) readIndexLocked() (index, error) {
	var idx index
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return index{}, nil
		}
		return idx, err
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return index{}, err
	}
	return idx, nil
}

func (s *Store) writeIndexLocked(idx index) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexPath(), data, 0o644)
}

// List returns all account records. A summary whose per-account record is
// missing on disk is a recoverable anomaly: it is skipped here and will be
// re-created the next time Upsert is called for that email.
func (s *Store) List() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndexLocked()
	if err != nil {
		return nil, err
	}

	accounts := make([]*Account, 0, len(idx.Accounts))
	for _, sm := range idx.Accounts {
		acc, err := s.loadLocked(sm.ID)
		if err != nil {
			continue
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func (s *Store) loadLocked(id string) (*Account, error) {
	data, err := os.ReadFile(s.accountPath(id))
	if err != nil {
		return nil, err
	}
	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// Load reads a single account record by id.
func (s *Store) Load(id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

// Save writes an account record and refreshes its index summary.
func (s *Store) Save(acc *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(acc)
}

func (s *Store) saveLocked(acc *Account) error {
	if err := os.MkdirAll(filepath.Join(s.dir, "accounts"), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.accountPath(acc.ID), data, 0o644); err != nil {
		return err
	}

	idx, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	found := false
	for i, sm := range idx.Accounts {
		if sm.ID == acc.ID {
			idx.Accounts[i] = summary{ID: acc.ID, Email: acc.Email, Name: acc.DisplayName, CreatedAt: acc.CreatedAt, LastUsedAt: acc.LastUsedAt}
			found = true
			break
		}
	}
	if !found {
		idx.Accounts = append(idx.Accounts, summary{ID: acc.ID, Email: acc.Email, Name: acc.DisplayName, CreatedAt: acc.CreatedAt, LastUsedAt: acc.LastUsedAt})
	}
	return s.writeIndexLocked(idx)
}

// Upsert creates or updates the account identified by email (the
// uniqueness key per spec.md §4.1; id is assigned once and never changes).
func (s *Store) Upsert(email, displayName string, token TokenData) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndexLocked()
	if err != nil {
		return nil, err
	}

	for _, sm := range idx.Accounts {
		if sm.Email == email {
			acc, err := s.loadLocked(sm.ID)
			if err != nil {
				// Summary present but record missing/corrupt: recreate it
				// from the incoming token, preserving the assigned id.
				acc = &Account{ID: sm.ID, Email: email, CreatedAt: sm.CreatedAt}
			}
			acc.Email = email
			if displayName != "" {
				acc.DisplayName = displayName
			}
			acc.Token = token
			if err := s.saveLocked(acc); err != nil {
				return nil, err
			}
			return acc, nil
		}
	}

	acc := &Account{
		ID:          uuid.NewString(),
		Email:       email,
		DisplayName: displayName,
		CreatedAt:   time.Now(),
		Token:       token,
	}
	if err := s.saveLocked(acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// Delete removes an account's record and index entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	kept := idx.Accounts[:0]
	for _, sm := range idx.Accounts {
		if sm.ID != id {
			kept = append(kept, sm)
		}
	}
	idx.Accounts = kept
	if idx.CurrentAccountID == id {
		idx.CurrentAccountID = ""
	}
	if err := s.writeIndexLocked(idx); err != nil {
		return err
	}

	if err := os.Remove(s.accountPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CurrentAccountID returns the id of the account whose tokens were last
// injected into the external consumer application, if any.
func (s *Store) CurrentAccountID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.readIndexLocked()
	if err != nil {
		return "", err
	}
	return idx.CurrentAccountID, nil
}

// SetCurrentAccountID records which account's tokens were last injected.
func (s *Store) SetCurrentAccountID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.readIndexLocked()
	if err != nil {
		return err
	}
	idx.CurrentAccountID = id
	return s.writeIndexLocked(idx)
}

// ErrNotFound is returned when an account id has no backing record.
var ErrNotFound = fmt.Errorf("account not found")
