// Package pool implements the Token Manager, C4: an in-memory pool of
// accounts wrapping the store, OAuth client, and rate-limit tracker, with
// session-sticky selection and lazy refresh. Grounded on the teacher's
// internal/account/manager.go (single coarse sync.RWMutex guarding account
// state plus strategy-driven selection) and strategies/sticky.go (pinning
// a session to an account index). Per SPEC_FULL.md §4.4/§9 this replaces
// the teacher's single coarse mutex with a pool-level sync.RWMutex plus a
// map[string]*sync.Mutex keyed by account id for per-account serialization,
// and reshapes sticky pinning into an explicit session-key → account-id
// binding table since the spec's session key is caller-supplied, not an
// implicit request cursor.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/antigravity-tools/gateway/internal/apierrors"
	"github.com/antigravity-tools/gateway/internal/logging"
	"github.com/antigravity-tools/gateway/internal/oauth"
	"github.com/antigravity-tools/gateway/internal/ratelimit"
	"github.com/antigravity-tools/gateway/internal/store"
)

const stickyTTL = 10 * time.Minute

// entry is one pool-resident account plus its runtime-only state.
type entry struct {
	account   *store.Account
	forbidden bool // invalid_grant observed this process lifetime, not persisted
}

// binding pins a session key to an account for the sticky TTL.
type binding struct {
	accountID string
	expiresAt time.Time
}

// Manager is the in-memory account pool.
type Manager struct {
	mu       sync.RWMutex
	entries  []*entry
	cursor   int // round-robin tie-break cursor
	bindings map[string]binding

	acctMu sync.Mutex // guards acctLocks map itself, not account state
	acctLocks map[string]*sync.Mutex

	store     *store.Store
	oauthc    *oauth.Client
	rateLimit *ratelimit.Tracker
	log       *logging.Logger
}

// New creates a Manager wired to the given store, OAuth client, and
// rate-limit tracker.
func New(st *store.Store, oauthc *oauth.Client, rl *ratelimit.Tracker, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default
	}
	return &Manager{
		bindings:  make(map[string]binding),
		acctLocks: make(map[string]*sync.Mutex),
		store:     st,
		oauthc:    oauthc,
		rateLimit: rl,
		log:       log,
	}
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.acctMu.Lock()
	defer m.acctMu.Unlock()
	l, ok := m.acctLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.acctLocks[id] = l
	}
	return l
}

// LoadAccounts clears and rebuilds the pool from the store, returning the
// count of accounts that are not permanently forbidden.
func (m *Manager) LoadAccounts() (int, error) {
	accounts, err := m.store.List()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make([]*entry, 0, len(accounts))
	for _, acc := range accounts {
		m.entries = append(m.entries, &entry{account: acc})
	}
	m.cursor = 0
	return len(m.entries), nil
}

// Len returns the number of live (loaded, not necessarily available)
// accounts in the pool.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Selected is the result of a successful GetToken call.
type Selected struct {
	AccessToken string
	ProjectID   string
	Email       string
	AccountID   string
}

// GetToken selects an account per spec.md §4.4's priority policy, ensures
// its token is fresh (refreshing and persisting through the store when
// needed), and returns its credentials. requestType is currently
// unused by the selection policy itself but threaded through for callers
// that want to log it.
func (m *Manager) GetToken(ctx context.Context, requestType string, forceRotate bool, sessionKey, excludeID string) (Selected, error) {
	for {
		acc, err := m.selectAccount(sessionKey, forceRotate, excludeID)
		if err != nil {
			return Selected{}, err
		}

		lock := m.lockFor(acc.ID)
		lock.Lock()
		fresh, err := m.oauthc.EnsureFresh(ctx, acc.Token)
		if err != nil {
			lock.Unlock()
			if ge, ok := err.(*apierrors.GatewayError); ok && !ge.Retryable {
				// invalid_grant or similarly terminal: forbid in memory and
				// retry selection against the remaining pool.
				m.forbid(acc.ID)
				continue
			}
			return Selected{}, err
		}

		if fresh.AccessToken != acc.Token.AccessToken {
			acc.Token = fresh
			if err := m.store.Save(acc); err != nil {
				m.log.Warn("[pool] failed to persist refreshed token for %s: %v", acc.Email, err)
			}
		}
		lock.Unlock()

		m.touch(acc.ID, sessionKey)

		return Selected{
			AccessToken: fresh.AccessToken,
			ProjectID:   fresh.ProjectID,
			Email:       acc.Email,
			AccountID:   acc.ID,
		}, nil
	}
}

// selectAccount applies the priority policy: sticky binding, then
// least-recently-used among eligible accounts with round-robin tie-break,
// excluding excludeID when force-rotating.
func (m *Manager) selectAccount(sessionKey string, forceRotate bool, excludeID string) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return nil, apierrors.NewNoAccountsError(false)
	}

	if !forceRotate && sessionKey != "" {
		if b, ok := m.bindings[sessionKey]; ok && time.Now().Before(b.expiresAt) {
			for _, e := range m.entries {
				if e.account.ID == b.accountID && m.eligibleLocked(e) {
					return e.account, nil
				}
			}
		}
	}

	var best *entry
	bestIdx := -1
	n := len(m.entries)
	for offset := 0; offset < n; offset++ {
		idx := (m.cursor + offset) % n
		e := m.entries[idx]
		if e.account.ID == excludeID {
			continue
		}
		if !m.eligibleLocked(e) {
			continue
		}
		if best == nil || e.account.LastUsedAt.Before(best.account.LastUsedAt) {
			best = e
			bestIdx = idx
		}
	}

	if best == nil {
		allCooling := true
		for _, e := range m.entries {
			if !e.forbidden && !m.rateLimit.IsCooling(e.account.Email) {
				allCooling = false
				break
			}
		}
		return nil, apierrors.NewNoAccountsError(allCooling)
	}

	m.cursor = (bestIdx + 1) % n
	return best.account, nil
}

func (m *Manager) eligibleLocked(e *entry) bool {
	if e.forbidden {
		return false
	}
	return !m.rateLimit.IsCooling(e.account.Email)
}

// forbid marks an account forbidden for the remainder of this process's
// lifetime (not persisted — a fresh process gets another chance).
func (m *Manager) forbid(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.account.ID == id {
			e.forbidden = true
			return
		}
	}
}

// touch updates last-used-at and refreshes the session binding.
func (m *Manager) touch(accountID, sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.account.ID == accountID {
			e.account.LastUsedAt = time.Now()
			break
		}
	}
	if sessionKey != "" {
		m.bindings[sessionKey] = binding{accountID: accountID, expiresAt: time.Now().Add(stickyTTL)}
	}
}

// MarkRateLimited delegates to the rate-limit tracker, keyed by email.
func (m *Manager) MarkRateLimited(email string, status int, retryAfterHeader, body string) time.Duration {
	return m.rateLimit.MarkRateLimited(email, status, retryAfterHeader, body)
}
