package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/antigravity-tools/gateway/internal/oauth"
	"github.com/antigravity-tools/gateway/internal/ratelimit"
	"github.com/antigravity-tools/gateway/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	st := store.NewAt(t.TempDir())
	oc := oauth.New(nil)
	return New(st, oc, ratelimit.New(), nil), st
}

func seedAccount(t *testing.T, st *store.Store, email string, lastUsed time.Time) *store.Account {
	t.Helper()
	acc, err := st.Upsert(email, "", store.TokenData{
		AccessToken:     "tok-" + email,
		ExpiryTimestamp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	acc.LastUsedAt = lastUsed
	if err := st.Save(acc); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return acc
}

func TestLoadAccountsCount(t *testing.T) {
	m, st := newTestManager(t)
	seedAccount(t, st, "a@example.com", time.Now().Add(-time.Hour))
	seedAccount(t, st, "b@example.com", time.Now().Add(-2*time.Hour))

	n, err := m.LoadAccounts()
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 accounts, got %d", n)
	}
	if m.Len() != 2 {
		t.Fatalf("expected Len()==2, got %d", m.Len())
	}
}

func TestGetTokenPicksLeastRecentlyUsed(t *testing.T) {
	m, st := newTestManager(t)
	seedAccount(t, st, "recent@example.com", time.Now())
	older := seedAccount(t, st, "older@example.com", time.Now().Add(-time.Hour))
	if _, err := m.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	sel, err := m.GetToken(context.Background(), "chat", false, "", "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if sel.Email != older.Email {
		t.Fatalf("expected least-recently-used account %s, got %s", older.Email, sel.Email)
	}
}

func TestGetTokenSessionSticky(t *testing.T) {
	m, st := newTestManager(t)
	seedAccount(t, st, "a@example.com", time.Now().Add(-time.Hour))
	seedAccount(t, st, "b@example.com", time.Now().Add(-2*time.Hour))
	if _, err := m.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	first, err := m.GetToken(context.Background(), "chat", false, "session-1", "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	// Without stickiness, the second call would pick the other
	// (now-least-recently-used) account; with the session key bound, it
	// must return the same one.
	second, err := m.GetToken(context.Background(), "chat", false, "session-1", "")
	if err != nil {
		t.Fatalf("GetToken (sticky): %v", err)
	}
	if second.AccountID != first.AccountID {
		t.Fatalf("expected session stickiness to pin the same account, got %s then %s", first.AccountID, second.AccountID)
	}
}

func TestGetTokenForceRotateExcludesPrevious(t *testing.T) {
	m, st := newTestManager(t)
	a := seedAccount(t, st, "a@example.com", time.Now().Add(-time.Hour))
	b := seedAccount(t, st, "b@example.com", time.Now().Add(-time.Hour))
	if _, err := m.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	sel, err := m.GetToken(context.Background(), "chat", true, "", a.ID)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if sel.AccountID != b.ID {
		t.Fatalf("expected force-rotate to exclude %s and pick %s, got %s", a.ID, b.ID, sel.AccountID)
	}
}

func TestGetTokenNoAccountsErrors(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if _, err := m.GetToken(context.Background(), "chat", false, "", ""); err == nil {
		t.Fatalf("expected error when pool is empty")
	}
}

func TestGetTokenRefreshesExpiredTokenAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"refreshed-token","expires_in":3600}`))
	}))
	defer srv.Close()

	st := store.NewAt(t.TempDir())
	oc := &oauth.Client{HTTP: srv.Client()}
	m := New(st, oc, ratelimit.New(), nil)

	acc, err := st.Upsert("stale@example.com", "", store.TokenData{
		AccessToken:     "old",
		RefreshToken:    "rt",
		ExpiryTimestamp: time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	_ = acc
	if _, err := m.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	// Redirect the OAuth token endpoint at the package level for this test.
	restore := oauth.SetTokenURLForTesting(srv.URL)
	defer restore()

	sel, err := m.GetToken(context.Background(), "chat", false, "", "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if sel.AccessToken != "refreshed-token" {
		t.Fatalf("expected refreshed token, got %q", sel.AccessToken)
	}

	reloaded, err := st.Load(sel.AccountID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Token.AccessToken != "refreshed-token" {
		t.Fatalf("expected refreshed token to be persisted, got %q", reloaded.Token.AccessToken)
	}
}

func TestMarkRateLimitedExcludesFromSelection(t *testing.T) {
	m, st := newTestManager(t)
	limited := seedAccount(t, st, "limited@example.com", time.Now().Add(-2*time.Hour))
	seedAccount(t, st, "fine@example.com", time.Now().Add(-time.Hour))
	if _, err := m.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	m.MarkRateLimited(limited.Email, 429, "3600", "")

	sel, err := m.GetToken(context.Background(), "chat", false, "", "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if sel.Email == limited.Email {
		t.Fatalf("expected rate-limited account to be excluded from selection")
	}
}
