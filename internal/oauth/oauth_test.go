package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/antigravity-tools/gateway/internal/apierrors"
	"github.com/antigravity-tools/gateway/internal/store"
)

func TestParseComposite(t *testing.T) {
	rp := ParseComposite("rt123|proj-a|managed-b")
	if rp.RefreshToken != "rt123" || rp.ProjectID != "proj-a" || rp.ManagedProjectID != "managed-b" {
		t.Fatalf("unexpected parse: %+v", rp)
	}

	bare := ParseComposite("rt123")
	if bare.RefreshToken != "rt123" || bare.ProjectID != "" {
		t.Fatalf("unexpected bare parse: %+v", bare)
	}
}

func withTokenServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	origToken, origUserInfo := tokenURL, userInfoURL
	tokenURL = srv.URL
	userInfoURL = srv.URL
	t.Cleanup(func() {
		tokenURL, userInfoURL = origToken, origUserInfo
	})

	return &Client{HTTP: srv.Client()}
}

func TestRefreshSuccess(t *testing.T) {
	c := withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"new-token","expires_in":3600}`))
	})

	accessToken, expiresIn, err := c.Refresh(context.Background(), "some-refresh-token")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if accessToken != "new-token" || expiresIn != 3600 {
		t.Fatalf("unexpected result: %s %d", accessToken, expiresIn)
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	c := withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	})

	_, _, err := c.Refresh(context.Background(), "dead-token")
	if err == nil {
		t.Fatalf("expected error for invalid_grant")
	}
	ge, ok := err.(*apierrors.GatewayError)
	if !ok {
		t.Fatalf("expected *apierrors.GatewayError, got %T", err)
	}
	if ge.Retryable {
		t.Fatalf("expected invalid_grant to be terminal (non-retryable)")
	}
}

func TestUserInfoSuccess(t *testing.T) {
	var gotAuth string
	c := withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"email":"user@example.com","name":"User Name"}`))
	})

	email, name, err := c.UserInfo(context.Background(), "tok")
	if err != nil {
		t.Fatalf("UserInfo: %v", err)
	}
	if email != "user@example.com" || name != "User Name" {
		t.Fatalf("unexpected result: %s %s", email, name)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("expected bearer auth header, got %q", gotAuth)
	}
}

func TestEnsureFreshSkipsWhenValid(t *testing.T) {
	c := &Client{HTTP: http.DefaultClient}
	tok := store.TokenData{AccessToken: "still-good", ExpiryTimestamp: time.Now().Add(time.Hour).Unix()}
	got, err := c.EnsureFresh(context.Background(), tok)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got.AccessToken != "still-good" {
		t.Fatalf("expected unchanged token, got %+v", got)
	}
}

func TestEnsureFreshRefreshesExpiredToken(t *testing.T) {
	c := withTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"refreshed","expires_in":3600}`))
	})

	tok := store.TokenData{
		AccessToken:     "stale",
		RefreshToken:    "rt",
		ExpiryTimestamp: time.Now().Add(-time.Minute).Unix(),
		Email:           "user@example.com",
	}
	got, err := c.EnsureFresh(context.Background(), tok)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got.AccessToken != "refreshed" {
		t.Fatalf("expected refreshed token, got %+v", got)
	}
	if got.Email != "user@example.com" {
		t.Fatalf("expected email to be preserved across refresh")
	}
}

func TestDefaultTierID(t *testing.T) {
	data := map[string]interface{}{
		"allowedTiers": []interface{}{
			map[string]interface{}{"id": "free-tier", "isDefault": false},
			map[string]interface{}{"id": "legacy-tier", "isDefault": true},
		},
	}
	if got := defaultTierID(data); got != "legacy-tier" {
		t.Fatalf("expected the isDefault tier to win, got %q", got)
	}

	firstOnly := map[string]interface{}{
		"allowedTiers": []interface{}{
			map[string]interface{}{"id": "only-tier"},
		},
	}
	if got := defaultTierID(firstOnly); got != "only-tier" {
		t.Fatalf("expected fallback to first tier, got %q", got)
	}

	if got := defaultTierID(map[string]interface{}{}); got != "" {
		t.Fatalf("expected empty string when no tiers present, got %q", got)
	}
}
