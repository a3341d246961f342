// Package oauth implements C2: refresh-token-driven access-token exchange
// against Google's OAuth endpoints, userinfo lookup, and project-id
// discovery against Cloud Code Assist's loadCodeAssist endpoint. Grounded
// on the teacher's internal/auth/oauth.go RefreshAccessToken/GetUserEmail/
// DiscoverProjectID/OnboardUser functions; the browser-redirect capture
// server and authorization-code exchange flow are dropped per SPEC_FULL.md
// §1 and §4.2 — accounts enter the pool by pasting an existing refresh
// token, not by completing a fresh OAuth consent screen.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antigravity-tools/gateway/internal/apierrors"
	"github.com/antigravity-tools/gateway/internal/logging"
	"github.com/antigravity-tools/gateway/internal/store"
)

const (
	clientID       = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	clientSecret   = "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"
	defaultProject = "rising-fact-p41fc"
)

// tokenURL and userInfoURL are vars, not consts, so tests can redirect them
// at a local httptest server.
var (
	tokenURL    = "https://oauth2.googleapis.com/token"
	userInfoURL = "https://www.googleapis.com/oauth2/v1/userinfo"
)

// endpoints is the loadCodeAssist fallback order.
var endpoints = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.googleapis.com",
}

// RefreshParts are the components of a composite refresh token, format
// "refreshToken|projectId|managedProjectId", preserved from the teacher.
type RefreshParts struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseComposite parses a composite refresh token string.
func ParseComposite(s string) RefreshParts {
	parts := strings.Split(s, "|")
	var rp RefreshParts
	if len(parts) > 0 {
		rp.RefreshToken = parts[0]
	}
	if len(parts) > 1 {
		rp.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		rp.ManagedProjectID = parts[2]
	}
	return rp
}

// Client is the OAuth/userinfo/project-discovery client.
type Client struct {
	HTTP *http.Client
	Log  *logging.Logger
}

// New creates an OAuth client with a sane default timeout.
func New(log *logging.Logger) *Client {
	if log == nil {
		log = logging.Default
	}
	return &Client{HTTP: &http.Client{Timeout: 30 * time.Second}, Log: log}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Refresh exchanges a refresh token for a fresh access token. invalid_grant
// is surfaced as a terminal (non-retryable) GatewayError per spec.md §4.2/§7.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresIn int, err error) {
	form := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, apierrors.NewOAuthError("failed to build refresh request: "+err.Error(), "", false)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", 0, apierrors.NewNetworkError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		if apierrors.IsInvalidGrant(string(body)) {
			return "", 0, apierrors.NewOAuthError("refresh token is invalid or revoked", "", true)
		}
		return "", 0, apierrors.NewOAuthError(fmt.Sprintf("refresh failed: %s", string(body)), "", false)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", 0, apierrors.NewOAuthError("failed to parse refresh response: "+err.Error(), "", false)
	}
	if result.AccessToken == "" {
		return "", 0, apierrors.NewOAuthError("refresh response had no access_token", "", false)
	}
	return result.AccessToken, result.ExpiresIn, nil
}

// UserInfo returns the email and display name for an access token.
func (c *Client) UserInfo(ctx context.Context, accessToken string) (email, displayName string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return "", "", apierrors.NewOAuthError("failed to build userinfo request: "+err.Error(), "", false)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", "", apierrors.NewNetworkError(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", "", apierrors.NewOAuthError(fmt.Sprintf("userinfo failed: %d %s", resp.StatusCode, string(body)), "", false)
	}

	var info struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", apierrors.NewOAuthError("failed to parse userinfo response: "+err.Error(), "", false)
	}
	return info.Email, info.Name, nil
}

// FetchProjectID discovers the account's Cloud Code Assist project id via
// loadCodeAssist, falling back across endpoints and attempting onboarding
// when no project is associated yet. Absence is not an error: callers
// treat "" as "no project id available" (spec.md §4.2 retries this twice
// at the caller before giving up, since a just-refreshed token can briefly
// 403 before propagating).
func (c *Client) FetchProjectID(ctx context.Context, accessToken string) string {
	var lastResponse map[string]interface{}

	for _, ep := range endpoints {
		projectID, data, err := c.tryLoadCodeAssist(ctx, ep, accessToken)
		if err != nil {
			c.Log.Warn("[oauth] loadCodeAssist failed at %s: %v", ep, err)
			continue
		}
		if projectID != "" {
			return projectID
		}
		lastResponse = data
		break
	}

	if lastResponse == nil {
		return ""
	}

	tier := defaultTierID(lastResponse)
	if tier == "" {
		tier = "FREE"
	}
	return c.onboard(ctx, accessToken, tier)
}

func (c *Client) tryLoadCodeAssist(ctx context.Context, endpoint, accessToken string) (string, map[string]interface{}, error) {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:loadCodeAssist", strings.NewReader(string(reqBody)))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", nil, err
	}

	switch v := data["cloudaicompanionProject"].(type) {
	case string:
		return v, data, nil
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id, data, nil
		}
	}
	return "", data, nil
}

func defaultTierID(data map[string]interface{}) string {
	tiers, ok := data["allowedTiers"].([]interface{})
	if !ok || len(tiers) == 0 {
		return ""
	}
	for _, t := range tiers {
		tm, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		if isDefault, _ := tm["isDefault"].(bool); isDefault {
			if id, ok := tm["id"].(string); ok {
				return id
			}
		}
	}
	if first, ok := tiers[0].(map[string]interface{}); ok {
		if id, ok := first["id"].(string); ok {
			return id
		}
	}
	return ""
}

// onboard calls onboardUser across the endpoint fallback order, returning
// the newly assigned project id, or "" if none of them succeed.
func (c *Client) onboard(ctx context.Context, accessToken, tierID string) string {
	reqBody, _ := json.Marshal(map[string]interface{}{
		"tierId":                  tierID,
		"cloudaicompanionProject": defaultProject,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	for _, ep := range endpoints {
		if id := c.tryOnboard(ctx, ep, accessToken, reqBody); id != "" {
			return id
		}
	}
	return ""
}

func (c *Client) tryOnboard(ctx context.Context, endpoint, accessToken string, reqBody []byte) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1internal:onboardUser", strings.NewReader(string(reqBody)))
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var data map[string]interface{}
	if json.NewDecoder(resp.Body).Decode(&data) != nil {
		return ""
	}
	respObj, ok := data["response"].(map[string]interface{})
	if !ok {
		return ""
	}
	switch v := respObj["cloudaicompanionProject"].(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// SetTokenURLForTesting redirects the package-level OAuth token endpoint,
// returning a function that restores the original. Intended for tests in
// other packages that exercise EnsureFresh against a local server.
func SetTokenURLForTesting(url string) func() {
	orig := tokenURL
	tokenURL = url
	return func() { tokenURL = orig }
}

// EnsureFresh returns a token guaranteed to be valid for at least 60
// seconds, refreshing through the OAuth endpoint when needed and
// preserving refresh_token, email, and project_id across the refresh.
func (c *Client) EnsureFresh(ctx context.Context, token store.TokenData) (store.TokenData, error) {
	if token.Valid(time.Now()) {
		return token, nil
	}

	accessToken, expiresIn, err := c.Refresh(ctx, token.RefreshToken)
	if err != nil {
		return token, err
	}

	token.AccessToken = accessToken
	token.ExpiryTimestamp = time.Now().Add(time.Duration(expiresIn) * time.Second).Unix()
	return token, nil
}
