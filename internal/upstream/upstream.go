// Package upstream is the thin HTTP client that speaks the v1internal
// dialect to Google's Cloud Code Assist endpoints: C5. Grounded on the
// teacher's internal/cloudcode/client.go (endpoint/header construction)
// and request_builder.go's BuildHeaders; the retry/failover/rate-limit
// classification logic those files also carried is deliberately left out
// of this layer per spec.md §4.5 — that belongs to C7's dispatcher loop.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

// Method names the two v1internal endpoints this client can call.
type Method string

const (
	MethodStreamGenerateContent Method = "streamGenerateContent"
	MethodGenerateContent       Method = "generateContent"
)

// Endpoints is the fallback order (daily, then prod) used for
// generateContent/streamGenerateContent calls.
var Endpoints = []string{
	"https://daily-cloudcode-pa.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

// hostHeader matches the literal Host spec.md §4.5 names; the endpoints
// above are the real working hosts actually dialed.
const hostHeader = "daily-cloudcode-pa.sandbox.googleapis.com"

// Client calls the v1internal API. It does not retransform, retry, or
// classify errors — callers get the raw *http.Response back.
type Client struct {
	HTTP *http.Client
}

// New creates a Client with the given request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Call invokes method at endpoint against the v1internal API, streaming if
// method is streamGenerateContent. body is an already-wrapped v1internal
// envelope (see internal/mapper); this client does not transform it.
func (c *Client) Call(ctx context.Context, endpoint string, method Method, accessToken string, body io.Reader) (*http.Response, error) {
	url := endpoint + "/v1internal:" + string(method)
	if method == MethodStreamGenerateContent {
		url += "?alt=sse"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Host", hostHeader)
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1")
	req.Header.Set("Client-Metadata", clientMetadata())
	if method == MethodStreamGenerateContent {
		req.Header.Set("Accept", "text/event-stream")
	}

	return c.httpClient().Do(req)
}

func userAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

func clientMetadata() string {
	return `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`
}
