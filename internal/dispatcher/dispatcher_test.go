package dispatcher

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/mapper"
	"github.com/antigravity-tools/gateway/internal/oauth"
	"github.com/antigravity-tools/gateway/internal/pool"
	"github.com/antigravity-tools/gateway/internal/ratelimit"
	"github.com/antigravity-tools/gateway/internal/store"
	"github.com/antigravity-tools/gateway/internal/upstream"
)

// fakeUpstream wires a *Dispatcher to an httptest server standing in for the
// v1internal API, by overriding upstream.Endpoints for the duration of the
// test (the same package-state-swap idiom internal/oauth's
// SetTokenURLForTesting and internal/pool's tests use for the token
// endpoint).
func fakeUpstream(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	original := upstream.Endpoints
	upstream.Endpoints = []string{srv.URL}
	t.Cleanup(func() { upstream.Endpoints = original })

	return srv
}

func newTestDispatcher(t *testing.T, emails ...string) *Dispatcher {
	t.Helper()

	st := store.NewAt(t.TempDir())
	for _, email := range emails {
		if _, err := st.Upsert(email, "", store.TokenData{
			AccessToken:     "tok-" + email,
			RefreshToken:    "rt-" + email,
			ExpiryTimestamp: time.Now().Add(time.Hour).Unix(),
		}); err != nil {
			t.Fatalf("seeding account %s: %v", email, err)
		}
	}

	p := pool.New(st, oauth.New(nil), ratelimit.New(), nil)
	if _, err := p.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}

	cfg := config.Default()
	cfg.BackgroundTaskDowngrade = false

	uc := &upstream.Client{HTTP: http.DefaultClient}
	return New(cfg, nil, p, uc, mapper.NewSignatureCache(nil))
}

func upstreamResponseJSON(text string) []byte {
	body, _ := json.Marshal(mapper.UpstreamResponse{
		Candidates: []mapper.Candidate{{
			Content:      &mapper.Content{Role: "model", Parts: []mapper.Part{{Text: text}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &mapper.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2},
	})
	return body
}

func anthropicMessagesBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"model":      "claude-sonnet-4-5",
		"max_tokens": 256,
		"messages": []map[string]interface{}{
			{"role": "user", "content": "hello there"},
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func openAIChatBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"model": "gemini-2.5-pro",
		"messages": []map[string]interface{}{
			{"role": "user", "content": "hello there"},
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

func doRequest(d *Dispatcher, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	d.Engine().ServeHTTP(w, req)
	return w
}

// Scenario 1: a healthy account on the first try returns 200 with the
// translated Anthropic response, in exactly one upstream call.
func TestHandleMessagesSuccessOnFirstAttempt(t *testing.T) {
	var calls int32
	fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		w.Write(upstreamResponseJSON("hi back"))
	})

	d := newTestDispatcher(t, "only@example.com")
	w := doRequest(d, http.MethodPost, "/v1/messages", anthropicMessagesBody(t))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 upstream call, got %d", got)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["role"] != "assistant" {
		t.Errorf("expected assistant role, got %+v", resp["role"])
	}
}

// Scenario 2: a 429 whose body carries QUOTA_EXHAUSTED aborts the retry loop
// immediately rather than rotating to another account.
func TestHandleMessagesQuotaExhaustedAbortsWithoutRotating(t *testing.T) {
	var calls int32
	fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED","message":"QUOTA_EXHAUSTED for this project"}}`))
	})

	d := newTestDispatcher(t, "a@example.com", "b@example.com")
	w := doRequest(d, http.MethodPost, "/v1/messages", anthropicMessagesBody(t))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected the quota-exhausted abort to make exactly 1 upstream call, got %d", got)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	errObj, _ := body["error"].(map[string]interface{})
	if errObj["type"] != "overloaded_error" {
		t.Errorf("expected Anthropic dialect terminal error type overloaded_error, got %+v", errObj["type"])
	}
}

// Scenario 3: a 400 carrying a thinking/thoughtSignature failure is retried
// once with thinking stripped, recovering on the second attempt.
func TestHandleMessagesThinkingSignatureFailureRecoversOnRetry(t *testing.T) {
	var calls int32
	fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"message":"Unable to submit request because thoughtSignature field is invalid"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(upstreamResponseJSON("recovered"))
	})

	// Two accounts so boundedAttempts() allows a second attempt.
	d := newTestDispatcher(t, "a@example.com", "b@example.com")
	w := doRequest(d, http.MethodPost, "/v1/messages", anthropicMessagesBody(t))

	if w.Code != http.StatusOK {
		t.Fatalf("expected the retry to recover with 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 upstream calls (original + stripped retry), got %d", got)
	}
}

// Scenario 4: a 403 from one account rotates to the next account rather than
// retrying the same one, and succeeds once a healthy account is reached.
func TestHandleMessagesRotatesAccountsOnAuthError(t *testing.T) {
	var calls int32
	var sawAuthHeaders []string
	fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		sawAuthHeaders = append(sawAuthHeaders, r.Header.Get("Authorization"))
		if len(sawAuthHeaders) == 1 {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"message":"permission denied"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(upstreamResponseJSON("second account answered"))
	})

	d := newTestDispatcher(t, "a@example.com", "b@example.com")
	w := doRequest(d, http.MethodPost, "/v1/messages", anthropicMessagesBody(t))

	if w.Code != http.StatusOK {
		t.Fatalf("expected rotation to recover with 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 upstream calls across the two accounts, got %d", got)
	}
	if len(sawAuthHeaders) == 2 && sawAuthHeaders[0] == sawAuthHeaders[1] {
		t.Fatalf("expected the second attempt to use a different account's token, both were %q", sawAuthHeaders[0])
	}
}

// Scenario 5: every account in the pool is rate limited (429, no
// QUOTA_EXHAUSTED) in turn; the dispatcher exhausts its bounded attempts and
// surfaces the terminal failure rather than looping forever.
func TestHandleMessagesAllAccountsRateLimitedSurfacesFailure(t *testing.T) {
	var calls int32
	fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited, try again in 2s"}}`))
	})

	d := newTestDispatcher(t, "a@example.com", "b@example.com")
	w := doRequest(d, http.MethodPost, "/v1/messages", anthropicMessagesBody(t))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected terminal 429, got %d: %s", w.Code, w.Body.String())
	}
	// boundedAttempts caps at pool size (2 accounts here), so the loop must
	// not keep calling upstream beyond that.
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 upstream calls (one per account), got %d", got)
	}
}

// Scenario 6: the OpenAI dialect's terminal exhaustion error uses
// all_accounts_exhausted rather than Anthropic's overloaded_error, mirroring
// handleMessages' retry shape exactly except for that one error string.
func TestHandleChatCompletionsTerminalErrorUsesOpenAIType(t *testing.T) {
	fakeUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"internal error"}}`))
	})

	d := newTestDispatcher(t, "only@example.com")
	w := doRequest(d, http.MethodPost, "/v1/chat/completions", openAIChatBody(t))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected terminal 429, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	errObj, _ := body["error"].(map[string]interface{})
	if errObj["type"] != "all_accounts_exhausted" {
		t.Errorf("expected OpenAI dialect terminal error type all_accounts_exhausted, got %+v", errObj["type"])
	}
}
