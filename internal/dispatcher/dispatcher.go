// Package dispatcher implements C7, the public HTTP server: route tree,
// per-request retry loop, background-task detection, and model routing.
// Grounded on the teacher's internal/server/server.go (lazy-init gin
// engine, route grouping, SetupRoutes/Run shape) and
// internal/cloudcode/message_handler.go (the retry/fallback/backoff
// decision tree, reshaped to spec.md §4.7's simpler
// `max_attempts = min(3, pool_size)` loop rather than the teacher's
// deeper capacity-tier backoff ladder).
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/gateway/internal/apierrors"
	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/logging"
	"github.com/antigravity-tools/gateway/internal/mapper"
	"github.com/antigravity-tools/gateway/internal/pool"
	"github.com/antigravity-tools/gateway/internal/quota"
	"github.com/antigravity-tools/gateway/internal/server/sse"
	"github.com/antigravity-tools/gateway/internal/upstream"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
	"github.com/antigravity-tools/gateway/pkg/openai"
)

const maxRetryAttempts = 3

// Dispatcher owns the gin engine and wires every request through the
// mappers, pool, and upstream client.
type Dispatcher struct {
	cfg       *config.ProxyConfig
	log       *logging.Logger
	pool      *pool.Manager
	upstream  *upstream.Client
	quota     *quota.Client
	anthropic *mapper.AnthropicMapper
	openai    *mapper.OpenAIMapper

	engine *gin.Engine
}

// New constructs a Dispatcher. sigCache is shared between both dialect
// mappers so a signature cached from one client surfaces to the other.
func New(cfg *config.ProxyConfig, log *logging.Logger, p *pool.Manager, uc *upstream.Client, sigCache *mapper.SignatureCache) *Dispatcher {
	if log == nil {
		log = logging.Default
	}
	return &Dispatcher{
		cfg:       cfg,
		log:       log,
		pool:      p,
		upstream:  uc,
		quota:     quota.New(),
		anthropic: mapper.NewAnthropicMapper(sigCache),
		openai:    mapper.NewOpenAIMapper(sigCache),
	}
}

// Engine lazily builds and returns the gin engine, mirroring the teacher's
// Server.ensureInitialized pattern.
func (d *Dispatcher) Engine() *gin.Engine {
	if d.engine == nil {
		d.engine = d.setupRoutes()
	}
	return d.engine
}

func (d *Dispatcher) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(requestLoggingMiddleware(d.log))

	r.GET("/healthz", d.handleHealth)

	v1 := r.Group("/v1")
	v1.Use(apiKeyAuthMiddleware(d.cfg, d.log))
	v1.POST("/chat/completions", d.handleChatCompletions)
	v1.POST("/messages", d.handleMessages)
	v1.POST("/messages/count_tokens", d.handleCountTokens)
	v1.GET("/models", d.handleModels)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"type": "error", "error": gin.H{"type": "not_found_error", "message": "not found"}})
	})

	return r
}

// Run starts the HTTP server and blocks until it exits.
func (d *Dispatcher) Run() error {
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	d.log.Info("[dispatcher] listening on %s", addr)
	return d.Engine().Run(addr)
}

func (d *Dispatcher) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "accounts": d.pool.Len()})
}

func (d *Dispatcher) handleCountTokens(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"input_tokens": 0})
}

func (d *Dispatcher) handleModels(c *gin.Context) {
	ctx := c.Request.Context()
	list := staticModelList()

	sel, err := d.pool.GetToken(ctx, "models", false, "", "")
	if err == nil {
		if live := d.quota.ListModels(ctx, sel.AccessToken, sel.ProjectID); len(live) > 0 {
			list = live
		}
	}

	now := time.Now().Unix()
	data := make([]openai.Model, 0, len(list))
	for _, m := range list {
		data = append(data, openai.Model{ID: m.ID, Object: "model", Created: now, OwnedBy: "google"})
	}
	c.JSON(http.StatusOK, openai.ModelList{Object: "list", Data: data})
}

func staticModelList() []quota.ModelListEntry {
	return []quota.ModelListEntry{
		{ID: "gemini-2.5-pro"},
		{ID: "gemini-2.5-flash"},
		{ID: "gemini-2.5-flash-lite"},
		{ID: "claude-sonnet-4-5"},
		{ID: "claude-opus-4-5"},
	}
}

// attemptOutcome is what one retry-loop iteration decided to do next.
type attemptOutcome int

const (
	outcomeDone attemptOutcome = iota
	outcomeRetry
	outcomeAbort
)

// handleMessages implements POST /v1/messages (Anthropic dialect) per
// spec.md §4.7's retry algorithm.
func (d *Dispatcher) handleMessages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierrors.NewMappingError("invalid request body: "+err.Error()).ToJSON())
		return
	}
	req.Model = d.cfg.MapAnthropicModel(req.Model)

	sessionKey := dispatcherSessionKeyAnthropic(&req)
	taskType := DetectAnthropic(&req)
	if taskType != TaskNone && d.cfg.BackgroundTaskDowngrade {
		StripForBackgroundAnthropic(&req)
	}

	retriedWithoutThinking := false
	maxAttempts := d.boundedAttempts()
	var lastErr error
	excludeID := ""

	for attempt := 0; attempt < maxAttempts; attempt++ {
		sel, err := d.pool.GetToken(c.Request.Context(), "messages", attempt > 0, sessionKey, excludeID)
		if err != nil {
			lastErr = err
			break
		}

		effectiveModel := req.Model
		if taskType != TaskNone && d.cfg.BackgroundTaskDowngrade {
			effectiveModel = downgradeModel(taskType)
		}

		envelope, err := d.anthropic.ToInternal(&req, mapper.ToInternalOptions{
			ProjectID: sel.ProjectID, Model: mapper.SanitizeModelName(effectiveModel),
			StripThinking: retriedWithoutThinking, RequestType: "agent",
		})
		if err != nil {
			c.JSON(apierrors.HTTPStatus(err), apierrors.FormatAPIError(err))
			return
		}

		body, _ := json.Marshal(envelope)
		method := upstream.MethodGenerateContent
		if req.Stream {
			method = upstream.MethodStreamGenerateContent
		}

		resp, err := d.callUpstream(c.Request.Context(), method, sel.AccessToken, body)
		if err != nil {
			lastErr = apierrors.NewNetworkError(err)
			excludeID = sel.AccountID
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			defer resp.Body.Close()
			if req.Stream {
				w, err := sse.NewWriter(c.Writer)
				if err != nil {
					c.JSON(http.StatusInternalServerError, apierrors.NewNetworkError(err).ToJSON())
					return
				}
				_ = d.anthropic.StreamToAnthropic(w, resp.Body, req.Model)
				return
			}
			data, _ := io.ReadAll(resp.Body)
			var upResp mapper.UpstreamResponse
			if err := json.Unmarshal(data, &upResp); err != nil {
				c.JSON(http.StatusBadGateway, apierrors.NewMappingError("could not parse upstream response").ToJSON())
				return
			}
			c.JSON(http.StatusOK, d.anthropic.FromInternal(&upResp, req.Model))
			return
		}

		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		bodyStr := string(bodyBytes)
		status := resp.StatusCode

		outcome, retryErr := d.classifyAndAct(c.Request.Context(), sel, status, resp.Header.Get("Retry-After"), bodyStr, &excludeID)
		lastErr = retryErr

		if status == 400 && apierrors.IsThinkingSignatureFailure(status, bodyStr) && !retriedWithoutThinking {
			retriedWithoutThinking = true
			continue
		}
		if outcome == outcomeAbort {
			break
		}
		if outcome == outcomeRetry {
			continue
		}
		// unrecognized status: surface immediately
		c.JSON(apierrors.HTTPStatus(retryErr), apierrors.FormatAPIError(retryErr))
		return
	}

	d.surfaceFailure(c, lastErr, "overloaded_error")
}

// handleChatCompletions implements POST /v1/chat/completions (OpenAI
// dialect), mirroring handleMessages' retry shape exactly per spec.md
// §4.7's "identical in shape for both dialects" requirement.
func (d *Dispatcher) handleChatCompletions(c *gin.Context) {
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apierrors.NewMappingError("invalid request body: "+err.Error()).ToJSON())
		return
	}

	taskType := DetectOpenAI(&req)
	if taskType != TaskNone && d.cfg.BackgroundTaskDowngrade {
		StripForBackgroundOpenAI(&req)
	}

	maxAttempts := d.boundedAttempts()
	var lastErr error
	excludeID := ""
	responseID := "chatcmpl-" + fmt.Sprintf("%d", time.Now().UnixNano())

	for attempt := 0; attempt < maxAttempts; attempt++ {
		sel, err := d.pool.GetToken(c.Request.Context(), "chat.completions", attempt > 0, "", excludeID)
		if err != nil {
			lastErr = err
			break
		}

		effectiveModel := req.Model
		if taskType != TaskNone && d.cfg.BackgroundTaskDowngrade {
			effectiveModel = downgradeModel(taskType)
		}

		envelope, err := d.openai.ToInternal(&req, mapper.ToInternalOptions{
			ProjectID: sel.ProjectID, Model: mapper.SanitizeModelName(effectiveModel), RequestType: "agent",
		})
		if err != nil {
			c.JSON(apierrors.HTTPStatus(err), apierrors.FormatAPIError(err))
			return
		}

		body, _ := json.Marshal(envelope)
		method := upstream.MethodGenerateContent
		if req.Stream {
			method = upstream.MethodStreamGenerateContent
		}

		resp, err := d.callUpstream(c.Request.Context(), method, sel.AccessToken, body)
		if err != nil {
			lastErr = apierrors.NewNetworkError(err)
			excludeID = sel.AccountID
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			defer resp.Body.Close()
			if req.Stream {
				if err := d.openai.StreamToOpenAI(c.Writer, resp.Body, req.Model); err != nil {
					d.log.Warn("[dispatcher] openai stream error: %v", err)
				}
				return
			}
			data, _ := io.ReadAll(resp.Body)
			var upResp mapper.UpstreamResponse
			if err := json.Unmarshal(data, &upResp); err != nil {
				c.JSON(http.StatusBadGateway, apierrors.NewMappingError("could not parse upstream response").ToJSON())
				return
			}
			c.JSON(http.StatusOK, d.openai.FromInternal(&upResp, req.Model, responseID))
			return
		}

		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		bodyStr := string(bodyBytes)
		status := resp.StatusCode

		outcome, retryErr := d.classifyAndAct(c.Request.Context(), sel, status, resp.Header.Get("Retry-After"), bodyStr, &excludeID)
		lastErr = retryErr

		if outcome == outcomeAbort {
			break
		}
		if outcome == outcomeRetry {
			continue
		}
		c.JSON(apierrors.HTTPStatus(retryErr), apierrors.FormatAPIError(retryErr))
		return
	}

	d.surfaceFailure(c, lastErr, "all_accounts_exhausted")
}

// classifyAndAct implements the status-code branches of spec.md §4.7's
// retry algorithm shared by both dialects: marking the account rate
// limited, honoring a quotaResetDelay sleep, rotating accounts on
// auth/server errors, and aborting outright on QUOTA_EXHAUSTED.
func (d *Dispatcher) classifyAndAct(ctx context.Context, sel pool.Selected, status int, retryAfter, body string, excludeID *string) (attemptOutcome, error) {
	switch {
	case status == 429 || status == 500 || status == 503 || status == 529:
		if status == 429 && containsQuotaExhausted(body) {
			return outcomeAbort, apierrors.NewUpstream4xxError(status, body)
		}
		d.pool.MarkRateLimited(sel.Email, status, retryAfter, body)
		if delay, ok := parseQuotaResetDelay(body); ok {
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
			select {
			case <-ctx.Done():
			case <-time.After(delay + 200*time.Millisecond):
			}
		}
		return outcomeRetry, apierrors.NewUpstream5xxError(status, body)

	case status == 401 || status == 403:
		*excludeID = sel.AccountID
		return outcomeRetry, apierrors.NewUpstream4xxError(status, body)

	default:
		if status >= 500 {
			return outcomeRetry, apierrors.NewUpstream5xxError(status, body)
		}
		return outcomeDone, apierrors.NewUpstream4xxError(status, body)
	}
}

// surfaceFailure renders the terminal all-accounts-exhausted error. Per
// spec.md §7 the two dialects disagree on the error type string: Anthropic
// clients expect the same "overloaded_error" they'd see from the real API,
// OpenAI clients expect "all_accounts_exhausted".
func (d *Dispatcher) surfaceFailure(c *gin.Context, lastErr error, errorType string) {
	if lastErr == nil {
		lastErr = apierrors.NewMaxRetriesError(maxRetryAttempts)
	}
	body := apierrors.FormatAPIError(lastErr)
	if m, ok := body["error"].(map[string]interface{}); ok {
		m["type"] = errorType
	}
	c.JSON(http.StatusTooManyRequests, body)
}

func (d *Dispatcher) callUpstream(ctx context.Context, method upstream.Method, token string, body []byte) (*http.Response, error) {
	var lastErr error
	for _, endpoint := range upstream.Endpoints {
		resp, err := d.upstream.Call(ctx, endpoint, method, token, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (d *Dispatcher) boundedAttempts() int {
	n := maxRetryAttempts
	if poolLen := d.pool.Len(); poolLen > 0 && poolLen < n {
		n = poolLen
	}
	if n < 1 {
		n = 1
	}
	return n
}

func dispatcherSessionKeyAnthropic(req *anthropic.MessagesRequest) string {
	return SessionKey(req)
}

func containsQuotaExhausted(body string) bool {
	return strings.Contains(body, "QUOTA_EXHAUSTED")
}

var reQuotaResetDelay = regexp.MustCompile(`"quotaResetDelay"\s*:\s*"(\d+(?:\.\d+)?)(m?s)"`)

// parseQuotaResetDelay extracts the upstream-suggested retry delay per
// spec.md §4.7, mirroring the teacher's rate_limit_parser.go regex idiom
// (internal/ratelimit carries the equivalent pattern for cooldown
// computation; this one is scoped to the dispatcher's own sleep-then-retry
// step rather than the pool's cooldown table).
func parseQuotaResetDelay(body string) (time.Duration, bool) {
	m := reQuotaResetDelay.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	val, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	if m[2] == "ms" {
		return time.Duration(val) * time.Millisecond, true
	}
	return time.Duration(val * float64(time.Second)), true
}
