// Package quota implements C8, quota introspection: querying the upstream
// fetchAvailableModels endpoint for each account's remaining per-model
// quota fraction and reset time. Grounded on the teacher's
// internal/cloudcode/model_api.go (FetchAvailableModels, GetModelQuotas,
// isSupportedModel), restated against the new mapper.Family model
// classifier instead of config.GetModelFamily.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/antigravity-tools/gateway/internal/mapper"
	"github.com/antigravity-tools/gateway/internal/upstream"
)

// ModelQuota is one model's quota snapshot.
type ModelQuota struct {
	Model             string   `json:"model"`
	RemainingFraction float64  `json:"remaining_fraction"`
	RemainingPercent  int      `json:"remaining_percent"`
	ResetTime         *string  `json:"reset_time,omitempty"`
	Forbidden         bool     `json:"is_forbidden,omitempty"`
}

// AccountQuota is the full quota report for one account.
type AccountQuota struct {
	Email  string       `json:"email"`
	Models []ModelQuota `json:"models"`
	Error  string       `json:"error,omitempty"`
}

type modelInfo struct {
	DisplayName string `json:"displayName,omitempty"`
	QuotaInfo   *struct {
		RemainingFraction *float64 `json:"remainingFraction,omitempty"`
		ResetTime         *string  `json:"resetTime,omitempty"`
	} `json:"quotaInfo,omitempty"`
}

type fetchModelsResponse struct {
	Models map[string]*modelInfo `json:"models,omitempty"`
}

// Client queries upstream quota for a single account's access token.
type Client struct {
	HTTP *http.Client
}

// New builds a quota Client with a 30s request timeout, matching the
// teacher's FetchAvailableModels/GetSubscriptionTier client timeout.
func New() *Client {
	return &Client{HTTP: &http.Client{Timeout: 30 * time.Second}}
}

const maxRetries = 3

// Fetch queries quota for email/accessToken/projectID, retrying transient
// 429/5xx responses up to maxRetries times with a short sleep, and
// filtering results to Claude/Gemini models per spec.md §4.8. A 403
// response is reported as Forbidden rather than retried or treated as a
// hard failure, since it usually means the project lacks Cloud Code access
// rather than a transient fault.
func (c *Client) Fetch(ctx context.Context, email, accessToken, projectID string) AccountQuota {
	result := AccountQuota{Email: email}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				return result
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		data, status, err := c.fetchAvailableModels(ctx, accessToken, projectID)
		if err != nil {
			lastErr = err
			continue
		}
		if status == http.StatusForbidden {
			result.Models = []ModelQuota{{Forbidden: true}}
			return result
		}
		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("upstream status %d", status)
			continue
		}
		if status != http.StatusOK {
			lastErr = fmt.Errorf("upstream status %d", status)
			continue
		}

		result.Models = toModelQuotas(data)
		return result
	}

	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	return result
}

// ModelListEntry is one model as returned by ListModels.
type ModelListEntry struct {
	ID          string
	DisplayName string
}

// ListModels returns the set of Claude/Gemini model IDs available to
// accessToken, grounded on the teacher's cloudcode.ListModels. It tolerates
// failure by returning an empty, non-error result — callers fall back to a
// static model list when upstream can't be reached.
func (c *Client) ListModels(ctx context.Context, accessToken, projectID string) []ModelListEntry {
	data, status, err := c.fetchAvailableModels(ctx, accessToken, projectID)
	if err != nil || status != http.StatusOK || data == nil {
		return nil
	}
	out := make([]ModelListEntry, 0, len(data.Models))
	for modelID, info := range data.Models {
		family := mapper.Family(modelID)
		if family != mapper.FamilyClaude && family != mapper.FamilyGemini {
			continue
		}
		name := modelID
		if info != nil && info.DisplayName != "" {
			name = info.DisplayName
		}
		out = append(out, ModelListEntry{ID: modelID, DisplayName: name})
	}
	return out
}

func toModelQuotas(data *fetchModelsResponse) []ModelQuota {
	if data == nil {
		return nil
	}
	out := make([]ModelQuota, 0, len(data.Models))
	for modelID, info := range data.Models {
		family := mapper.Family(modelID)
		if family != mapper.FamilyClaude && family != mapper.FamilyGemini {
			continue
		}
		if info == nil || info.QuotaInfo == nil {
			continue
		}
		fraction := 0.0
		if info.QuotaInfo.RemainingFraction != nil {
			fraction = *info.QuotaInfo.RemainingFraction
		} else if info.QuotaInfo.ResetTime != nil {
			// Missing fraction with a present reset time means quota is fully
			// exhausted, matching the teacher's GetModelQuotas fallback.
			fraction = 0.0
		}
		out = append(out, ModelQuota{
			Model:             modelID,
			RemainingFraction: fraction,
			RemainingPercent:  int(fraction * 100),
			ResetTime:         info.QuotaInfo.ResetTime,
		})
	}
	return out
}

func (c *Client) fetchAvailableModels(ctx context.Context, accessToken, projectID string) (*fetchModelsResponse, int, error) {
	body := map[string]string{}
	if projectID != "" {
		body["project"] = projectID
	}
	bodyBytes, _ := json.Marshal(body)

	var lastErr error
	for _, endpoint := range upstream.Endpoints {
		url := endpoint + "/v1internal:fetchAvailableModels"
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH))
		req.Header.Set("X-Goog-Api-Client", "google-cloud-sdk vscode_cloudshelleditor/0.1")
		req.Header.Set("Client-Metadata", `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`)

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, resp.StatusCode, nil
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			lastErr = fmt.Errorf("endpoint %s returned %d", endpoint, resp.StatusCode)
			continue
		}

		var data fetchModelsResponse
		err = json.NewDecoder(resp.Body).Decode(&data)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return &data, resp.StatusCode, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all endpoints failed")
	}
	return nil, 0, lastErr
}
