// Package apierrors provides the error taxonomy used across the gateway:
// account-pool errors, OAuth errors, network errors, and upstream 4xx/5xx
// and mapping errors, each carrying enough metadata to render both an HTTP
// status code and a client-facing JSON error body.
package apierrors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind classifies an error into one of the taxonomy buckets.
type Kind string

const (
	KindAccount     Kind = "account"
	KindOAuth       Kind = "oauth"
	KindNetwork     Kind = "network"
	KindUpstream4xx Kind = "upstream_4xx"
	KindUpstream5xx Kind = "upstream_5xx"
	KindMapping     Kind = "mapping"
)

// GatewayError is the common error type returned by every internal package.
type GatewayError struct {
	Kind       Kind
	Message    string
	Code       string
	Retryable  bool
	StatusCode int                    // upstream status code, when applicable
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// ToJSON renders the error in the client-facing Anthropic/OpenAI error shape.
func (e *GatewayError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    e.Code,
			"message": e.Message,
		},
	}
	if len(e.Metadata) > 0 {
		body["metadata"] = e.Metadata
	}
	return body
}

func (e *GatewayError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

func newErr(kind Kind, code, message string, retryable bool, status int, metadata map[string]interface{}) *GatewayError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &GatewayError{
		Kind:       kind,
		Message:    message,
		Code:       code,
		Retryable:  retryable,
		StatusCode: status,
		Metadata:   metadata,
	}
}

// Account errors — account pool exhaustion or selection failure.

func NewNoAccountsError(allRateLimited bool) *GatewayError {
	msg := "no accounts available"
	if allRateLimited {
		msg = "all accounts are currently rate limited"
	}
	return newErr(KindAccount, "no_accounts", msg, allRateLimited, 0,
		map[string]interface{}{"allRateLimited": allRateLimited})
}

func NewMaxRetriesError(attempts int) *GatewayError {
	return newErr(KindAccount, "max_retries", fmt.Sprintf("max retries exceeded after %d attempts", attempts), false, 0,
		map[string]interface{}{"attempts": attempts})
}

// OAuth errors — refresh/token failures. invalid_grant is terminal
// (the refresh token itself is dead, not transiently rate limited).

func NewOAuthError(message string, accountEmail string, terminal bool) *GatewayError {
	return newErr(KindOAuth, "oauth_invalid", message, !terminal, 401,
		map[string]interface{}{"accountEmail": accountEmail, "terminal": terminal})
}

// IsInvalidGrant detects the Google OAuth terminal failure text.
func IsInvalidGrant(errText string) bool {
	lower := strings.ToLower(errText)
	return strings.Contains(lower, "invalid_grant") ||
		strings.Contains(lower, "token has been expired or revoked") ||
		strings.Contains(lower, "token_revoked") ||
		strings.Contains(lower, "invalid_client")
}

// Network errors — transport-level failures talking to upstream, always retryable.

func NewNetworkError(err error) *GatewayError {
	msg := "network error"
	if err != nil {
		msg = err.Error()
	}
	return newErr(KindNetwork, "network_error", msg, true, 0, nil)
}

// Upstream4xx — the upstream returned a 4xx. Most are not retryable; 429,
// 401, 403, and the thinking-signature-invalid 400 are exceptions handled
// by the dispatcher's classification step, not here.

func NewUpstream4xxError(status int, body string) *GatewayError {
	return newErr(KindUpstream4xx, upstream4xxCode(status), body, status == 429, status, nil)
}

func upstream4xxCode(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 404:
		return "not_found_error"
	case 429:
		return "rate_limit_error"
	default:
		return "invalid_request_error"
	}
}

// IsThinkingSignatureFailure detects the specific 400 this gateway can
// recover from by stripping thinking blocks and retrying once.
func IsThinkingSignatureFailure(status int, body string) bool {
	if status != 400 {
		return false
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "thought_signature") ||
		strings.Contains(lower, "thoughtsignature") ||
		strings.Contains(lower, "signature") && strings.Contains(lower, "thinking")
}

// Upstream5xx — soft-fail, cool down and rotate to another account.

func NewUpstream5xxError(status int, body string) *GatewayError {
	return newErr(KindUpstream5xx, "api_error", body, true, status, nil)
}

// Mapping — a protocol mapper could not translate a request/response. The
// client sees a 400 invalid_request_error regardless of which direction
// failed.

func NewMappingError(message string) *GatewayError {
	return newErr(KindMapping, "invalid_request_error", message, false, 400, nil)
}

// HTTPStatus returns the status code to send to the client.
func HTTPStatus(err error) int {
	ge, ok := err.(*GatewayError)
	if !ok {
		return 500
	}
	switch ge.Kind {
	case KindAccount:
		if ge.StatusCode != 0 {
			return ge.StatusCode
		}
		if ge.Retryable {
			return 429
		}
		return 503
	case KindOAuth:
		return 401
	case KindNetwork:
		return 502
	case KindUpstream4xx, KindUpstream5xx:
		if ge.StatusCode != 0 {
			return ge.StatusCode
		}
		return 502
	case KindMapping:
		return 400
	default:
		return 500
	}
}

// IsRetryable reports whether the dispatcher should try another account.
func IsRetryable(err error) bool {
	ge, ok := err.(*GatewayError)
	if !ok {
		return false
	}
	return ge.Retryable
}

// FormatAPIError renders any error (gateway or otherwise) as a client body.
func FormatAPIError(err error) map[string]interface{} {
	if ge, ok := err.(*GatewayError); ok {
		return ge.ToJSON()
	}
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": err.Error(),
		},
	}
}
