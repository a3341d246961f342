package apierrors

import "testing"

func TestHTTPStatusByKind(t *testing.T) {
	cases := []struct {
		name string
		err  *GatewayError
		want int
	}{
		{"no accounts rate limited", NewNoAccountsError(true), 429},
		{"no accounts exhausted", NewNoAccountsError(false), 503},
		{"oauth", NewOAuthError("bad refresh", "a@example.com", true), 401},
		{"network", NewNetworkError(nil), 502},
		{"upstream 4xx passthrough", NewUpstream4xxError(404, "not found"), 404},
		{"upstream 5xx passthrough", NewUpstream5xxError(503, "overloaded"), 503},
		{"mapping", NewMappingError("bad schema"), 400},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := HTTPStatus(c.err); got != c.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, c.want)
			}
		})
	}
}

func TestIsInvalidGrant(t *testing.T) {
	if !IsInvalidGrant(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`) {
		t.Error("expected invalid_grant to be detected")
	}
	if IsInvalidGrant(`{"error":"server_error"}`) {
		t.Error("did not expect server_error to be detected as invalid_grant")
	}
}

func TestIsThinkingSignatureFailure(t *testing.T) {
	if !IsThinkingSignatureFailure(400, "Unable to submit request because thought_signature is missing") {
		t.Error("expected thought_signature failure to be detected")
	}
	if IsThinkingSignatureFailure(429, "thought_signature") {
		t.Error("non-400 status must not classify as thinking signature failure")
	}
	if IsThinkingSignatureFailure(400, "invalid request body") {
		t.Error("unrelated 400 must not classify as thinking signature failure")
	}
}

func TestFormatAPIErrorFallback(t *testing.T) {
	body := FormatAPIError(&GatewayError{Message: "boom"})
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object, got %#v", body)
	}
	if errObj["message"] != "boom" {
		t.Errorf("unexpected message: %#v", errObj["message"])
	}
}
