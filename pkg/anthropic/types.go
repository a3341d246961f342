// Package anthropic provides type definitions for the Anthropic Messages API.
// This file defines all request and response types used by the proxy.
package anthropic

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// Message represents an Anthropic message
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock represents a content block in a message
type ContentBlock struct {
	Type string `json:"type"`

	// Text block fields
	Text string `json:"text,omitempty"`

	// Thinking block fields
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Tool use fields
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool result fields
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   any    `json:"content,omitempty"` // Can be string or []ContentBlock
	IsError   bool   `json:"is_error,omitempty"`

	// Gemini-specific (tool use)
	ThoughtSignature string `json:"thoughtSignature,omitempty"`

	// Image fields
	Source *ImageSource `json:"source,omitempty"`

	// Cache control (stripped before sending to API)
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource represents the source of an image
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url,omitempty"`
}

// CacheControl for prompt caching
type CacheControl struct {
	Type string `json:"type"`
}

// Tool represents a tool definition
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice represents tool selection preference
type ToolChoice struct {
	Type                string `json:"type"`
	Name                string `json:"name,omitempty"`
	DisableParallelToolUse bool `json:"disable_parallel_tool_use,omitempty"`
}

// ThinkingConfig for thinking models
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// SystemContent represents system prompt content (can be string or array)
type SystemContent interface{}

// MessagesRequest represents a request to POST /v1/messages
type MessagesRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Stream        bool           `json:"stream,omitempty"`
	System        SystemContent  `json:"system,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	TopK          *int           `json:"top_k,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Metadata      *Metadata      `json:"metadata,omitempty"`
}

// Metadata for request tracking
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesResponse represents a response from POST /v1/messages
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        *Usage         `json:"usage,omitempty"`
}

// Usage represents token usage
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// SSEEventType represents the type of SSE event
type SSEEventType string

const (
	SSEEventMessageStart      SSEEventType = "message_start"
	SSEEventContentBlockStart SSEEventType = "content_block_start"
	SSEEventContentBlockDelta SSEEventType = "content_block_delta"
	SSEEventContentBlockStop  SSEEventType = "content_block_stop"
	SSEEventMessageDelta      SSEEventType = "message_delta"
	SSEEventMessageStop       SSEEventType = "message_stop"
	SSEEventError             SSEEventType = "error"
)

// SSEEvent represents a streaming SSE event
type SSEEvent struct {
	Type         SSEEventType      `json:"type"`
	Message      *MessagesResponse `json:"message,omitempty"`
	Index        int               `json:"index,omitempty"`
	Delta        *ContentDelta     `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
}

// ContentDelta for streaming deltas
type ContentDelta struct {
	Type             string `json:"type"`
	Text             string `json:"text,omitempty"`
	Thinking         string `json:"thinking,omitempty"`
	Signature        string `json:"signature,omitempty"`
	PartialJSON      string `json:"partial_json,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
	ThoughtSignature string `json:"thoughtSignature,omitempty"`
}

// Model represents a model in the /v1/models response
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Type  string     `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewErrorResponse creates a new error response
func NewErrorResponse(errorType, message string) *ErrorResponse {
	return &ErrorResponse{
		Type: "error",
		Error: ErrorDetail{
			Type:    errorType,
			Message: message,
		},
	}
}

// GenerateMessageID generates a unique message ID in Anthropic's msg_ format.
func GenerateMessageID() string {
	return "msg_" + randomID()
}

// GenerateToolUseID generates a unique tool use ID in Anthropic's toolu_ format.
func GenerateToolUseID() string {
	return "toolu_" + randomID()
}

// randomID returns a 24-character hex string derived from a UUIDv4, matching
// the length of the IDs Anthropic's own API issues.
func randomID() string {
	raw := uuid.New()
	return hex.EncodeToString(raw[:12])
}
