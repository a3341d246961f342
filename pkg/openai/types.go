// Package openai provides type definitions for the OpenAI chat.completions
// API dialect, built fresh for this gateway (no teacher precedent) but
// structured in the same idiom as pkg/anthropic/types.go: plain wire
// structs, a handful of Is*/New* helpers, no behavior beyond shaping JSON.
package openai

import "encoding/json"

// Message is one chat.completions message. Content is "any" because the
// wire format allows either a plain string or a multimodal content-part
// array; callers type-switch on it the way they do on anthropic.SystemContent.
type Message struct {
	Role       string     `json:"role"`
	Content    any        `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal message content array.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL holds either an http(s) URL or a data: URL image reference.
type ImageURL struct {
	URL string `json:"url"`
}

// ToolCall is a model-emitted function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name/arguments pair inside a ToolCall.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a chat.completions tool declaration.
type Tool struct {
	Type     string           `json:"type"`
	Function FunctionSchema   `json:"function"`
}

// FunctionSchema describes one callable tool.
type FunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolChoice mirrors OpenAI's string-or-object tool_choice field.
type ToolChoice struct {
	raw any
}

// UnmarshalJSON accepts either a bare string ("auto"/"none"/"required") or
// the {"type":"function","function":{"name":...}} object form.
func (t *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.raw = s
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.raw = obj
	return nil
}

// ForcedFunctionName returns the tool name this choice forces, if any.
func (t *ToolChoice) ForcedFunctionName() string {
	obj, ok := t.raw.(map[string]interface{})
	if !ok {
		return ""
	}
	fn, ok := obj["function"].(map[string]interface{})
	if !ok {
		return ""
	}
	name, _ := fn["name"].(string)
	return name
}

// IsNone reports whether this choice disables tool use entirely.
func (t *ToolChoice) IsNone() bool {
	s, ok := t.raw.(string)
	return ok && s == "none"
}

// ChatCompletionRequest is a POST /v1/chat/completions request body.
type ChatCompletionRequest struct {
	Model       string      `json:"model"`
	Messages    []Message   `json:"messages"`
	Stream      bool        `json:"stream,omitempty"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  *ToolChoice `json:"tool_choice,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Stop        any         `json:"stop,omitempty"`
	User        string      `json:"user,omitempty"`
}

// ChatCompletionResponse is a non-streaming chat.completions response.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one generated completion choice.
type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason *string  `json:"finish_reason"`
}

// Usage mirrors chat.completions token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionChunk is one "chat.completion.chunk" SSE payload.
type ChatCompletionChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Model is one entry in a GET /v1/models response.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is a GET /v1/models response.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorResponse is the OpenAI-dialect error body shape.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error's type/message/code.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// NewErrorResponse builds a chat.completions-shaped error body.
func NewErrorResponse(errType, message string) *ErrorResponse {
	return &ErrorResponse{Error: ErrorDetail{Type: errType, Message: message}}
}

func strPtr(s string) *string { return &s }

// FinishReasonPtr is a small helper so callers can build Choice.FinishReason
// without a local variable at every call site.
func FinishReasonPtr(reason string) *string { return strPtr(reason) }
