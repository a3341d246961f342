// Package mapper implements C6, the bidirectional protocol translators
// between the OpenAI and Anthropic client dialects and the upstream
// v1internal envelope, including SSE chunk transformation and JSON-Schema
// cleaning. Grounded on the teacher's internal/format package
// (request_converter.go, content_converter.go, response_converter.go,
// schema_sanitizer.go, thinking_utils.go, signature_cache.go); the OpenAI
// side has no teacher precedent and is built fresh in the same structural
// idiom. This file holds the shared v1internal wire shapes both dialect
// mappers build and consume (spec.md §4.6's envelope).
package mapper

import "encoding/json"

// Envelope is the v1internal request body both dialects build.
type Envelope struct {
	Project     string   `json:"project"`
	RequestID   string   `json:"requestId"`
	Model       string   `json:"model"`
	UserAgent   string   `json:"userAgent"`
	RequestType string   `json:"requestType,omitempty"`
	SessionID   string   `json:"sessionId,omitempty"`
	Request     *Request `json:"request"`
}

// Request is the v1internal "request" sub-object.
type Request struct {
	Contents          []Content        `json:"contents"`
	SystemInstruction *Content         `json:"systemInstruction,omitempty"`
	GenerationConfig  GenerationConfig `json:"generationConfig"`
	SafetySettings    []SafetySetting  `json:"safetySettings,omitempty"`
	Tools             []Tool           `json:"tools,omitempty"`
	ToolConfig        *ToolConfig      `json:"toolConfig,omitempty"`
}

// Content is one turn of conversation history: contents[i] in spec.md §4.6.
type Content struct {
	Role  string `json:"role,omitempty"` // "user" | "model"
	Parts []Part `json:"parts"`
}

// Part is a single content fragment. Exactly one of the pointer/value
// fields is meaningful per part, mirroring the upstream union.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// InlineData is a base64-encoded multimodal attachment.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a model-emitted tool invocation.
type FunctionCall struct {
	Name             string          `json:"name"`
	Args             json.RawMessage `json:"args,omitempty"`
	ID               string          `json:"id,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
}

// FunctionResponse is a client-supplied tool result fed back to the model.
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// GenerationConfig mirrors spec.md §4.6's generationConfig shape.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig enables upstream "thinking" (extended reasoning) output.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// SafetySetting disables one upstream safety category.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// safetyCategories is the fixed list spec.md §4.6 sets to OFF for Anthropic
// requests (harassment/hate/sexual/dangerous content plus civic integrity).
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

// allSafetyOff builds the fixed safety-settings-all-OFF block.
func allSafetyOff() []SafetySetting {
	out := make([]SafetySetting, 0, len(safetyCategories))
	for _, cat := range safetyCategories {
		out = append(out, SafetySetting{Category: cat, Threshold: "OFF"})
	}
	return out
}

// Tool is a v1internal tool declaration: either function declarations or
// the built-in googleSearch tool, never both (upstream refuses mixing).
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
}

// FunctionDeclaration is one cleaned tool schema.
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig selects function-calling behavior.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig mirrors spec.md §4.6: mode "VALIDATED" whenever any
// tools are declared.
type FunctionCallingConfig struct {
	Mode string `json:"mode"`
}

// UpstreamResponse is the unary (non-streaming) v1internal response shape,
// tolerant of both the wrapped ("response": {...}) and unwrapped forms the
// upstream has been observed to return.
type UpstreamResponse struct {
	Response *struct {
		Candidates    []Candidate    `json:"candidates,omitempty"`
		UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	} `json:"response,omitempty"`
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// AllCandidates returns the response's candidates, unwrapping the optional
// "response" envelope.
func (r *UpstreamResponse) AllCandidates() []Candidate {
	if r.Response != nil {
		return r.Response.Candidates
	}
	return r.Candidates
}

// Usage returns the response's usage metadata, unwrapping the optional
// "response" envelope.
func (r *UpstreamResponse) Usage() *UsageMetadata {
	if r.Response != nil {
		return r.Response.UsageMetadata
	}
	return r.UsageMetadata
}

// Candidate is one generated response candidate.
type Candidate struct {
	Content      *Content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

// UsageMetadata is upstream token accounting.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}
