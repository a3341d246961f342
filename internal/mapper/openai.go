package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravity-tools/gateway/internal/apierrors"
	"github.com/antigravity-tools/gateway/pkg/openai"
)

// OpenAIMapper translates between the OpenAI chat.completions dialect and
// the v1internal envelope. Unlike AnthropicMapper, this has no teacher
// precedent to ground on (spec.md §4.6/SPEC_FULL.md §4.6 call this out
// explicitly); it is written fresh in the same structural idiom as
// anthropic.go — same Envelope target, same injectable *SignatureCache,
// same ToInternalOptions-style knobs — so the two dialects read as
// siblings rather than as a bolt-on.
type OpenAIMapper struct {
	Signatures *SignatureCache
}

// NewOpenAIMapper constructs a mapper bound to sigCache (may be nil-backed
// via NewSignatureCache(nil) for a pure in-memory cache).
func NewOpenAIMapper(sigCache *SignatureCache) *OpenAIMapper {
	return &OpenAIMapper{Signatures: sigCache}
}

var dataURLPattern = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)

// ToInternal converts an OpenAI chat.completions request into a v1internal
// Envelope.
func (m *OpenAIMapper) ToInternal(req *openai.ChatCompletionRequest, opts ToInternalOptions) (*Envelope, error) {
	if len(req.Messages) == 0 {
		return nil, apierrors.NewMappingError("messages must not be empty")
	}

	model := opts.Model
	if model == "" {
		model = req.Model
	}

	var systemParts []Part
	systemParts = append(systemParts, Part{Text: identityPatch})

	envelopeReq := &Request{
		SafetySettings: allSafetyOff(),
		GenerationConfig: GenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: 64000,
		},
	}
	if req.MaxTokens > 0 {
		envelopeReq.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}

	hasWebSearch := false
	var declarations []FunctionDeclaration
	if !opts.StripTools {
		for _, tool := range req.Tools {
			if tool.Function.Name == "web_search" || tool.Function.Name == "google_search" {
				hasWebSearch = true
				continue
			}
			declarations = append(declarations, FunctionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  CleanJSONSchema(tool.Function.Parameters),
			})
		}
	}
	switch {
	case len(declarations) > 0:
		envelopeReq.Tools = []Tool{{FunctionDeclarations: declarations}}
		mode := "VALIDATED"
		if req.ToolChoice != nil && req.ToolChoice.IsNone() {
			mode = "NONE"
		}
		envelopeReq.ToolConfig = &ToolConfig{FunctionCallingConfig: &FunctionCallingConfig{Mode: mode}}
	case hasWebSearch:
		envelopeReq.Tools = []Tool{{GoogleSearch: &struct{}{}}}
	}

	toolCallNames := make(map[string]string) // tool_call id -> function name

	var contents []Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system", "developer":
			// Routed to systemInstruction rather than folded into a user
			// turn: the upstream dialect has its own system-instruction
			// slot, and using it keeps system text out of the session-key
			// fingerprint and consecutive-role merge applied to Contents.
			if text := flattenOpenAIContent(msg.Content); text != "" {
				systemParts = append(systemParts, Part{Text: text})
			}
			continue

		case "tool":
			name := toolCallNames[msg.ToolCallID]
			if name == "" {
				name = "unknown"
			}
			result := flattenOpenAIContent(msg.Content)
			if result == "" {
				result = "Command executed successfully."
			}
			parts := []Part{{FunctionResponse: &FunctionResponse{
				Name: name, ID: msg.ToolCallID, Response: map[string]interface{}{"result": result},
			}}}
			contents = appendOrMerge(contents, "user", parts)
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}

		parts := openAIContentToParts(msg.Content)

		for _, tc := range msg.ToolCalls {
			toolCallNames[tc.ID] = tc.Function.Name
			var args json.RawMessage
			if tc.Function.Arguments != "" {
				args = json.RawMessage(tc.Function.Arguments)
			} else {
				args = json.RawMessage("{}")
			}
			sig := ""
			if m.Signatures != nil {
				sig = m.Signatures.ToolSignature(tc.ID)
			}
			parts = append(parts, Part{FunctionCall: &FunctionCall{
				Name: tc.Function.Name, Args: args, ID: tc.ID, ThoughtSignature: sig,
			}})
		}

		if len(parts) == 0 {
			parts = []Part{{Text: ""}}
		}
		contents = appendOrMerge(contents, role, parts)
	}

	envelopeReq.SystemInstruction = &Content{Parts: systemParts}
	envelopeReq.Contents = contents

	return &Envelope{
		Project:     opts.ProjectID,
		RequestID:   "agent-" + uuid.New().String(),
		Model:       model,
		UserAgent:   "antigravity",
		RequestType: opts.RequestType,
		SessionID:   req.User,
		Request:     envelopeReq,
	}, nil
}

// appendOrMerge merges parts into the last content entry when its role
// matches (consecutive-same-role merge), matching the Anthropic mapper's
// behavior and spec.md §8's consecutive-message invariant.
func appendOrMerge(contents []Content, role string, parts []Part) []Content {
	if n := len(contents); n > 0 && contents[n-1].Role == role {
		contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		return contents
	}
	return append(contents, Content{Role: role, Parts: parts})
}

// openAIContentToParts handles both the plain-string and multimodal
// content-part-array message shapes, recognizing data: URL images and
// Markdown-embedded data URLs left behind by a prior assistant turn
// (spec.md §4.6's "assistant image carry-forward" behavior: an image this
// gateway generated and spliced into text on the way out must convert back
// into an inlineData part on the way back in, or history replay loses it).
func openAIContentToParts(content any) []Part {
	switch c := content.(type) {
	case string:
		return textAndEmbeddedImages(c)
	case []interface{}:
		var parts []Part
		for _, item := range c {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if text, ok := m["text"].(string); ok {
					parts = append(parts, textAndEmbeddedImages(text)...)
				}
			case "image_url":
				url := ""
				if iu, ok := m["image_url"].(map[string]interface{}); ok {
					url, _ = iu["url"].(string)
				}
				if p, ok := imagePartFromDataURL(url); ok {
					parts = append(parts, p)
				}
			}
		}
		return parts
	default:
		return nil
	}
}

var markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\((data:[^)]+)\)`)

// textAndEmbeddedImages splits text on any Markdown image references it
// contains, emitting inlineData parts for each and text parts for the rest.
func textAndEmbeddedImages(text string) []Part {
	matches := markdownImagePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		if text == "" {
			return nil
		}
		return []Part{{Text: text}}
	}

	var parts []Part
	cursor := 0
	for _, idx := range matches {
		if idx[0] > cursor {
			if prefix := strings.TrimSpace(text[cursor:idx[0]]); prefix != "" {
				parts = append(parts, Part{Text: prefix})
			}
		}
		dataURL := text[idx[2]:idx[3]]
		if p, ok := imagePartFromDataURL(dataURL); ok {
			parts = append(parts, p)
		}
		cursor = idx[1]
	}
	if cursor < len(text) {
		if suffix := strings.TrimSpace(text[cursor:]); suffix != "" {
			parts = append(parts, Part{Text: suffix})
		}
	}
	return parts
}

func imagePartFromDataURL(url string) (Part, bool) {
	m := dataURLPattern.FindStringSubmatch(url)
	if m == nil {
		return Part{}, false
	}
	return Part{InlineData: &InlineData{MimeType: m[1], Data: m[2]}}, true
}

// flattenOpenAIContent reduces a string-or-array content value to plain
// text, discarding any image parts (used for system/tool messages, which
// spec.md treats as text-only).
func flattenOpenAIContent(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var texts []string
		for _, item := range c {
			if m, ok := item.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok {
					texts = append(texts, t)
				}
			}
		}
		return strings.Join(texts, "\n")
	default:
		return ""
	}
}

// FromInternal implements the unary internal→OpenAI response direction.
func (m *OpenAIMapper) FromInternal(resp *UpstreamResponse, model, responseID string) *openai.ChatCompletionResponse {
	candidates := resp.AllCandidates()
	var first Candidate
	if len(candidates) > 0 {
		first = candidates[0]
	}
	var parts []Part
	if first.Content != nil {
		parts = first.Content.Parts
	}

	var textBuilder strings.Builder
	var toolCalls []openai.ToolCall
	family := Family(model)

	for _, part := range parts {
		switch {
		case part.Thought:
			if part.ThoughtSignature != "" && m.Signatures != nil {
				m.Signatures.CacheThinkingSignature(part.ThoughtSignature, string(family))
			}
			// OpenAI dialect has no thinking-block concept; thoughts are dropped
			// from the visible message the way a non-thinking client expects.

		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.New().String()
			}
			if m.Signatures != nil && part.FunctionCall.ThoughtSignature != "" {
				m.Signatures.CacheToolSignature(id, part.FunctionCall.ThoughtSignature)
			}
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID: id, Type: "function",
				Function: openai.FunctionCall{Name: part.FunctionCall.Name, Arguments: args},
			})

		case part.InlineData != nil:
			textBuilder.WriteString(fmt.Sprintf("\n\n![Generated Image](data:%s;base64,%s)", part.InlineData.MimeType, part.InlineData.Data))

		case part.Text != "":
			textBuilder.WriteString(part.Text)
		}
	}

	finishReason := "stop"
	switch first.FinishReason {
	case "MAX_TOKENS":
		finishReason = "length"
	case "SAFETY", "RECITATION":
		finishReason = "content_filter"
	}
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	}

	msg := &openai.Message{Role: "assistant", Content: textBuilder.String()}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
		msg.Content = nil
	}

	usage := resp.Usage()
	var promptTokens, completionTokens int
	if usage != nil {
		promptTokens = usage.PromptTokenCount
		completionTokens = usage.CandidatesTokenCount
	}

	return &openai.ChatCompletionResponse{
		ID: responseID, Object: "chat.completion", Model: model,
		Choices: []openai.Choice{{Index: 0, Message: msg, FinishReason: openai.FinishReasonPtr(finishReason)}},
		Usage: &openai.Usage{
			PromptTokens: promptTokens, CompletionTokens: completionTokens,
			TotalTokens: promptTokens + completionTokens,
		},
	}
}
