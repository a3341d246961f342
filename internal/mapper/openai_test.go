package mapper

import (
	"testing"

	"github.com/antigravity-tools/gateway/pkg/openai"
)

func TestOpenAIToInternalRejectsEmptyMessages(t *testing.T) {
	m := NewOpenAIMapper(NewSignatureCache(nil))
	_, err := m.ToInternal(&openai.ChatCompletionRequest{Model: "gpt-4o"}, ToInternalOptions{})
	if err == nil {
		t.Fatal("expected an error for empty messages")
	}
}

func TestOpenAIToInternalFlattensSystemAndMergesRoles(t *testing.T) {
	m := NewOpenAIMapper(NewSignatureCache(nil))
	req := &openai.ChatCompletionRequest{
		Model: "gemini-2.5-pro",
		Messages: []openai.Message{
			{Role: "system", Content: "be concise"},
			{Role: "user", Content: "hello"},
			{Role: "user", Content: "again"},
		},
	}

	env, err := m.ToInternal(req, ToInternalOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if env.Request.SystemInstruction == nil || len(env.Request.SystemInstruction.Parts) != 2 {
		t.Fatalf("expected identity patch + one system part, got %+v", env.Request.SystemInstruction)
	}
	if env.Request.SystemInstruction.Parts[1].Text != "be concise" {
		t.Errorf("expected system text preserved, got %q", env.Request.SystemInstruction.Parts[1].Text)
	}

	if len(env.Request.Contents) != 1 {
		t.Fatalf("expected the two consecutive user messages merged into one content, got %d", len(env.Request.Contents))
	}
	if len(env.Request.Contents[0].Parts) != 2 {
		t.Fatalf("expected 2 merged parts, got %d", len(env.Request.Contents[0].Parts))
	}
}

// Round-tripping a plain text-only unary response through FromInternal must
// produce a single assistant message with no tool calls and a "stop" finish
// reason, exercising the direction dispatcher uses for non-streaming
// chat.completions responses.
func TestOpenAIFromInternalTextOnlyRoundtrip(t *testing.T) {
	m := NewOpenAIMapper(NewSignatureCache(nil))
	resp := &UpstreamResponse{
		Candidates: []Candidate{{
			Content:      &Content{Parts: []Part{{Text: "hello there"}}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5},
	}

	out := m.FromInternal(resp, "gemini-2.5-pro", "chatcmpl-test")
	if len(out.Choices) != 1 {
		t.Fatalf("expected exactly one choice, got %d", len(out.Choices))
	}
	choice := out.Choices[0]
	if choice.Message == nil || choice.Message.Content != "hello there" {
		t.Fatalf("expected content preserved, got %+v", choice.Message)
	}
	if choice.Message.ToolCalls != nil {
		t.Errorf("expected no tool calls, got %+v", choice.Message.ToolCalls)
	}
	if choice.FinishReason == nil || *choice.FinishReason != "stop" {
		t.Errorf("expected finish reason \"stop\", got %v", choice.FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected total tokens 15, got %d", out.Usage.TotalTokens)
	}
}
