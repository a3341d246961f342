package mapper

import (
	"testing"

	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

func textBlock(s string) anthropic.ContentBlock {
	return anthropic.ContentBlock{Type: "text", Text: s}
}

func TestAnthropicToInternalRejectsEmptyMessages(t *testing.T) {
	m := NewAnthropicMapper(NewSignatureCache(nil))
	_, err := m.ToInternal(&anthropic.MessagesRequest{Model: "claude-opus-4-5", Messages: nil}, ToInternalOptions{})
	if err == nil {
		t.Fatal("expected an error for empty messages")
	}
}

// Two consecutive user-role turns (as can occur after a tool-result message
// is folded into a preceding user message) must merge into a single
// internal Content entry rather than producing back-to-back user turns,
// per spec.md §8's consecutive-message invariant.
func TestAnthropicToInternalMergesConsecutiveSameRole(t *testing.T) {
	m := NewAnthropicMapper(NewSignatureCache(nil))
	req := &anthropic.MessagesRequest{
		Model:     "claude-opus-4-5",
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{textBlock("first")}},
			{Role: "user", Content: []anthropic.ContentBlock{textBlock("second")}},
			{Role: "assistant", Content: []anthropic.ContentBlock{textBlock("reply")}},
		},
	}

	env, err := m.ToInternal(req, ToInternalOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	contents := env.Request.Contents
	if len(contents) != 2 {
		t.Fatalf("expected 2 merged contents (user, model), got %d", len(contents))
	}
	if contents[0].Role != "user" {
		t.Fatalf("expected first content role \"user\", got %q", contents[0].Role)
	}
	if len(contents[0].Parts) != 2 {
		t.Fatalf("expected 2 merged parts in the user turn, got %d", len(contents[0].Parts))
	}
	if contents[0].Parts[0].Text != "first" || contents[0].Parts[1].Text != "second" {
		t.Fatalf("unexpected merged part order: %+v", contents[0].Parts)
	}
	if contents[1].Role != "model" {
		t.Fatalf("expected second content role \"model\", got %q", contents[1].Role)
	}
}

// When thinking is enabled, every "model" content's first part must carry
// Thought=true; a history turn recorded before thinking was ever produced
// gets a synthetic thinking prelude injected ahead of it.
func TestAnthropicToInternalInjectsThinkingPrelude(t *testing.T) {
	m := NewAnthropicMapper(NewSignatureCache(nil))
	req := &anthropic.MessagesRequest{
		Model:     "claude-opus-4-5-thinking",
		MaxTokens: 1024,
		Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 1024},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{textBlock("hi")}},
			{Role: "assistant", Content: []anthropic.ContentBlock{textBlock("hello, no prior thought block")}},
		},
	}

	env, err := m.ToInternal(req, ToInternalOptions{Model: req.Model})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var modelTurn *Content
	for i := range env.Request.Contents {
		if env.Request.Contents[i].Role == "model" {
			modelTurn = &env.Request.Contents[i]
			break
		}
	}
	if modelTurn == nil {
		t.Fatal("expected a model-role content entry")
	}
	if len(modelTurn.Parts) == 0 || !modelTurn.Parts[0].Thought {
		t.Fatalf("expected a synthetic thought-bearing first part, got %+v", modelTurn.Parts)
	}
}

// A model turn that already starts with a real thinking block must not get
// a second, redundant prelude prepended.
func TestAnthropicToInternalSkipsPreludeWhenThoughtAlreadyPresent(t *testing.T) {
	m := NewAnthropicMapper(NewSignatureCache(nil))
	req := &anthropic.MessagesRequest{
		Model:     "claude-opus-4-5-thinking",
		MaxTokens: 1024,
		Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 1024},
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{textBlock("hi")}},
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "thinking", Thinking: "reasoning...", Signature: "sig"},
				textBlock("hello"),
			}},
		},
	}

	env, err := m.ToInternal(req, ToInternalOptions{Model: req.Model})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, c := range env.Request.Contents {
		if c.Role != "model" {
			continue
		}
		if len(c.Parts) != 2 {
			t.Fatalf("expected no extra prelude part, got %d parts: %+v", len(c.Parts), c.Parts)
		}
	}
}

func TestAnthropicFromInternalSplicesGeneratedImage(t *testing.T) {
	m := NewAnthropicMapper(NewSignatureCache(nil))
	resp := &UpstreamResponse{
		Candidates: []Candidate{{
			Content: &Content{Parts: []Part{
				{Text: "here is your image"},
				{InlineData: &InlineData{MimeType: "image/png", Data: "Zm9v"}},
			}},
			FinishReason: "STOP",
		}},
	}

	out := m.FromInternal(resp, "gemini-2.5-pro")
	if len(out.Content) != 1 || out.Content[0].Type != "text" {
		t.Fatalf("expected the image spliced into a single text block, got %+v", out.Content)
	}
	if out.StopReason != "end_turn" {
		t.Errorf("expected end_turn stop reason, got %q", out.StopReason)
	}
}
