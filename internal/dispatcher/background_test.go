package dispatcher

import (
	"strings"
	"testing"

	"github.com/antigravity-tools/gateway/pkg/anthropic"
	"github.com/antigravity-tools/gateway/pkg/openai"
)

func TestDetectAnthropicClassifiesKnownBuckets(t *testing.T) {
	cases := []struct {
		text string
		want TaskType
	}{
		{"Please write a 5-10 word title for this conversation.", TaskTitleGeneration},
		{"Summarize this coding conversation so far to compress the context.", TaskContextCompression},
		{"Suggest next prompts the user might want to try.", TaskPromptSuggestion},
		{"Warmup request, ignore.", TaskSystemMessage},
		{"Please check current directory contents.", TaskEnvironmentProbe},
		{"What's the capital of France?", TaskNone},
	}

	for _, c := range cases {
		req := &anthropic.MessagesRequest{Messages: []anthropic.Message{msg("user", c.text)}}
		got := DetectAnthropic(req)
		if got != c.want {
			t.Errorf("DetectAnthropic(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestDetectAnthropicIgnoresOverlongMessages(t *testing.T) {
	longText := "write a 5-10 word title " + strings.Repeat("x", maxBackgroundTaskChars)
	req := &anthropic.MessagesRequest{Messages: []anthropic.Message{msg("user", longText)}}
	if got := DetectAnthropic(req); got != TaskNone {
		t.Errorf("expected an overlong message to be ineligible for downgrade, got %q", got)
	}
}

func TestDetectOpenAIClassifiesStringContent(t *testing.T) {
	req := &openai.ChatCompletionRequest{
		Messages: []openai.Message{{Role: "user", Content: "please suggest next prompts"}},
	}
	if got := DetectOpenAI(req); got != TaskPromptSuggestion {
		t.Errorf("DetectOpenAI = %q, want %q", got, TaskPromptSuggestion)
	}
}

func TestStripForBackgroundAnthropicRemovesToolsAndThinkingHistory(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Tools:      []anthropic.Tool{{Name: "some_tool"}},
		ToolChoice: &anthropic.ToolChoice{Type: "auto"},
		Thinking:   &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 1024},
		Messages: []anthropic.Message{
			{Role: "assistant", Content: []anthropic.ContentBlock{
				{Type: "thinking", Thinking: "reasoning"},
				{Type: "text", Text: "answer"},
			}},
		},
	}

	StripForBackgroundAnthropic(req)

	if req.Tools != nil || req.ToolChoice != nil || req.Thinking != nil {
		t.Fatal("expected tools/tool_choice/thinking to be cleared")
	}
	if len(req.Messages[0].Content) != 1 || req.Messages[0].Content[0].Type != "text" {
		t.Fatalf("expected thinking block stripped from history, got %+v", req.Messages[0].Content)
	}
}

func TestDowngradeModelPicksFlashForContextCompression(t *testing.T) {
	if got := downgradeModel(TaskContextCompression); got != "gemini-2.5-flash" {
		t.Errorf("expected flash for context compression, got %q", got)
	}
	if got := downgradeModel(TaskTitleGeneration); got != "gemini-2.5-flash-lite" {
		t.Errorf("expected flash-lite for other buckets, got %q", got)
	}
	if got := downgradeModel(TaskNone); got != "" {
		t.Errorf("expected no downgrade for TaskNone, got %q", got)
	}
}
