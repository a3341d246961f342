package dispatcher

import (
	"strings"

	"github.com/antigravity-tools/gateway/pkg/anthropic"
	"github.com/antigravity-tools/gateway/pkg/openai"
)

// TaskType is a detected background-task bucket, per spec.md §4.7's table.
// This detector has no teacher precedent — the teacher proxies every
// request at face value — so it's written fresh, in the same
// literal/substring-matching idiom the teacher uses for its rate-limit
// body parsing (internal/cloudcode/rate_limit_parser.go).
type TaskType string

const (
	TaskNone               TaskType = ""
	TaskTitleGeneration    TaskType = "title_generation"
	TaskSimpleSummary      TaskType = "simple_summary"
	TaskContextCompression TaskType = "context_compression"
	TaskPromptSuggestion   TaskType = "prompt_suggestion"
	TaskSystemMessage      TaskType = "system_message"
	TaskEnvironmentProbe   TaskType = "environment_probe"
)

const maxBackgroundTaskChars = 800

// bucket pairs a task type with the literal/substring triggers spec.md
// §4.7 names for it. Checked in table order; the first match wins.
type bucket struct {
	taskType TaskType
	triggers []string
}

var buckets = []bucket{
	{TaskTitleGeneration, []string{"write a 5-10 word title", "conversation title"}},
	{TaskSimpleSummary, []string{"in under 50 characters"}},
	{TaskContextCompression, []string{"summarize this coding conversation", "compress the context"}},
	{TaskPromptSuggestion, []string{"suggest next prompts", "follow-up questions"}},
	{TaskSystemMessage, []string{"warmup", "<system-reminder>"}},
	{TaskEnvironmentProbe, []string{"check current directory", "test connection"}},
}

// downgradeModel maps a detected task type to the cheaper model spec.md
// §4.7's table names.
func downgradeModel(t TaskType) string {
	switch t {
	case TaskContextCompression:
		return "gemini-2.5-flash"
	case TaskNone:
		return ""
	default:
		return "gemini-2.5-flash-lite"
	}
}

// DetectAnthropic inspects an Anthropic request's last non-empty user
// message per spec.md §4.7 and classifies it into a background-task bucket,
// or TaskNone if it doesn't match or isn't eligible (a "Warmup..." or
// system-reminder-bearing message is itself the SystemMessage bucket, not
// an exclusion — only the length and "last non-empty user message" rule
// gate eligibility).
func DetectAnthropic(req *anthropic.MessagesRequest) TaskType {
	text := lastUserTextAnthropic(req)
	return classify(text)
}

// DetectOpenAI is OpenAI's analogue of DetectAnthropic.
func DetectOpenAI(req *openai.ChatCompletionRequest) TaskType {
	text := lastUserTextOpenAI(req)
	return classify(text)
}

func classify(text string) TaskType {
	if text == "" || len(text) > maxBackgroundTaskChars {
		return TaskNone
	}
	lower := strings.ToLower(text)
	for _, b := range buckets {
		for _, trigger := range b.triggers {
			if strings.Contains(lower, trigger) {
				return b.taskType
			}
		}
	}
	return TaskNone
}

func lastUserTextAnthropic(req *anthropic.MessagesRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != "user" {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
				return block.Text
			}
		}
	}
	return ""
}

func lastUserTextOpenAI(req *openai.ChatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != "user" {
			continue
		}
		switch c := msg.Content.(type) {
		case string:
			if strings.TrimSpace(c) != "" {
				return c
			}
		case []interface{}:
			for _, item := range c {
				if m, ok := item.(map[string]interface{}); ok {
					if t, ok := m["text"].(string); ok && strings.TrimSpace(t) != "" {
						return t
					}
				}
			}
		}
	}
	return ""
}

// StripForBackground removes tools, thinking config, and thinking/
// redacted-thinking blocks from an Anthropic request, per spec.md §4.7's
// "for background tasks, also strip tools, clear thinking config, and
// remove thinking/redacted-thinking blocks from history".
func StripForBackgroundAnthropic(req *anthropic.MessagesRequest) {
	req.Tools = nil
	req.ToolChoice = nil
	req.Thinking = nil
	for i := range req.Messages {
		filtered := req.Messages[i].Content[:0]
		for _, block := range req.Messages[i].Content {
			if block.Type == "thinking" || block.Type == "redacted_thinking" {
				continue
			}
			filtered = append(filtered, block)
		}
		req.Messages[i].Content = filtered
	}
}

// StripForBackgroundOpenAI removes tools for an OpenAI request (the
// dialect has no native thinking-block concept to strip).
func StripForBackgroundOpenAI(req *openai.ChatCompletionRequest) {
	req.Tools = nil
	req.ToolChoice = nil
}
