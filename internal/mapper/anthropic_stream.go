package mapper

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/antigravity-tools/gateway/internal/server/sse"
	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

// anthropicBlockKind tracks which Anthropic content_block is currently open
// on the wire, so StreamToAnthropic knows when it must close one block and
// open another as the upstream part type changes.
type anthropicBlockKind int

const (
	blockNone anthropicBlockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// sseChunk is the minimal shape read off each upstream "data:" line; it
// mirrors UpstreamResponse's tolerance for the wrapped/unwrapped envelope.
type sseChunk struct {
	Response *struct {
		Candidates    []Candidate    `json:"candidates,omitempty"`
		UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
	} `json:"response,omitempty"`
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

func (c *sseChunk) candidates() []Candidate {
	if c.Response != nil {
		return c.Response.Candidates
	}
	return c.Candidates
}

func (c *sseChunk) usage() *UsageMetadata {
	if c.Response != nil {
		return c.Response.UsageMetadata
	}
	return c.UsageMetadata
}

// StreamToAnthropic reads upstream SSE line-by-line (grounded on the
// teacher's cloudcode.ParseThinkingSSEResponse scanning mechanics) and
// emits Anthropic Messages SSE events incrementally as each chunk arrives,
// rather than buffering the whole stream and replaying one accumulated
// response the way the teacher's function does — spec.md §4.6 requires
// text deltas to reach the client as they're produced.
func (m *AnthropicMapper) StreamToAnthropic(w *sse.Writer, upstream io.Reader, model string) error {
	w.SetHeaders()

	messageID := anthropic.GenerateMessageID()
	if err := w.WriteEvent(string(anthropic.SSEEventMessageStart), anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageStart,
		Message: &anthropic.MessagesResponse{
			ID: messageID, Type: "message", Role: "assistant", Model: model,
			Content: []anthropic.ContentBlock{}, StopReason: "",
			Usage: &anthropic.Usage{},
		},
	}); err != nil {
		return err
	}

	open := blockNone
	blockIndex := -1
	stopReason := "end_turn"
	var usage *UsageMetadata
	family := Family(model)
	toolArgsOpened := false

	closeBlock := func() error {
		if open == blockNone {
			return nil
		}
		if open == blockToolUse && !toolArgsOpened {
			// never emitted an args delta; emit an empty one so clients see valid JSON.
			if err := w.WriteEvent(string(anthropic.SSEEventContentBlockDelta), anthropic.SSEEvent{
				Type: anthropic.SSEEventContentBlockDelta, Index: blockIndex,
				Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: "{}"},
			}); err != nil {
				return err
			}
		}
		err := w.WriteEvent(string(anthropic.SSEEventContentBlockStop), anthropic.SSEEvent{
			Type: anthropic.SSEEventContentBlockStop, Index: blockIndex,
		})
		open = blockNone
		toolArgsOpened = false
		return err
	}

	openBlock := func(kind anthropicBlockKind, block anthropic.ContentBlock) error {
		if err := closeBlock(); err != nil {
			return err
		}
		blockIndex++
		open = kind
		return w.WriteEvent(string(anthropic.SSEEventContentBlockStart), anthropic.SSEEvent{
			Type: anthropic.SSEEventContentBlockStart, Index: blockIndex, ContentBlock: &block,
		})
	}

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if u := chunk.usage(); u != nil {
			usage = u
		}
		candidates := chunk.candidates()
		if len(candidates) == 0 {
			continue
		}
		first := candidates[0]
		if first.FinishReason != "" {
			switch first.FinishReason {
			case "MAX_TOKENS":
				stopReason = "max_tokens"
			case "SAFETY", "RECITATION":
				stopReason = "content_filter"
			}
		}
		if first.Content == nil {
			continue
		}

		for _, part := range first.Content.Parts {
			switch {
			case part.Thought:
				if open != blockThinking {
					if err := openBlock(blockThinking, anthropic.ContentBlock{Type: "thinking"}); err != nil {
						return err
					}
				}
				if part.Text != "" {
					if err := w.WriteEvent(string(anthropic.SSEEventContentBlockDelta), anthropic.SSEEvent{
						Type: anthropic.SSEEventContentBlockDelta, Index: blockIndex,
						Delta: &anthropic.ContentDelta{Type: "thinking_delta", Thinking: part.Text},
					}); err != nil {
						return err
					}
				}
				if part.ThoughtSignature != "" {
					if m.Signatures != nil {
						m.Signatures.CacheThinkingSignature(part.ThoughtSignature, string(family))
					}
					if err := w.WriteEvent(string(anthropic.SSEEventContentBlockDelta), anthropic.SSEEvent{
						Type: anthropic.SSEEventContentBlockDelta, Index: blockIndex,
						Delta: &anthropic.ContentDelta{Type: "signature_delta", Signature: part.ThoughtSignature},
					}); err != nil {
						return err
					}
				}

			case part.FunctionCall != nil:
				stopReason = "tool_use"
				id := part.FunctionCall.ID
				if id == "" {
					id = anthropic.GenerateToolUseID()
				}
				if err := openBlock(blockToolUse, anthropic.ContentBlock{Type: "tool_use", ID: id, Name: part.FunctionCall.Name, Input: json.RawMessage("{}")}); err != nil {
					return err
				}
				args := string(part.FunctionCall.Args)
				if args != "" && args != "null" {
					if err := w.WriteEvent(string(anthropic.SSEEventContentBlockDelta), anthropic.SSEEvent{
						Type: anthropic.SSEEventContentBlockDelta, Index: blockIndex,
						Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: args},
					}); err != nil {
						return err
					}
					toolArgsOpened = true
				}
				if part.FunctionCall.ThoughtSignature != "" && m.Signatures != nil {
					m.Signatures.CacheToolSignature(id, part.FunctionCall.ThoughtSignature)
				}
				if err := closeBlock(); err != nil {
					return err
				}

			case part.InlineData != nil:
				md := "![Generated Image](data:" + part.InlineData.MimeType + ";base64," + part.InlineData.Data + ")"
				if open != blockText {
					if err := openBlock(blockText, anthropic.ContentBlock{Type: "text"}); err != nil {
						return err
					}
				}
				if err := w.WriteEvent(string(anthropic.SSEEventContentBlockDelta), anthropic.SSEEvent{
					Type: anthropic.SSEEventContentBlockDelta, Index: blockIndex,
					Delta: &anthropic.ContentDelta{Type: "text_delta", Text: md},
				}); err != nil {
					return err
				}

			case part.Text != "":
				if open != blockText {
					if err := openBlock(blockText, anthropic.ContentBlock{Type: "text"}); err != nil {
						return err
					}
				}
				if err := w.WriteEvent(string(anthropic.SSEEventContentBlockDelta), anthropic.SSEEvent{
					Type: anthropic.SSEEventContentBlockDelta, Index: blockIndex,
					Delta: &anthropic.ContentDelta{Type: "text_delta", Text: part.Text},
				}); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if err := closeBlock(); err != nil {
		return err
	}

	finalUsage := &anthropic.Usage{}
	if usage != nil {
		finalUsage.InputTokens = usage.PromptTokenCount - usage.CachedContentTokenCount
		finalUsage.OutputTokens = usage.CandidatesTokenCount
		finalUsage.CacheReadInputTokens = usage.CachedContentTokenCount
	}
	if err := w.WriteEvent(string(anthropic.SSEEventMessageDelta), anthropic.SSEEvent{
		Type:  anthropic.SSEEventMessageDelta,
		Delta: &anthropic.ContentDelta{StopReason: stopReason},
		Usage: finalUsage,
	}); err != nil {
		return err
	}
	return w.WriteEvent(string(anthropic.SSEEventMessageStop), anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop})
}
