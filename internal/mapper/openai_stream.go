package mapper

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/antigravity-tools/gateway/pkg/openai"
)

// StreamToOpenAI reads upstream SSE line-by-line and emits
// "chat.completion.chunk" events incrementally, terminated by the
// dialect's "data: [DONE]\n\n" sentinel. Built fresh alongside
// StreamToAnthropic (internal/mapper/anthropic_stream.go): same
// bufio.Scanner line-reading approach grounded on the teacher's
// cloudcode.ParseThinkingSSEResponse, same no-buffering incremental
// requirement from spec.md §4.6, emitting OpenAI's chunk dialect instead.
func (m *OpenAIMapper) StreamToOpenAI(w http.ResponseWriter, upstream io.Reader, model string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := "chatcmpl-" + uuid.New().String()
	write := func(chunk openai.ChatCompletionChunk) error {
		data, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	roleSent := false
	toolCallsEmitted := false
	finishReason := "stop"
	family := Family(model)

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
		candidates := chunk.candidates()
		if len(candidates) == 0 {
			continue
		}
		first := candidates[0]
		if first.FinishReason != "" {
			switch first.FinishReason {
			case "MAX_TOKENS":
				finishReason = "length"
			case "SAFETY", "RECITATION":
				finishReason = "content_filter"
			}
		}
		if first.Content == nil {
			continue
		}

		if !roleSent {
			if err := write(openai.ChatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Model: model,
				Choices: []openai.Choice{{Index: 0, Delta: &openai.Message{Role: "assistant"}, FinishReason: nil}},
			}); err != nil {
				return err
			}
			roleSent = true
		}

		for _, part := range first.Content.Parts {
			switch {
			case part.Thought:
				if part.ThoughtSignature != "" && m.Signatures != nil {
					m.Signatures.CacheThinkingSignature(part.ThoughtSignature, string(family))
				}
				// no OpenAI-dialect surface for thinking text; dropped.

			case part.FunctionCall != nil:
				toolCallsEmitted = true
				tcID := part.FunctionCall.ID
				if tcID == "" {
					tcID = "call_" + uuid.New().String()
				}
				if m.Signatures != nil && part.FunctionCall.ThoughtSignature != "" {
					m.Signatures.CacheToolSignature(tcID, part.FunctionCall.ThoughtSignature)
				}
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				if err := write(openai.ChatCompletionChunk{
					ID: id, Object: "chat.completion.chunk", Model: model,
					Choices: []openai.Choice{{
						Index: 0,
						Delta: &openai.Message{ToolCalls: []openai.ToolCall{{
							ID: tcID, Type: "function",
							Function: openai.FunctionCall{Name: part.FunctionCall.Name, Arguments: args},
						}}},
					}},
				}); err != nil {
					return err
				}

			case part.InlineData != nil:
				md := fmt.Sprintf("\n\n![Generated Image](data:%s;base64,%s)", part.InlineData.MimeType, part.InlineData.Data)
				if err := write(openai.ChatCompletionChunk{
					ID: id, Object: "chat.completion.chunk", Model: model,
					Choices: []openai.Choice{{Index: 0, Delta: &openai.Message{Content: md}}},
				}); err != nil {
					return err
				}

			case part.Text != "":
				if err := write(openai.ChatCompletionChunk{
					ID: id, Object: "chat.completion.chunk", Model: model,
					Choices: []openai.Choice{{Index: 0, Delta: &openai.Message{Content: part.Text}}},
				}); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if toolCallsEmitted {
		finishReason = "tool_calls"
	}
	if err := write(openai.ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Model: model,
		Choices: []openai.Choice{{Index: 0, Delta: &openai.Message{}, FinishReason: openai.FinishReasonPtr(finishReason)}},
	}); err != nil {
		return err
	}
	_, err := fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
	return err
}
