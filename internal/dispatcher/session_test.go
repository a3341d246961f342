package dispatcher

import (
	"testing"

	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

func msg(role, text string) anthropic.Message {
	return anthropic.Message{Role: role, Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func TestSessionKeyDeterministic(t *testing.T) {
	req := &anthropic.MessagesRequest{
		System:   "you are a helpful assistant",
		Messages: []anthropic.Message{msg("user", "hello"), msg("assistant", "hi"), msg("user", "how are you")},
	}

	a := SessionKey(req)
	b := SessionKey(req)
	if a != b {
		t.Fatalf("expected SessionKey to be deterministic for the same input, got %q and %q", a, b)
	}
}

func TestSessionKeyDiffersOnDifferentOpeningMessages(t *testing.T) {
	base := &anthropic.MessagesRequest{
		System:   "you are a helpful assistant",
		Messages: []anthropic.Message{msg("user", "hello")},
	}
	other := &anthropic.MessagesRequest{
		System:   "you are a helpful assistant",
		Messages: []anthropic.Message{msg("user", "goodbye")},
	}

	if SessionKey(base) == SessionKey(other) {
		t.Fatal("expected different opening user messages to produce different session keys")
	}
}

func TestSessionKeyIgnoresMessagesAfterTheThirdTurn(t *testing.T) {
	base := &anthropic.MessagesRequest{
		System: "system",
		Messages: []anthropic.Message{
			msg("user", "first"),
			msg("assistant", "reply"),
			msg("user", "second"),
		},
	}
	extended := &anthropic.MessagesRequest{
		System: "system",
		Messages: []anthropic.Message{
			msg("user", "first"),
			msg("assistant", "reply"),
			msg("user", "second"),
			msg("assistant", "another reply"),
			msg("user", "a third user turn the key shouldn't see"),
		},
	}

	if SessionKey(base) != SessionKey(extended) {
		t.Fatal("expected the session key to depend only on the first two user turns")
	}
}
