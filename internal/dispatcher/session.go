package dispatcher

import (
	"hash/fnv"
	"strconv"

	"github.com/antigravity-tools/gateway/pkg/anthropic"
)

// headChars bounds how much of each message's text is hashed, so a session
// fingerprint is stable even as a long-running conversation's later turns
// change (only the conversation's opening shape needs to match for two
// requests to be "the same session").
const headChars = 200

// SessionKey derives a sticky-routing fingerprint for an Anthropic
// conversation from its system prompt and first two user messages, per
// SPEC_FULL.md §9's Open Question decision: FNV-64a over fixed-length
// heads, chosen for being allocation-light and collision-resistant enough
// for a routing hint (not a security boundary). No teacher precedent:
// the teacher pins sessions by request-arrival order rather than content
// fingerprint (internal/account/strategies/sticky.go), so this is new.
func SessionKey(req *anthropic.MessagesRequest) string {
	h := fnv.New64a()

	writeHead := func(s string) {
		if len(s) > headChars {
			s = s[:headChars]
		}
		h.Write([]byte(s))
		h.Write([]byte{0})
	}

	writeHead(systemHead(req))

	userCount := 0
	for _, msg := range req.Messages {
		if msg.Role != "user" || userCount >= 2 {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == "text" {
				writeHead(block.Text)
				break
			}
		}
		userCount++
	}

	return strconv.FormatUint(h.Sum64(), 16)
}

func systemHead(req *anthropic.MessagesRequest) string {
	switch s := req.System.(type) {
	case string:
		return s
	case []interface{}:
		for _, item := range s {
			if m, ok := item.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					return text
				}
			}
		}
	}
	return ""
}
