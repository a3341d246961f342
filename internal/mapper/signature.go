package mapper

import (
	"context"
	"sync"
	"time"

	"github.com/antigravity-tools/gateway/pkg/redis"
)

// minSignatureLength mirrors the teacher's config.MinSignatureLength: an
// upstream thought signature shorter than this is never trusted.
const minSignatureLength = 50

// signatureTTL bounds the in-memory fallback cache; the Redis-backed store
// uses pkg/redis's own 2-hour TTL (redis.SignatureTTL).
const signatureTTL = 2 * time.Hour

// SignatureCache caches Gemini thoughtSignatures for tool calls (keyed by
// tool_use id) and thinking blocks (keyed by signature, mapping to the
// model family that produced it), so a signature stripped by an
// intermediate client can be restored on replay. Per spec.md §9's Design
// Note and SPEC_FULL.md §4.6/§9, this is an explicit dependency
// constructed once and passed into the Anthropic mapper — never reached
// through a package-level global. Grounded on the teacher's
// internal/format/signature_cache.go, generalized from a package-level
// singleton to an injectable value with the same Redis-or-memory fallback.
type SignatureCache struct {
	mu    sync.RWMutex
	store *redis.SignatureStore // nil when no Redis backend configured

	toolSigs     map[string]cachedEntry
	thinkingSigs map[string]cachedEntry
}

type cachedEntry struct {
	value string
	at    time.Time
}

// NewSignatureCache creates a cache. client may be nil, in which case the
// cache is purely in-memory for this process's lifetime.
func NewSignatureCache(client *redis.Client) *SignatureCache {
	c := &SignatureCache{
		toolSigs:     make(map[string]cachedEntry),
		thinkingSigs: make(map[string]cachedEntry),
	}
	if client != nil {
		c.store = redis.NewSignatureStore(client)
	}
	return c
}

// CacheToolSignature remembers the thoughtSignature upstream attached to a
// tool call, keyed by its tool_use id.
func (c *SignatureCache) CacheToolSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	if c.store != nil {
		_ = c.store.SetToolSignature(context.Background(), toolUseID, signature)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolSigs[toolUseID] = cachedEntry{value: signature, at: time.Now()}
}

// ToolSignature returns the signature cached for toolUseID, or "".
func (c *SignatureCache) ToolSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}
	if c.store != nil {
		sig, err := c.store.GetToolSignature(context.Background(), toolUseID)
		if err != nil {
			return ""
		}
		return sig
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.toolSigs[toolUseID]
	if !ok || time.Since(entry.at) > signatureTTL {
		return ""
	}
	return entry.value
}

// CacheThinkingSignature remembers which model family produced a thinking
// signature, so a later request can tell whether replaying it against a
// different family is safe.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if len(signature) < minSignatureLength {
		return
	}
	if c.store != nil {
		_ = c.store.SetThinkingSignature(context.Background(), signature, modelFamily)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.thinkingSigs[signature] = cachedEntry{value: modelFamily, at: time.Now()}
}

// ThinkingSignatureFamily returns the model family that produced signature,
// or "" if unknown/expired (a cold cache is the safe default: callers treat
// unknown origin as incompatible rather than guessing).
func (c *SignatureCache) ThinkingSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}
	if c.store != nil {
		family, err := c.store.GetThinkingSignatureFamily(context.Background(), signature)
		if err != nil {
			return ""
		}
		return family
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.thinkingSigs[signature]
	if !ok || time.Since(entry.at) > signatureTTL {
		return ""
	}
	return entry.value
}
