package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SignatureTTL bounds how long a replayed thoughtSignature stays valid.
// Chosen to outlast a single agent session without growing the keyspace
// unbounded; internal/mapper.SignatureCache falls back to the same window
// in memory when no Redis backend is configured.
const SignatureTTL = 2 * time.Hour

// SignatureStore persists Gemini thoughtSignatures keyed by the tool_use id
// that produced them, and thinking-block signatures keyed by a hash of the
// signature itself (so the raw signature, which can be large, never becomes
// part of a Redis key).
type SignatureStore struct {
	client *Client
}

// NewSignatureStore wraps an already-connected client.
func NewSignatureStore(client *Client) *SignatureStore {
	return &SignatureStore{client: client}
}

// SetToolSignature caches the thoughtSignature upstream attached to a tool
// call so it can be replayed if the client strips it on the next turn.
func (s *SignatureStore) SetToolSignature(ctx context.Context, toolUseID, signature string) error {
	return s.client.SetString(ctx, PrefixSignatureTool+toolUseID, signature, SignatureTTL)
}

// GetToolSignature returns the cached signature for a tool_use id, or "" if
// nothing is cached (a cache miss is never an error here).
func (s *SignatureStore) GetToolSignature(ctx context.Context, toolUseID string) (string, error) {
	sig, err := s.client.GetString(ctx, PrefixSignatureTool+toolUseID)
	if err != nil {
		if IsNil(err) {
			return "", nil
		}
		return "", err
	}
	return sig, nil
}

// SetThinkingSignature records which model family produced a thinking-block
// signature, so a later request can tell whether replaying it against a
// different family is safe.
func (s *SignatureStore) SetThinkingSignature(ctx context.Context, signature, modelFamily string) error {
	key := PrefixSignatureThinking + signatureKey(signature)
	fields := map[string]interface{}{
		"modelFamily": modelFamily,
		"timestamp":   time.Now().Format(time.RFC3339),
	}
	if err := s.client.HSet(ctx, key, fields); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, SignatureTTL)
}

// GetThinkingSignatureFamily returns the model family recorded for a
// thinking-block signature, or "" if unknown.
func (s *SignatureStore) GetThinkingSignatureFamily(ctx context.Context, signature string) (string, error) {
	key := PrefixSignatureThinking + signatureKey(signature)
	fields, err := s.client.HGetAll(ctx, key)
	if err != nil {
		return "", err
	}
	return fields["modelFamily"], nil
}

// ClearAllSignatures removes every cached tool and thinking signature. Used
// by the accounts CLI's "clear" command when the whole account pool is being
// reset, so stale signatures from removed accounts don't linger.
func (s *SignatureStore) ClearAllSignatures(ctx context.Context) error {
	toolKeys, err := s.client.ScanAll(ctx, PrefixSignatureTool+"*")
	if err != nil {
		return err
	}
	if len(toolKeys) > 0 {
		if err := s.client.Delete(ctx, toolKeys...); err != nil {
			return err
		}
	}

	thinkingKeys, err := s.client.ScanAll(ctx, PrefixSignatureThinking+"*")
	if err != nil {
		return err
	}
	if len(thinkingKeys) > 0 {
		if err := s.client.Delete(ctx, thinkingKeys...); err != nil {
			return err
		}
	}

	return nil
}

// signatureKey hashes a signature down to a fixed-length Redis key; thinking
// signatures are long enough that using them as literal key suffixes would
// bloat the keyspace.
func signatureKey(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}
