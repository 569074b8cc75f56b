package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"time"

	gateway "github.com/clauderun/claudegate/internal"
)

// Cache is the interface for response caching used by the server.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Purge(ctx context.Context)
}

const defaultCacheTTL = 5 * time.Minute

// isCacheable returns true if the request is eligible for caching. Only
// low-temperature completions are cacheable; the default temperature (0)
// on a CompletionRequest means "unset" and is treated as non-deterministic.
func isCacheable(req *gateway.CompletionRequest) bool {
	return req.Temperature > 0 && req.Temperature <= 0.3
}

// cacheKey produces a deterministic SHA-256 hash for a CompletionRequest,
// scoped to the caller's API key to prevent cross-user response leakage.
func cacheKey(keyID string, req *gateway.CompletionRequest) string {
	data, _ := json.Marshal(struct {
		KeyID       string  `json:"key_id"`
		Model       string  `json:"model"`
		UserMessage string  `json:"user_message"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float64 `json:"temperature"`
	}{
		KeyID:       keyID,
		Model:       req.Model,
		UserMessage: req.UserMessage,
		MaxTokens:   req.MaxTokens,
		Temperature: roundFloat(req.Temperature),
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func roundFloat(f float64) float64 {
	return math.Round(f*10000) / 10000
}
