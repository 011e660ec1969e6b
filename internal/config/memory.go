package config

import (
	"fmt"
	"time"
)

// MemoryConfig configures the memory store, vector store, and context retriever.
type MemoryConfig struct {
	// SQLite storage
	DatabasePath string `json:"database_path"` // Relative to workspace; default .helm/helm.db

	// Context retrieval
	ContextTokenBudget int           `json:"context_token_budget"` // Default 2000
	CacheSize          int           `json:"cr_cache_size"`        // LRU capacity
	CacheTTL           time.Duration `json:"cr_cache_ttl"`
	MaxContextTokens   int           `json:"max_context_tokens"` // Model context window for percent-used

	// Vector store
	VectorEnabled   bool          `json:"vector_store_enabled"`
	VectorWeight    float64       `json:"vector_weight"`  // Hybrid search vector share
	KeywordWeight   float64       `json:"keyword_weight"` // Hybrid search keyword share
	MinSimilarity   float64       `json:"min_similarity"`
	BreakerWindow   time.Duration `json:"circuit_breaker_window"`
	BreakerFailures int           `json:"circuit_breaker_failures"` // Consecutive failures to open
	BreakerCooldown time.Duration `json:"circuit_breaker_cooldown"`

	// Retention
	RetainRaw     time.Duration `json:"retention_raw"`     // Raw token usage / warm metrics
	RetainHourly  time.Duration `json:"retention_hourly"`  // Hourly roll-ups
	RetainDaily   time.Duration `json:"retention_daily"`   // Daily roll-ups
	FlushHotEvery time.Duration `json:"flush_hot_every"`   // Hot -> warm cadence
}

// DefaultMemoryConfig returns production defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		DatabasePath:       ".helm/helm.db",
		ContextTokenBudget: 2000,
		CacheSize:          100,
		CacheTTL:           5 * time.Minute,
		MaxContextTokens:   200000,
		VectorEnabled:      true,
		VectorWeight:       0.7,
		KeywordWeight:      0.3,
		MinSimilarity:      0.3,
		BreakerWindow:      30 * time.Second,
		BreakerFailures:    5,
		BreakerCooldown:    60 * time.Second,
		RetainRaw:          24 * time.Hour,
		RetainHourly:       7 * 24 * time.Hour,
		RetainDaily:        365 * 24 * time.Hour,
		FlushHotEvery:      60 * time.Second,
	}
}

func (c *MemoryConfig) validate() error {
	if c.ContextTokenBudget < 0 {
		return fmt.Errorf("context_token_budget must be >= 0")
	}
	if c.CacheSize < 1 {
		return fmt.Errorf("cr_cache_size must be >= 1")
	}
	if w := c.VectorWeight + c.KeywordWeight; w < 0.99 || w > 1.01 {
		return fmt.Errorf("vector_weight + keyword_weight must sum to 1.0, got %.2f", w)
	}
	return nil
}
