package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsageTotalTokens(t *testing.T) {
	u := Usage{InputTokens: 1000, OutputTokens: 500, CacheReadTokens: 10, CacheWriteTokens: 20}
	assert.Equal(t, int64(1530), u.TotalTokens())
}

func TestUsageLogIsCacheHitDerivedSeparately(t *testing.T) {
	// IsCacheHit is set by the ledger from CacheReadTokens > 0, not by
	// Usage itself; this test documents the expected derivation the
	// ledger performs.
	u := Usage{CacheReadTokens: 1}
	assert.Greater(t, u.CacheReadTokens, int64(0))
}
