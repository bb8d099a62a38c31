package models

import (
	"time"

	"github.com/amerfu/llmgate/internal/money"
)

// UsageLog is the append-only audit row for one completed upstream call.
// Exactly one is written per completed call; none for calls that never
// reach the adapter.
type UsageLog struct {
	BaseModel
	UserID           string       `gorm:"index:idx_usagelogs_user_ts" json:"user_id"`
	APIKey           string       `json:"api_key"`
	ModelName        string       `json:"model_name"`
	RequestEndpoint  string       `json:"request_endpoint"`
	IPAddress        string       `json:"ip_address,omitempty"`
	InputTokens      int64        `json:"input_tokens"`
	OutputTokens     int64        `json:"output_tokens"`
	CacheReadTokens  int64        `json:"cache_read_tokens"`
	CacheWriteTokens int64        `json:"cache_write_tokens"`
	TotalTokens      int64        `json:"total_tokens"`
	IsCacheHit       bool         `json:"is_cache_hit"`
	CostMicros       money.Micros `gorm:"column:cost_micros" json:"cost_usd"`
	PricingMissing   bool         `json:"pricing_missing,omitempty"`
	RequestPayload   []byte       `gorm:"type:jsonb" json:"request_payload,omitempty"`
	ResponsePayload  []byte       `gorm:"type:jsonb" json:"response_payload,omitempty"`
	Timestamp        time.Time    `gorm:"index:idx_usagelogs_user_ts" json:"timestamp"`
}

func (UsageLog) TableName() string { return "usagelogs" }

// Usage is the per-call token counts reported by a provider adapter at the
// end of a call, either synchronously (unary) or via the FinalUsagePromise
// (streaming).
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	// Unavailable marks the sentinel "usage unavailable" value an adapter
	// reports when a unary response carries no usage or a stream ends
	// cleanly without a usage trailer.
	Unavailable bool
}

// TotalTokens sums the four counters.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheWriteTokens
}

// Principal is the resolved (ApiKey, Account) pair attached to a request
// after the Resolver succeeds.
type Principal struct {
	ApiKey  ApiKey
	Account Account
}
