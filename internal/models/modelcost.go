package models

import "github.com/amerfu/llmgate/internal/money"

// ModelCost is the pricing row for one model name. Routing to a provider
// is decided by endpoint, not by this row; Provider here is informational.
type ModelCost struct {
	BaseModel
	ModelName            string               `gorm:"uniqueIndex;not null" json:"model_name"`
	Provider             string               `json:"provider"`
	InputRateMicros      money.PerMillionRate `gorm:"column:input_rate_micros;not null;default:0" json:"input_cost_per_million_tokens_usd"`
	OutputRateMicros     money.PerMillionRate `gorm:"column:output_rate_micros;not null;default:0" json:"output_cost_per_million_tokens_usd"`
	CacheReadRateMicros  money.PerMillionRate `gorm:"column:cache_read_rate_micros;not null;default:0" json:"cache_read_cost_per_million_tokens_usd"`
	CacheWriteRateMicros money.PerMillionRate `gorm:"column:cache_write_rate_micros;not null;default:0" json:"cache_write_cost_per_million_tokens_usd"`
}

func (ModelCost) TableName() string { return "modelcosts" }
