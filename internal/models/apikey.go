package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// ApiKey is a bearer credential bound to exactly one Account.
type ApiKey struct {
	BaseModel
	APIKey        string         `gorm:"column:api_key;uniqueIndex;not null" json:"api_key"`
	UserID        string         `gorm:"index;not null" json:"user_id"`
	KeyName       string         `json:"key_name"`
	IsActive      bool           `gorm:"not null;default:true" json:"is_active"`
	AllowedModels datatypes.JSON `gorm:"column:allowed_models" json:"allowed_models,omitempty"`
}

func (ApiKey) TableName() string { return "apikeys" }

// AllowedModelSet decodes AllowedModels into a set. A nil/empty set means
// "no restriction" per the data model's invariant.
func (k ApiKey) AllowedModelSet() (map[string]struct{}, error) {
	if len(k.AllowedModels) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(k.AllowedModels, &list); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(list))
	for _, m := range list {
		set[m] = struct{}{}
	}
	return set, nil
}
