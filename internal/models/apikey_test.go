package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestAllowedModelSetNilMeansUnrestricted(t *testing.T) {
	k := ApiKey{}
	set, err := k.AllowedModelSet()
	require.NoError(t, err)
	assert.Nil(t, set)
}

func TestAllowedModelSetRestricts(t *testing.T) {
	k := ApiKey{AllowedModels: datatypes.JSON(`["gpt-4o","claude-3-5-sonnet"]`)}
	set, err := k.AllowedModelSet()
	require.NoError(t, err)
	assert.Contains(t, set, "gpt-4o")
	assert.Contains(t, set, "claude-3-5-sonnet")
	assert.NotContains(t, set, "some-other-model")
}

func TestAllowedModelSetMalformedErrors(t *testing.T) {
	k := ApiKey{AllowedModels: datatypes.JSON(`not-json`)}
	_, err := k.AllowedModelSet()
	assert.Error(t, err)
}
