package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeforeCreateAssignsUUIDWhenUnset(t *testing.T) {
	b := &BaseModel{}
	require.NoError(t, b.BeforeCreate(nil))
	assert.NotEqual(t, uuid.Nil, b.ID)
}

func TestBeforeCreatePreservesExistingID(t *testing.T) {
	want := uuid.New()
	b := &BaseModel{ID: want}
	require.NoError(t, b.BeforeCreate(nil))
	assert.Equal(t, want, b.ID)
}
