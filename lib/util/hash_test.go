package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, HashString("node-1", 0), HashString("node-1", 0))
	assert.NotEqual(t, HashString("node-1", 0), HashString("node-2", 0))
	assert.NotEqual(t, HashString("node-1", 0), HashString("node-1", 1))
	// FNV-1a of the empty string is the offset basis
	assert.Equal(t, uint64(14695981039346656037), HashString("", 0))
}
