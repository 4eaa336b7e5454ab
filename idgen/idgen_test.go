package idgen

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsHexNoDashes(t *testing.T) {
	id := New()
	require.Len(t, id, 32)
	for _, r := range id {
		require.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f'), "unexpected rune %q in id %s", r, id)
	}
}

func TestNewIsPairwiseDistinct(t *testing.T) {
	const count = 10000
	seen := make(map[string]bool, count)
	for i := 0; i < count; i++ {
		id := New()
		require.False(t, seen[id], "duplicate id generated: %s", id)
		seen[id] = true
	}
}
