package xid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := New("sale")
		assert.True(t, strings.HasPrefix(id, "sale_"), id)
		assert.Len(t, id, len("sale_")+32)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
