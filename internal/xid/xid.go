package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered identifier tagged with prefix, such as
// "sale_0192f0c4a1b27c3e9d5f6a7b8c9d0e1f". IDs created later sort after
// earlier ones.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")
}
