package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed identifier such as "dsp-3f2a...". The prefix keeps
// ids readable in logs and audit rows.
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
