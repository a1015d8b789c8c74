package rules

import (
	"strings"

	"github.com/google/uuid"
)

// eventNamespace scopes the deterministic alert ids. Re-running a scan
// over the same data rebuilds the same id, so the event insert upserts
// instead of duplicating.
var eventNamespace = uuid.MustParse("7f1c9f1e-52a4-4bbd-9c2e-6d3f5a8e0b41")

func eventID(parts ...string) string {
	return uuid.NewSHA1(eventNamespace, []byte(strings.Join(parts, ":"))).String()
}
