package ids

import (
	"github.com/oklog/ulid/v2"
)

// New returns a lexicographically sortable identifier suitable for storage keys.
// User ids double as hierarchy path segments, so they must never contain '/'.
func New() string {
	return ulid.Make().String()
}
