package dispatch

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDPrefix = "cmd"

// NewRequestID returns cmd_<base36 unix ms>_<random>. The timestamp prefix
// keeps ids roughly sortable; the suffix makes collisions negligible.
func NewRequestID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return requestIDPrefix + "_" + strconv.FormatInt(now.UnixMilli(), 36) + "_" + suffix
}
