package murmur

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var tempSeq atomic.Uint64

// GenerateTempID returns a temporary identifier for a not-yet-confirmed
// message. IDs are unique within the process lifetime; the millisecond
// timestamp plus a monotonic counter disambiguates same-millisecond sends.
func GenerateTempID() string {
	return fmt.Sprintf("tmp-%d-%06d-%s",
		time.Now().UnixMilli(), tempSeq.Add(1), uuid.NewString()[:8])
}

// IsTempID reports whether id was produced by GenerateTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, "tmp-")
}
