package cogito

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for task IDs so that on-disk task logs sort chronologically.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewShortID generates a compact 12-character identifier for events.
// Events are high-volume and short-lived; the truncated random UUID keeps
// log lines and parent-ID chains readable.
func NewShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NowMillis returns the current time as Unix milliseconds, the timestamp
// format of persisted JSONL records.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
