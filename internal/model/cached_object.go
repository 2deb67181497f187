package model

import "time"

// SourceClass records which tier of freshness produced a CachedObject's
// value (spec §3).
type SourceClass string

const (
	SourceLive       SourceClass = "live"
	SourceRecent     SourceClass = "recent"
	SourceHistorical SourceClass = "historical"
)

// CachedObject is a freshness-bounded cache entry (spec §3, §4.4). The
// cache is purely a freshness contract: the engine must function correctly
// with it empty or absent.
type CachedObject struct {
	Key         string      `json:"key"`
	Value       []byte      `json:"value"` // JSON-encoded payload
	CreatedAt   time.Time   `json:"created_at"`
	TTLSeconds  int         `json:"ttl_seconds"`
	SourceClass SourceClass `json:"source_class"`
}

// Expired reports whether this entry is past its TTL at the given time.
func (c CachedObject) Expired(now time.Time) bool {
	return now.After(c.CreatedAt.Add(time.Duration(c.TTLSeconds) * time.Second))
}
