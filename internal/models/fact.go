package models

import "time"

// Fact is a single fact record returned to callers. Fact may be an empty
// string when the upstream provider returns an absent value; the service
// forwards it unchanged.
type Fact struct {
	Fact      string    `json:"fact"`
	Category  string    `json:"category,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Stale     bool      `json:"stale,omitempty"` // Indicates data served from stale cache
}
