// Package idgen mints time-sortable identifiers used for every entity whose
// ordering matters: events, branches, versions, queue tasks.
package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 hex string. UUIDv7 embeds a millisecond timestamp in
// its high bits, so lexicographic string ordering matches creation order.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the OS entropy source is broken; fall back to
		// a random v4 rather than panic mid-request.
		return uuid.New().String()
	}
	return id.String()
}

// Less reports whether a was minted before b, comparing the UUIDv7 strings
// directly since their byte layout is monotonic with creation time.
func Less(a, b string) bool {
	return a < b
}
