package coda

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a new time-ordered unique identifier, used for tool_use ids,
// checkpoint ids, and event ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current Unix timestamp in seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
