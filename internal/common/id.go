package common

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// GenerateSessionID generates a unique session identifier for log
// correlation and the audit log.
func GenerateSessionID() string {
	return "sess_" + uuid.NewString()
}

// GenerateRecordID generates a unique audit log row identifier.
func GenerateRecordID() string {
	return uuid.NewString()
}

// IDAllocator hands out uint32 identifiers starting at 1. Zero is never
// returned, so it can mean "unset". It is safe for concurrent use.
type IDAllocator struct {
	next atomic.Uint32
}

// Next returns the next identifier. After math.MaxUint32 it wraps to 1.
func (a *IDAllocator) Next() uint32 {
	for {
		id := a.next.Add(1)
		if id != 0 {
			return id
		}
	}
}
