package browser

import (
	"sync/atomic"
	"time"

	"github.com/pagelens/renderd/internal/stealth"
)

// Session is a pooled lease over one isolated engine context.
type Session struct {
	ID        string
	RequestID string
	Identity  stealth.Identity
	CreatedAt time.Time

	Handle SessionHandle

	released atomic.Bool
}

// Age reports how long the session has been live.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// markReleased flips the lease to released and reports whether this call
// was the first to do so.
func (s *Session) markReleased() bool {
	return s.released.CompareAndSwap(false, true)
}
