package api

// connLimiter caps concurrent WebSocket connections for one endpoint.
// A nil limiter, or one built without a cap, admits everything.
type connLimiter struct {
	slots chan struct{}
}

func newConnLimiter(max int) *connLimiter {
	l := &connLimiter{}
	if max > 0 {
		l.slots = make(chan struct{}, max)
	}
	return l
}

// Acquire claims a slot without blocking; false means the endpoint is full.
func (l *connLimiter) Acquire() bool {
	if l == nil || l.slots == nil {
		return true
	}
	select {
	case l.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot claimed by Acquire. Extra releases are ignored.
func (l *connLimiter) Release() {
	if l == nil || l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}
