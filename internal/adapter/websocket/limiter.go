package websocket

import "sync/atomic"

// connectionLimiter caps concurrent connections per instance with lock-free counting.
type connectionLimiter struct {
	current atomic.Int64
	max     int64
}

func newConnectionLimiter(max int64) *connectionLimiter {
	return &connectionLimiter{max: max}
}

// acquire reports whether a slot was taken.
func (l *connectionLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *connectionLimiter) release() {
	l.current.Add(-1)
}

func (l *connectionLimiter) load() int64 {
	return l.current.Load()
}

func (l *connectionLimiter) full() bool {
	return l.current.Load() >= l.max
}
