package logger

import (
	"sync"
	"time"
)

// RateLimited drops messages that arrive within interval of the last emitted one.
type RateLimited struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
	now      func() time.Time
}

func NewRateLimited(interval time.Duration) *RateLimited {
	return &RateLimited{interval: interval, now: time.Now}
}

func (l *RateLimited) allow() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return false, 0
	}
	l.lastAt = now
	d := l.dropped
	l.dropped = 0
	return true, d
}

// Warn logs at warn level when the interval allows it. The number of
// suppressed messages since the last emission is attached as "suppressed".
func (l *RateLimited) Warn(msg string, args ...any) {
	ok, dropped := l.allow()
	if !ok {
		return
	}
	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	Warn(msg, args...)
}

func (l *RateLimited) Info(msg string, args ...any) {
	ok, dropped := l.allow()
	if !ok {
		return
	}
	if dropped > 0 {
		args = append(args, "suppressed", dropped)
	}
	Info(msg, args...)
}
