package agent

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleLimiterTTL = 30 * time.Minute

// RoomLimiter keeps one token bucket per room in front of completion calls.
type RoomLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*roomBucket
	now      func() time.Time
}

type roomBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRoomLimiter allows ratePerMinute turns per room with the given burst.
// A non-positive rate disables limiting.
func NewRoomLimiter(ratePerMinute float64, burst int) *RoomLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Limit(ratePerMinute / 60.0)
	}
	return &RoomLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*roomBucket),
		now:      time.Now,
	}
}

// Allow reports whether the room may start another completion now.
func (rl *RoomLimiter) Allow(roomID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.limiters[roomID]
	if !ok {
		b = &roomBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[roomID] = b
	}
	b.lastSeen = now
	rl.evictLocked(now)
	return b.limiter.AllowN(now, 1)
}

// evictLocked drops buckets of rooms idle for longer than idleLimiterTTL.
func (rl *RoomLimiter) evictLocked(now time.Time) {
	for id, b := range rl.limiters {
		if now.Sub(b.lastSeen) > idleLimiterTTL {
			delete(rl.limiters, id)
		}
	}
}

// Len returns the number of tracked rooms.
func (rl *RoomLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
