package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter hands out one token bucket per user. Every session of the same
// user shares the bucket, so opening extra tabs does not raise the budget.
// Buckets are dropped when the user's last session releases them.
type rateLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	users map[string]*userLimit
}

type userLimit struct {
	limiter *rate.Limiter
	refs    int
}

// newRateLimiter allows perMinute sends per user with the given burst.
// A non-positive perMinute disables limiting.
func newRateLimiter(perMinute, burst int) *rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &rateLimiter{
		limit: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: burst,
		users: make(map[string]*userLimit),
	}
}

func (rl *rateLimiter) acquire(userID string) *rate.Limiter {
	if rl == nil {
		return nil
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	ul, ok := rl.users[userID]
	if !ok {
		ul = &userLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.users[userID] = ul
	}
	ul.refs++
	return ul.limiter
}

func (rl *rateLimiter) release(userID string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	ul, ok := rl.users[userID]
	if !ok {
		return
	}
	ul.refs--
	if ul.refs <= 0 {
		delete(rl.users, userID)
	}
}

func (rl *rateLimiter) tracked() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.users)
}
