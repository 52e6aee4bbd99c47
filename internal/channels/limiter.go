package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedChats caps the limiter map so rotating chat ids cannot
	// grow it without bound.
	maxTrackedChats = 4096

	// bucketIdleEvict is how long a chat must be quiet before its bucket
	// is eligible for pruning.
	bucketIdleEvict = 10 * time.Minute

	// defaultSendBurst is how many messages may go out back-to-back to
	// one chat before pacing kicks in.
	defaultSendBurst = 3
)

type chatBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// sendLimiter paces outbound sends per chat. Telegram flood control allows
// roughly one message per second per chat and Discord is in the same range,
// so one bucket shape serves both surfaces.
type sendLimiter struct {
	every rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*chatBucket
}

func newSendLimiter(every rate.Limit, burst int) *sendLimiter {
	return &sendLimiter{
		every:   every,
		burst:   burst,
		buckets: make(map[string]*chatBucket),
	}
}

// Wait blocks until the chat identified by key may send, or ctx is done.
func (l *sendLimiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxTrackedChats {
			l.evictLocked()
		}
		b = &chatBucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.lim.Wait(ctx)
}

// evictLocked prunes idle buckets, then hard-evicts arbitrary ones until
// the map is back under the cap.
func (l *sendLimiter) evictLocked() {
	now := time.Now()
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) >= bucketIdleEvict {
			delete(l.buckets, k)
		}
	}
	for len(l.buckets) >= maxTrackedChats {
		for k := range l.buckets {
			delete(l.buckets, k)
			break
		}
	}
}

func (l *sendLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
