package bus

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// dedupeCapacity is sized well above any realistic 60s message burst
	// so LRU eviction never beats the TTL.
	dedupeCapacity = 4096
	dedupeTTL      = 60 * time.Second
)

// Deduper suppresses provider replays of the same message within a short
// window. Providers redeliver on reconnect and webhook retry; without this
// the agent would answer the same message twice.
type Deduper struct {
	cache *expirable.LRU[string, struct{}]
}

// NewDeduper creates a Deduper with the default capacity and TTL.
func NewDeduper() *Deduper {
	return newDeduper(dedupeCapacity, dedupeTTL)
}

func newDeduper(capacity int, ttl time.Duration) *Deduper {
	return &Deduper{
		cache: expirable.NewLRU[string, struct{}](capacity, nil, ttl),
	}
}

// ShouldSkip reports whether msg is a replay seen within the TTL. First
// sight records the message and returns false. Messages without a provider
// message id bypass dedup entirely and are never recorded.
func (d *Deduper) ShouldSkip(msg InboundMessage) bool {
	if msg.MessageID == "" {
		return false
	}
	key := strings.Join([]string{msg.Channel, msg.SenderID, msg.MessageID, msg.SessionKey}, "|")
	if _, seen := d.cache.Get(key); seen {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}
