package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDeduperSkipsReplay(t *testing.T) {
	d := NewDeduper()
	msg := InboundMessage{Channel: "telegram", SenderID: "u1", MessageID: "m1", SessionKey: "agent:main:telegram:u1"}

	if d.ShouldSkip(msg) {
		t.Error("first sight should not skip")
	}
	if !d.ShouldSkip(msg) {
		t.Error("replay should skip")
	}
}

func TestDeduperDistinctKeys(t *testing.T) {
	d := NewDeduper()
	base := InboundMessage{Channel: "telegram", SenderID: "u1", MessageID: "m1"}
	if d.ShouldSkip(base) {
		t.Fatal("first sight")
	}

	cases := []InboundMessage{
		{Channel: "discord", SenderID: "u1", MessageID: "m1"},
		{Channel: "telegram", SenderID: "u2", MessageID: "m1"},
		{Channel: "telegram", SenderID: "u1", MessageID: "m2"},
		{Channel: "telegram", SenderID: "u1", MessageID: "m1", SessionKey: "agent:main:global"},
	}
	for i, msg := range cases {
		if d.ShouldSkip(msg) {
			t.Errorf("case %d: distinct key treated as replay", i)
		}
	}
}

func TestDeduperMissingMessageIDBypasses(t *testing.T) {
	d := NewDeduper()
	msg := InboundMessage{Channel: "telegram", SenderID: "u1"}

	for i := 0; i < 3; i++ {
		if d.ShouldSkip(msg) {
			t.Errorf("attempt %d: messages without an id must never be skipped", i)
		}
	}
}

func TestDeduperTTLExpiry(t *testing.T) {
	d := newDeduper(16, 30*time.Millisecond)
	msg := InboundMessage{Channel: "telegram", SenderID: "u1", MessageID: "m1"}

	if d.ShouldSkip(msg) {
		t.Fatal("first sight")
	}
	if !d.ShouldSkip(msg) {
		t.Fatal("within TTL should skip")
	}
	time.Sleep(60 * time.Millisecond)
	if d.ShouldSkip(msg) {
		t.Error("after TTL the message should be admitted again")
	}
}

func TestDeduperCapacityHoldsBurst(t *testing.T) {
	d := NewDeduper()
	first := InboundMessage{Channel: "telegram", SenderID: "u1", MessageID: "m0"}
	d.ShouldSkip(first)

	// A burst of 1000 distinct messages must not evict a fresh entry.
	for i := 1; i <= 1000; i++ {
		d.ShouldSkip(InboundMessage{Channel: "telegram", SenderID: "u1", MessageID: fmt.Sprintf("m%d", i)})
	}
	if !d.ShouldSkip(first) {
		t.Error("fresh entry evicted by burst")
	}
}
