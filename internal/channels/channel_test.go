package channels

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/pairing"
)

func newPairingStore(t *testing.T) *pairing.Store {
	t.Helper()
	st, err := pairing.NewStore(filepath.Join(t.TempDir(), "pairing.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func TestMatchAllow(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		sender string
		want   bool
	}{
		{"empty list matches nothing", nil, "123", false},
		{"plain id", []string{"123"}, "123", true},
		{"id against compound sender", []string{"123"}, "123|bob", true},
		{"username against compound sender", []string{"bob"}, "123|bob", true},
		{"at-prefixed username", []string{"@bob"}, "123|bob", true},
		{"username case folds", []string{"Bob"}, "123|bob", true},
		{"compound entry by id", []string{"123|bob"}, "123", true},
		{"compound entry by username", []string{"123|bob"}, "456|bob", true},
		{"wrong id", []string{"123"}, "456", false},
		{"wrong username", []string{"@alice"}, "123|bob", false},
		{"id does not match as username", []string{"999"}, "123|bob", false},
		{"blank entry ignored", []string{" ", "@"}, "123|bob", false},
		{"no username side on sender", []string{"bob"}, "123", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchAllow(tt.allow, tt.sender); got != tt.want {
				t.Errorf("matchAllow(%v, %q) = %v, want %v", tt.allow, tt.sender, got, tt.want)
			}
		})
	}
}

func TestAuthorized(t *testing.T) {
	t.Run("allowlist match wins without pairing lookup", func(t *testing.T) {
		c := NewBaseChannel("telegram", bus.New(), []string{"42"}, nil)
		if !c.Authorized("42|bob") {
			t.Error("allowlisted sender rejected")
		}
		if c.Authorized("7") {
			t.Error("unlisted sender accepted with allowlist configured")
		}
	})

	t.Run("open when nothing is configured", func(t *testing.T) {
		c := NewBaseChannel("telegram", bus.New(), nil, nil)
		if !c.Authorized("anyone") {
			t.Error("sender rejected with no allowlist and no pairing store")
		}
	})

	t.Run("pairing store gates unknown senders", func(t *testing.T) {
		st := newPairingStore(t)
		c := NewBaseChannel("telegram", bus.New(), nil, st)

		if c.Authorized("42|bob") {
			t.Error("unpaired sender accepted")
		}
		if err := st.Allow("telegram", "42"); err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !c.Authorized("42|bob") {
			t.Error("paired sender rejected (principal is the id part)")
		}
		if !c.Authorized("42") {
			t.Error("paired sender rejected on bare id")
		}
	})

	t.Run("pairing approval on full compound id", func(t *testing.T) {
		st := newPairingStore(t)
		c := NewBaseChannel("discord", bus.New(), nil, st)
		if err := st.Allow("discord", "42|bob"); err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !c.Authorized("42|bob") {
			t.Error("compound principal rejected")
		}
	})
}

func TestRequestAccess(t *testing.T) {
	st := newPairingStore(t)
	c := NewBaseChannel("telegram", bus.New(), nil, st)

	reply, ok := c.RequestAccess("42|bob")
	if !ok {
		t.Fatal("first RequestAccess suppressed")
	}
	if !strings.Contains(reply, "Clawdbot: access not configured.") {
		t.Errorf("reply missing header: %q", reply)
	}
	if !strings.Contains(reply, "Your telegram id: 42") {
		t.Errorf("reply missing id line: %q", reply)
	}
	if !strings.Contains(reply, "clawdbot pairing approve telegram ") {
		t.Errorf("reply missing approver command: %q", reply)
	}

	pending := st.ListPending()
	if len(pending) != 1 {
		t.Fatalf("pending codes = %d, want 1", len(pending))
	}
	if !strings.Contains(reply, "Pairing code: "+pending[0].Code) {
		t.Errorf("reply does not carry the pending code %q: %q", pending[0].Code, reply)
	}

	if _, ok := c.RequestAccess("42|bob"); ok {
		t.Error("immediate repeat was not debounced")
	}
	if _, ok := c.RequestAccess("7|eve"); !ok {
		t.Error("different sender debounced by the first one")
	}

	t.Run("no store stays silent", func(t *testing.T) {
		bare := NewBaseChannel("telegram", bus.New(), nil, nil)
		if _, ok := bare.RequestAccess("42"); ok {
			t.Error("RequestAccess minted a code without a store")
		}
	})
}

func TestPublish(t *testing.T) {
	b := bus.New()
	c := NewBaseChannel("telegram", b, nil, nil)

	c.Publish("42|bob", "900", "17", "hello", []string{"/tmp/p.jpg"}, "direct", map[string]string{"username": "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "telegram" || msg.SenderID != "42|bob" || msg.ChatID != "900" {
		t.Errorf("routing fields = %q/%q/%q", msg.Channel, msg.SenderID, msg.ChatID)
	}
	if msg.MessageID != "17" || msg.Content != "hello" || msg.PeerKind != "direct" {
		t.Errorf("payload fields = %q/%q/%q", msg.MessageID, msg.Content, msg.PeerKind)
	}
	if len(msg.Media) != 1 || msg.Media[0] != "/tmp/p.jpg" {
		t.Errorf("media = %v", msg.Media)
	}
	if msg.Metadata["username"] != "bob" {
		t.Errorf("metadata = %v", msg.Metadata)
	}
}

func TestIsInternalChannel(t *testing.T) {
	for _, name := range []string{"cli", "websocket", "bridge", "system"} {
		if !IsInternalChannel(name) {
			t.Errorf("IsInternalChannel(%q) = false", name)
		}
	}
	for _, name := range []string{"telegram", "discord", ""} {
		if IsInternalChannel(name) {
			t.Errorf("IsInternalChannel(%q) = true", name)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	t.Run("short content is one chunk", func(t *testing.T) {
		got := SplitMessage("hello", 10)
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("empty content is no chunks", func(t *testing.T) {
		if got := SplitMessage("", 10); got != nil {
			t.Errorf("got %v", got)
		}
	})

	t.Run("exact limit is one chunk", func(t *testing.T) {
		got := SplitMessage(strings.Repeat("a", 10), 10)
		if len(got) != 1 {
			t.Errorf("got %d chunks", len(got))
		}
	})

	t.Run("prefers newline in back half", func(t *testing.T) {
		content := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
		got := SplitMessage(content, 12)
		if len(got) != 2 {
			t.Fatalf("got %d chunks: %q", len(got), got)
		}
		if got[0] != strings.Repeat("a", 8)+"\n" {
			t.Errorf("first chunk %q did not break at the newline", got[0])
		}
		if got[1] != strings.Repeat("b", 8) {
			t.Errorf("second chunk = %q", got[1])
		}
	})

	t.Run("ignores newline in front half", func(t *testing.T) {
		content := "ab\n" + strings.Repeat("c", 20)
		got := SplitMessage(content, 12)
		if len(got) != 2 {
			t.Fatalf("got %d chunks: %q", len(got), got)
		}
		if len(got[0]) != 12 {
			t.Errorf("first chunk len = %d, want hard cut at 12", len(got[0]))
		}
	})

	t.Run("never splits a rune", func(t *testing.T) {
		content := strings.Repeat("é", 20) // 2 bytes each
		for _, chunk := range SplitMessage(content, 11) {
			if !strings.HasPrefix(chunk, "é") || len(chunk)%2 != 0 {
				t.Errorf("chunk %q splits a UTF-8 sequence", chunk)
			}
		}
	})

	t.Run("reassembles to the original", func(t *testing.T) {
		content := strings.Repeat("line one\nline two\n", 40)
		if joined := strings.Join(SplitMessage(content, 50), ""); joined != content {
			t.Error("chunks do not reassemble to the original content")
		}
	})
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := Truncate("hello world", 5); got != "hello..." {
		t.Errorf("Truncate long = %q", got)
	}
	if got := Truncate("ééééé", 5); got != "éé..." {
		t.Errorf("Truncate multibyte = %q", got)
	}
}
