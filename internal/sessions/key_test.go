package sessions

import "testing"

func TestKeyForms(t *testing.T) {
	cases := []struct {
		got  string
		want string
	}{
		{MainKey("main", ""), "agent:main:main"},
		{MainKey("main", "primary"), "agent:main:primary"},
		{GlobalKey("main"), "agent:main:global"},
		{PeerKey("main", "telegram", "386246614"), "agent:main:telegram:386246614"},
		{CronRunKey("main", "reminder", "abc123"), "agent:main:cron:reminder:run:abc123"},
		{ScopedKey("main", "discord", "42", "global"), "agent:main:global"},
		{ScopedKey("main", "discord", "42", "per-sender"), "agent:main:discord:42"},
		{ScopedKey("main", "discord", "42", ""), "agent:main:discord:42"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}

func TestCronRunKeyNoDoublePrefix(t *testing.T) {
	key := CronRunKey("main", "agent:main:reminder", "r1")
	if key != "agent:main:cron:reminder:run:r1" {
		t.Errorf("got %q", key)
	}
}

func TestParseKey(t *testing.T) {
	agentID, scope := ParseKey("agent:main:telegram:42")
	if agentID != "main" || scope != "telegram:42" {
		t.Errorf("got (%q, %q)", agentID, scope)
	}

	agentID, scope = ParseKey("bogus")
	if agentID != "" || scope != "" {
		t.Errorf("bogus key parsed to (%q, %q)", agentID, scope)
	}
}

func TestPeerFromKey(t *testing.T) {
	ch, id, ok := PeerFromKey("agent:main:telegram:42")
	if !ok || ch != "telegram" || id != "42" {
		t.Errorf("got (%q, %q, %v)", ch, id, ok)
	}

	for _, key := range []string{
		"agent:main:main",
		"agent:main:global",
		"agent:main:cron:job:run:r1",
		"not-a-key",
	} {
		if _, _, ok := PeerFromKey(key); ok {
			t.Errorf("PeerFromKey(%q) should not resolve a peer", key)
		}
	}
}

func TestIsCronRun(t *testing.T) {
	if !IsCronRun("agent:main:cron:job:run:r1") {
		t.Error("cron run key not detected")
	}
	if IsCronRun("agent:main:telegram:42") {
		t.Error("peer key detected as cron run")
	}
}
