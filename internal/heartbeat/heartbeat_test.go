package heartbeat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

type fakeRunner struct {
	mu      sync.Mutex
	reqs    []agent.RunRequest
	handler func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(ctx, req)
	}
	return &agent.RunResult{Response: protocol.HeartbeatToken}, nil
}

func (f *fakeRunner) request(i int) agent.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakePeers struct {
	channel string
	chatID  string
	ok      bool
}

func (f fakePeers) LastPeer(agentID string) (string, string, bool) {
	return f.channel, f.chatID, f.ok
}

type forwardRecord struct {
	channel string
	chatID  string
	text    string
}

type forwardRecorder struct {
	mu   sync.Mutex
	sent []forwardRecord
}

func (f *forwardRecorder) record(ctx context.Context, channel, chatID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, forwardRecord{channel, chatID, text})
}

func (f *forwardRecorder) all() []forwardRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]forwardRecord, len(f.sent))
	copy(out, f.sent)
	return out
}

func newDriver(t *testing.T, runner Runner, peers PeerSource, mut func(*config.Config)) (*Driver, *forwardRecorder) {
	t.Helper()
	cfg := config.Default()
	if mut != nil {
		mut(cfg)
	}
	rec := &forwardRecorder{}
	d := New(Options{
		Config:  cfg,
		Runner:  runner,
		Peers:   peers,
		AgentID: "main",
		Forward: rec.record,
	})
	return d, rec
}

func TestIsAck(t *testing.T) {
	token := protocol.HeartbeatToken

	tests := []struct {
		name     string
		text     string
		maxExtra int
		want     bool
	}{
		{name: "token alone", text: token, maxExtra: 30, want: true},
		{name: "token with whitespace", text: "  " + token + "  \n", maxExtra: 30, want: true},
		{name: "exactly max extra", text: token + strings.Repeat("x", 30), maxExtra: 30, want: true},
		{name: "one over max extra", text: token + strings.Repeat("x", 31), maxExtra: 30, want: false},
		{name: "short chatter around token", text: "All good " + token + ", nothing new", maxExtra: 30, want: true},
		{name: "real report mentioning token", text: token + " but also: " + strings.Repeat("news ", 10), maxExtra: 30, want: false},
		{name: "no token", text: "all quiet on the western front", maxExtra: 30, want: false},
		{name: "empty", text: "", maxExtra: 30, want: false},
		{name: "zero budget token alone", text: token, maxExtra: 0, want: true},
		{name: "zero budget one extra char", text: token + ".", maxExtra: 0, want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsAck(tc.text, tc.maxExtra); got != tc.want {
				t.Errorf("IsAck(%q, %d) = %v, want %v", tc.text, tc.maxExtra, got, tc.want)
			}
		})
	}
}

func TestInterval(t *testing.T) {
	tests := []struct {
		name  string
		every string
		want  time.Duration
	}{
		{name: "empty defaults", every: "", want: 30 * time.Minute},
		{name: "minutes", every: "45m", want: 45 * time.Minute},
		{name: "seconds", every: "90s", want: 90 * time.Second},
		{name: "zero disables", every: "0m", want: 0},
		{name: "negative disables", every: "-5m", want: 0},
		{name: "garbage defaults", every: "soon", want: 30 * time.Minute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newDriver(t, &fakeRunner{}, fakePeers{}, func(cfg *config.Config) {
				cfg.Heartbeat.Every = tc.every
			})
			if got := d.Interval(); got != tc.want {
				t.Errorf("Interval() with every=%q = %v, want %v", tc.every, got, tc.want)
			}
		})
	}
}

func TestSessionKey(t *testing.T) {
	tests := []struct {
		name    string
		session string
		mainKey string
		want    string
	}{
		{name: "empty is main", session: "", want: "agent:main:main"},
		{name: "main literal", session: "main", want: "agent:main:main"},
		{name: "scope under agent", session: "focus", want: "agent:main:focus"},
		{name: "full key passes through", session: "agent:other:deep", want: "agent:other:deep"},
		{name: "custom main key", session: "", mainKey: "primary", want: "agent:main:primary"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newDriver(t, &fakeRunner{}, fakePeers{}, func(cfg *config.Config) {
				cfg.Heartbeat.Session = tc.session
				cfg.Session.MainKey = tc.mainKey
			})
			if got := d.sessionKey(d.cfg.HeartbeatSection()); got != tc.want {
				t.Errorf("sessionKey(%q) = %q, want %q", tc.session, got, tc.want)
			}
		})
	}
}

func TestRunRequestShape(t *testing.T) {
	fake := &fakeRunner{}
	d, _ := newDriver(t, fake, fakePeers{}, func(cfg *config.Config) {
		cfg.Heartbeat.Model = "openai/gpt-4o-mini"
	})

	if got := d.TriggerNow(context.Background(), "test"); got != "ran" {
		t.Fatalf("TriggerNow = %q, want %q", got, "ran")
	}
	if fake.callCount() != 1 {
		t.Fatalf("runner called %d times, want 1", fake.callCount())
	}

	req := fake.request(0)
	if req.SessionKey != "agent:main:main" {
		t.Errorf("SessionKey = %q, want %q", req.SessionKey, "agent:main:main")
	}
	if !req.SkipDirectives {
		t.Error("SkipDirectives should be set on heartbeat turns")
	}
	if req.ModelOverride != "openai/gpt-4o-mini" {
		t.Errorf("ModelOverride = %q, want %q", req.ModelOverride, "openai/gpt-4o-mini")
	}
	if req.Message != "Read HEARTBEAT.md if it exists." {
		t.Errorf("Message = %q, want default prompt", req.Message)
	}
}

func TestRunOnceOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		handler  func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
		mut      func(cfg *config.Config)
		peers    fakePeers
		want     string
		wantSent []forwardRecord
	}{
		{
			name: "run error",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return nil, errors.New("provider down")
			},
			want: "error",
		},
		{
			name: "empty response",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return &agent.RunResult{Response: "  \n"}, nil
			},
			want: "empty",
		},
		{
			name: "ack suppressed",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return &agent.RunResult{Response: protocol.HeartbeatToken}, nil
			},
			peers: fakePeers{channel: "telegram", chatID: "42", ok: true},
			want:  "ack",
		},
		{
			name: "content forwarded to last peer",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return &agent.RunResult{Response: "Your build broke overnight."}, nil
			},
			peers:    fakePeers{channel: "telegram", chatID: "42", ok: true},
			want:     "sent",
			wantSent: []forwardRecord{{channel: "telegram", chatID: "42", text: "Your build broke overnight."}},
		},
		{
			name: "content but no last peer",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return &agent.RunResult{Response: "Your build broke overnight."}, nil
			},
			peers: fakePeers{ok: false},
			want:  "no-target",
		},
		{
			name: "target none never forwards",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return &agent.RunResult{Response: "Your build broke overnight."}, nil
			},
			mut:   func(cfg *config.Config) { cfg.Heartbeat.Target = "none" },
			peers: fakePeers{channel: "telegram", chatID: "42", ok: true},
			want:  "no-target",
		},
		{
			name: "named target with recipient",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return &agent.RunResult{Response: "Deploy finished."}, nil
			},
			mut: func(cfg *config.Config) {
				cfg.Heartbeat.Target = "discord"
				cfg.Heartbeat.To = "99"
			},
			peers:    fakePeers{channel: "telegram", chatID: "42", ok: true},
			want:     "sent",
			wantSent: []forwardRecord{{channel: "discord", chatID: "99", text: "Deploy finished."}},
		},
		{
			name: "named target reuses matching last peer",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return &agent.RunResult{Response: "Deploy finished."}, nil
			},
			mut:      func(cfg *config.Config) { cfg.Heartbeat.Target = "telegram" },
			peers:    fakePeers{channel: "telegram", chatID: "42", ok: true},
			want:     "sent",
			wantSent: []forwardRecord{{channel: "telegram", chatID: "42", text: "Deploy finished."}},
		},
		{
			name: "named target without usable recipient",
			handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
				return &agent.RunResult{Response: "Deploy finished."}, nil
			},
			mut:   func(cfg *config.Config) { cfg.Heartbeat.Target = "discord" },
			peers: fakePeers{channel: "telegram", chatID: "42", ok: true},
			want:  "no-target",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, rec := newDriver(t, &fakeRunner{handler: tc.handler}, tc.peers, tc.mut)
			got := d.runOnce(context.Background(), d.cfg.HeartbeatSection(), nil)
			if got != tc.want {
				t.Errorf("runOnce = %q, want %q", got, tc.want)
			}
			sent := rec.all()
			if len(sent) != len(tc.wantSent) {
				t.Fatalf("forwarded %d messages, want %d: %+v", len(sent), len(tc.wantSent), sent)
			}
			for i, want := range tc.wantSent {
				if sent[i] != want {
					t.Errorf("forward[%d] = %+v, want %+v", i, sent[i], want)
				}
			}
		})
	}
}

func TestTriggerNowSkipsWhileRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	fake := &fakeRunner{handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-release
		}
		return &agent.RunResult{Response: protocol.HeartbeatToken}, nil
	}}
	d, _ := newDriver(t, fake, fakePeers{}, nil)

	first := make(chan string, 1)
	go func() { first <- d.TriggerNow(context.Background(), "manual") }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first heartbeat never reached the runner")
	}

	if got := d.TriggerNow(context.Background(), "concurrent"); got != "skipped" {
		t.Errorf("concurrent TriggerNow = %q, want %q", got, "skipped")
	}

	close(release)
	select {
	case got := <-first:
		if got != "ran" {
			t.Errorf("first TriggerNow = %q, want %q", got, "ran")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first heartbeat never finished")
	}

	if got := d.TriggerNow(context.Background(), "after"); got != "ran" {
		t.Errorf("TriggerNow after release = %q, want %q", got, "ran")
	}
}

func TestNotesInjectedOnce(t *testing.T) {
	fake := &fakeRunner{}
	d, _ := newDriver(t, fake, fakePeers{}, nil)

	d.Enqueue("cron job nightly-report finished")
	d.Enqueue("  disk usage at 91%  ")
	d.Enqueue("   ")

	if got := d.TriggerNow(context.Background(), "test"); got != "ran" {
		t.Fatalf("TriggerNow = %q, want %q", got, "ran")
	}

	want := "System notes since the last heartbeat:\n" +
		"- cron job nightly-report finished\n" +
		"- disk usage at 91%\n" +
		"\n" +
		"Read HEARTBEAT.md if it exists."
	if got := fake.request(0).Message; got != want {
		t.Errorf("first prompt = %q, want %q", got, want)
	}

	if got := d.TriggerNow(context.Background(), "test"); got != "ran" {
		t.Fatalf("second TriggerNow = %q, want %q", got, "ran")
	}
	if got := fake.request(1).Message; got != "Read HEARTBEAT.md if it exists." {
		t.Errorf("second prompt = %q, notes should be consumed", got)
	}
}

func TestBuildPrompt(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		notes  []string
		want   string
	}{
		{name: "default prompt", prompt: "", want: "Read HEARTBEAT.md if it exists."},
		{name: "custom prompt", prompt: "Check the queue.", want: "Check the queue."},
		{
			name:   "notes before custom prompt",
			prompt: "Check the queue.",
			notes:  []string{"one", "two"},
			want:   "System notes since the last heartbeat:\n- one\n- two\n\nCheck the queue.",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := buildPrompt(config.HeartbeatConfig{Prompt: tc.prompt}, tc.notes)
			if got != tc.want {
				t.Errorf("buildPrompt = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRunDisabledReturns(t *testing.T) {
	d, _ := newDriver(t, &fakeRunner{}, fakePeers{}, func(cfg *config.Config) {
		cfg.Heartbeat.Every = "0m"
	})
	d.Run(context.Background())
}

func TestRunTicksUntilCancelled(t *testing.T) {
	beats := make(chan struct{}, 4)
	fake := &fakeRunner{handler: func(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
		select {
		case beats <- struct{}{}:
		default:
		}
		return &agent.RunResult{Response: protocol.HeartbeatToken}, nil
	}}
	d, _ := newDriver(t, fake, fakePeers{}, func(cfg *config.Config) {
		cfg.Heartbeat.Every = "10ms"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat fired within 2s")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
