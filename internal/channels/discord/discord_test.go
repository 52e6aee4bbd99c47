package discord

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/uriafranko/clawdbot/internal/bus"
	"github.com/uriafranko/clawdbot/internal/config"
)

func TestSenderKey(t *testing.T) {
	tests := []struct {
		name string
		user *discordgo.User
		want string
	}{
		{"id and username", &discordgo.User{ID: "42", Username: "alice"}, "42|alice"},
		{"id only", &discordgo.User{ID: "42"}, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := senderKey(tt.user); got != tt.want {
				t.Errorf("senderKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMentionsBot(t *testing.T) {
	msg := func(mentionIDs ...string) *discordgo.MessageCreate {
		m := &discordgo.Message{}
		for _, id := range mentionIDs {
			m.Mentions = append(m.Mentions, &discordgo.User{ID: id})
		}
		return &discordgo.MessageCreate{Message: m}
	}

	tests := []struct {
		name string
		m    *discordgo.MessageCreate
		want bool
	}{
		{"direct mention", msg("bot1"), true},
		{"among others", msg("user9", "bot1"), true},
		{"other user only", msg("user9"), false},
		{"no mentions", msg(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mentionsBot(tt.m, "bot1"); got != tt.want {
				t.Errorf("mentionsBot() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		name    string
		content string
		botID   string
		want    string
	}{
		{"plain mention", "<@bot1> hello", "bot1", " hello"},
		{"nickname mention", "<@!bot1> hello", "bot1", " hello"},
		{"both forms", "<@bot1> hi <@!bot1>", "bot1", " hi "},
		{"other user kept", "<@user9> hello", "bot1", "<@user9> hello"},
		{"empty bot id", "<@bot1> hello", "", "<@bot1> hello"},
		{"no mention", "hello", "bot1", "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMention(tt.content, tt.botID); got != tt.want {
				t.Errorf("stripMention() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveDisplayName(t *testing.T) {
	tests := []struct {
		name string
		m    *discordgo.MessageCreate
		want string
	}{
		{
			"nick wins",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
				Member: &discordgo.Member{Nick: "Ally"},
			}},
			"Ally",
		},
		{
			"global name next",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "alice", GlobalName: "Alice G"},
			}},
			"Alice G",
		},
		{
			"username fallback",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "alice"},
			}},
			"alice",
		},
		{
			"empty nick skipped",
			&discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "alice"},
				Member: &discordgo.Member{},
			}},
			"alice",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDisplayName(tt.m); got != tt.want {
				t.Errorf("resolveDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(config.DiscordConfig{}, bus.New(), nil)
	if err == nil {
		t.Fatal("New() with empty token should fail")
	}
}
