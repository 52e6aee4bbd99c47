package telegram

import (
	"testing"

	"github.com/mymmrac/telego"
)

func TestSenderKey(t *testing.T) {
	tests := []struct {
		name string
		user telego.User
		want string
	}{
		{"id only", telego.User{ID: 386246614}, "386246614"},
		{"compound with username", telego.User{ID: 42, Username: "bob"}, "42|bob"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := senderKey(&tt.user); got != tt.want {
				t.Errorf("senderKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMentionsBot(t *testing.T) {
	tests := []struct {
		name string
		msg  telego.Message
		want bool
	}{
		{
			"mention entity",
			telego.Message{
				Text:     "@clawd_bot do the thing",
				Entities: []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 10}},
			},
			true,
		},
		{
			"mention entity for someone else",
			telego.Message{
				Text:     "@other_bot do the thing",
				Entities: []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 10}},
			},
			false,
		},
		{
			"command addressed to the bot",
			telego.Message{
				Text:     "/status@clawd_bot",
				Entities: []telego.MessageEntity{{Type: "bot_command", Offset: 0, Length: 17}},
			},
			true,
		},
		{
			"caption mention",
			telego.Message{
				Caption:         "@clawd_bot describe this",
				CaptionEntities: []telego.MessageEntity{{Type: "mention", Offset: 0, Length: 10}},
			},
			true,
		},
		{
			"plain text fallback without entities",
			telego.Message{Text: "hey @CLAWD_bot are you up"},
			true,
		},
		{
			"reply to the bot",
			telego.Message{
				Text:           "and what about this",
				ReplyToMessage: &telego.Message{From: &telego.User{Username: "clawd_bot"}},
			},
			true,
		},
		{
			"unrelated message",
			telego.Message{Text: "nothing to see"},
			false,
		},
		{
			"entity out of range is ignored",
			telego.Message{
				Text:     "short",
				Entities: []telego.MessageEntity{{Type: "mention", Offset: 2, Length: 50}},
			},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mentionsBot(&tt.msg, "clawd_bot"); got != tt.want {
				t.Errorf("mentionsBot = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("empty bot username never matches", func(t *testing.T) {
		msg := telego.Message{Text: "@ anything"}
		if mentionsBot(&msg, "") {
			t.Error("matched with empty bot username")
		}
	})
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"leading mention", "@clawd_bot what time is it", "what time is it"},
		{"mid-text mention", "hey @clawd_bot ping", "hey  ping"},
		{"case insensitive", "@CLAWD_Bot hello", "hello"},
		{"multiple mentions", "@clawd_bot @clawd_bot hi", "hi"},
		{"no mention", "plain text", "plain text"},
		{"empty text", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMention(tt.in, "clawd_bot"); got != tt.want {
				t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsServiceMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  telego.Message
		want bool
	}{
		{"text message", telego.Message{Text: "hello"}, false},
		{"caption only", telego.Message{Caption: "look"}, false},
		{"photo", telego.Message{Photo: []telego.PhotoSize{{FileID: "f"}}}, false},
		{"voice", telego.Message{Voice: &telego.Voice{FileID: "v"}}, false},
		{"member joined", telego.Message{NewChatMembers: []telego.User{{ID: 1}}}, true},
		{"bare service event", telego.Message{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isServiceMessage(&tt.msg); got != tt.want {
				t.Errorf("isServiceMessage = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Options{})
	if err == nil {
		t.Fatal("New accepted an empty token")
	}
}
