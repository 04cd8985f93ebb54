package slack

import (
	"testing"
	"time"

	"github.com/slack-go/slack/slackevents"

	"github.com/relaylabs/relay/pkg/models"
)

func TestNewAdapter_RequiresTokens(t *testing.T) {
	if _, err := NewAdapter(Config{BotToken: "xoxb-x"}); err == nil {
		t.Error("expected error without app token")
	}
	if _, err := NewAdapter(Config{AppToken: "xapp-x"}); err == nil {
		t.Error("expected error without bot token")
	}
	if _, err := NewAdapter(Config{BotToken: "xoxb-x", AppToken: "xapp-x"}); err != nil {
		t.Errorf("NewAdapter: %v", err)
	}
}

func TestStripMentions(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"<@U12345> summarize this", "summarize this"},
		{"hello <@U12345> and <@U67890> there", "hello  and  there"},
		{"no mentions here", "no mentions here"},
		{"<@U12345>", ""},
	}
	for _, tt := range tests {
		if got := stripMentions(tt.in); got != tt.want {
			t.Errorf("stripMentions(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConversationID_RoundTrip(t *testing.T) {
	id := joinConversationID("C123", "1700000000.000100")
	if id != "C123:1700000000.000100" {
		t.Fatalf("joined = %q", id)
	}
	channel, threadTS := splitConversationID(id)
	if channel != "C123" || threadTS != "1700000000.000100" {
		t.Errorf("split = %q, %q", channel, threadTS)
	}

	channel, threadTS = splitConversationID("C123")
	if channel != "C123" || threadTS != "" {
		t.Errorf("bare split = %q, %q", channel, threadTS)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("1700000000.000123")
	if err != nil {
		t.Fatalf("parseTimestamp: %v", err)
	}
	want := time.Unix(1700000000, 123000)
	if !ts.Equal(want) {
		t.Errorf("ts = %v, want %v", ts, want)
	}

	if _, err := parseTimestamp("garbage"); err == nil {
		t.Error("expected error for malformed timestamp")
	}
}

func TestConvertMessageEvent_TopLevelStartsThread(t *testing.T) {
	msg := convertMessageEvent(&slackevents.MessageEvent{
		User:      "U777",
		Text:      "<@UBOT> run the report",
		Channel:   "C123",
		TimeStamp: "1700000000.000100",
	})

	if msg.Channel != models.ChannelSlack {
		t.Errorf("Channel = %q", msg.Channel)
	}
	if msg.ConversationID != "C123:1700000000.000100" {
		t.Errorf("ConversationID = %q", msg.ConversationID)
	}
	if msg.SenderID != "U777" {
		t.Errorf("SenderID = %q", msg.SenderID)
	}
	if msg.Content != "run the report" {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestConvertMessageEvent_ReplyJoinsThread(t *testing.T) {
	msg := convertMessageEvent(&slackevents.MessageEvent{
		User:            "U777",
		Text:            "and the follow-up",
		Channel:         "C123",
		TimeStamp:       "1700000010.000200",
		ThreadTimeStamp: "1700000000.000100",
	})

	if msg.ConversationID != "C123:1700000000.000100" {
		t.Errorf("ConversationID = %q, want thread root", msg.ConversationID)
	}
}
