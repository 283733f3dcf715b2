package channels

import (
	"os"
	"path/filepath"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sipeed/picoquote/pkg/bus"
)

func TestTelegramInbound_TextAndReply(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID: 10,
		From:      &tgbotapi.User{ID: 42, FirstName: "Ada", LastName: "L", UserName: "ada"},
		Chat:      &tgbotapi.Chat{ID: -100, Type: "supergroup"},
		Text:      "  上传 please ",
		Entities: []tgbotapi.MessageEntity{
			{Type: "text_mention", Offset: 0, Length: 2, User: &tgbotapi.User{ID: 7}},
			{Type: "text_mention", Offset: 3, Length: 2, User: &tgbotapi.User{ID: 99}},
		},
		ReplyToMessage: &tgbotapi.Message{
			MessageID: 9,
			Date:      1700000000,
			From:      &tgbotapi.User{ID: 7, UserName: "bob"},
			Caption:   "a captioned photo",
		},
	}

	in := telegramInbound(msg, 99)

	if in.SenderID != "42" || in.SenderName != "Ada L" {
		t.Fatalf("sender = %q/%q", in.SenderID, in.SenderName)
	}
	if in.ChatID != "-100" || in.Metadata["is_group"] != "true" {
		t.Fatalf("chat = %q, metadata = %v", in.ChatID, in.Metadata)
	}
	if in.Content != "上传 please" {
		t.Fatalf("content = %q", in.Content)
	}
	if len(in.Mentions) != 1 || in.Mentions[0] != "7" {
		t.Fatalf("mentions = %v, want [7]", in.Mentions)
	}
	if in.Reply == nil {
		t.Fatal("reply missing")
	}
	if in.Reply.MessageID != "9" || in.Reply.SenderID != "7" || in.Reply.SenderName != "bob" {
		t.Fatalf("reply = %+v", in.Reply)
	}
	if in.Reply.Text != "a captioned photo" || in.Reply.Time != 1700000000 || in.Reply.FromBot {
		t.Fatalf("reply = %+v", in.Reply)
	}
}

func TestTelegramInbound_ReplyToBot(t *testing.T) {
	msg := &tgbotapi.Message{
		MessageID:      3,
		From:           &tgbotapi.User{ID: 1, FirstName: "x"},
		Chat:           &tgbotapi.Chat{ID: 5, Type: "private"},
		Text:           "删除",
		ReplyToMessage: &tgbotapi.Message{MessageID: 2, From: &tgbotapi.User{ID: 99, IsBot: true}},
	}

	in := telegramInbound(msg, 99)
	if !in.Reply.FromBot {
		t.Fatal("reply to the bot should be marked FromBot")
	}
	if _, ok := in.Metadata["is_group"]; ok {
		t.Fatal("private chat marked as group")
	}
}

func TestTelegramInbound_CommandStripsBotName(t *testing.T) {
	text := "/quote@picoquote_bot 3"
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: 1},
		Chat:      &tgbotapi.Chat{ID: 1, Type: "group"},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 20}},
	}

	in := telegramInbound(msg, 99)
	if in.Content != "/quote 3" {
		t.Fatalf("content = %q, want %q", in.Content, "/quote 3")
	}
}

func TestBuildTelegramSends(t *testing.T) {
	sends, err := buildTelegramSends(bus.OutboundMessage{ChatID: "12", Content: "hi", ReplyTo: "5"})
	if err != nil {
		t.Fatalf("buildTelegramSends() error = %v", err)
	}
	text, ok := sends[0].(tgbotapi.MessageConfig)
	if len(sends) != 1 || !ok {
		t.Fatalf("sends = %#v", sends)
	}
	if text.Text != "hi" || text.ReplyToMessageID != 5 || text.ChatID != 12 {
		t.Fatalf("message = %+v", text)
	}

	dir := t.TempDir()
	local := filepath.Join(dir, "card.png")
	if err := os.WriteFile(local, []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
	sends, err = buildTelegramSends(bus.OutboundMessage{
		ChatID:  "12",
		Content: "caption",
		Images: []bus.Image{
			{Name: "a.png", Data: []byte("x")},
			{Path: local},
			{Path: "https://example.com/b.jpg"},
		},
	})
	if err != nil {
		t.Fatalf("buildTelegramSends() error = %v", err)
	}
	if len(sends) != 3 {
		t.Fatalf("len(sends) = %d, want 3", len(sends))
	}
	first := sends[0].(tgbotapi.PhotoConfig)
	if first.Caption != "caption" {
		t.Fatalf("first caption = %q", first.Caption)
	}
	if _, ok := first.File.(tgbotapi.FileBytes); !ok {
		t.Fatalf("first file = %T, want FileBytes", first.File)
	}
	second := sends[1].(tgbotapi.PhotoConfig)
	if second.Caption != "" {
		t.Fatalf("only the first photo carries the caption, got %q", second.Caption)
	}
	if _, ok := second.File.(tgbotapi.FilePath); !ok {
		t.Fatalf("second file = %T, want FilePath", second.File)
	}
	if _, ok := sends[2].(tgbotapi.PhotoConfig).File.(tgbotapi.FileURL); !ok {
		t.Fatal("remote image should be sent by URL")
	}
}

func TestBuildTelegramSends_Errors(t *testing.T) {
	if _, err := buildTelegramSends(bus.OutboundMessage{ChatID: "abc", Content: "x"}); err == nil {
		t.Fatal("expected error for non-numeric chat id")
	}
	if _, err := buildTelegramSends(bus.OutboundMessage{ChatID: "1", Content: "  "}); err == nil {
		t.Fatal("expected error for empty message")
	}
	if _, err := buildTelegramSends(bus.OutboundMessage{ChatID: "1", Images: []bus.Image{{Path: "/nope/missing.png"}}}); err == nil {
		t.Fatal("expected error for missing image file")
	}
}
