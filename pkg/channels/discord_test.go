package channels

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/picoquote/pkg/bus"
)

func TestDiscordInbound(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	m := &discordgo.Message{
		ID:        "m2",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@!bot> 上传 <@u7>",
		Author:    &discordgo.User{ID: "u1", Username: "ada", GlobalName: "Ada"},
		Member:    &discordgo.Member{Nick: "ada-nick"},
		Mentions:  []*discordgo.User{{ID: "bot"}, {ID: "u7"}, {ID: "u7"}},
		Attachments: []*discordgo.MessageAttachment{
			{URL: "https://cdn.example/a.png", ContentType: "image/png"},
			{URL: "https://cdn.example/b.txt", ContentType: "text/plain"},
		},
		ReferencedMessage: &discordgo.Message{
			ID:        "m1",
			Content:   "original line",
			Timestamp: ts,
			Author:    &discordgo.User{ID: "u7", Username: "bob"},
		},
	}

	in := discordInbound(m, "bot")

	if in.Content != "上传 <@u7>" {
		t.Fatalf("content = %q", in.Content)
	}
	if in.SenderName != "ada-nick" {
		t.Fatalf("sender name = %q, want nick", in.SenderName)
	}
	if len(in.Mentions) != 1 || in.Mentions[0] != "u7" {
		t.Fatalf("mentions = %v", in.Mentions)
	}
	if len(in.Media) != 1 || in.Media[0] != "https://cdn.example/a.png" {
		t.Fatalf("media = %v", in.Media)
	}
	if in.Metadata["guild_id"] != "g1" || in.Metadata["message_id"] != "m2" {
		t.Fatalf("metadata = %v", in.Metadata)
	}
	if in.Reply == nil || in.Reply.MessageID != "m1" || in.Reply.SenderID != "u7" {
		t.Fatalf("reply = %+v", in.Reply)
	}
	if in.Reply.Time != ts.Unix() || in.Reply.Text != "original line" || in.Reply.FromBot {
		t.Fatalf("reply = %+v", in.Reply)
	}
}

func TestDiscordInbound_ReferenceWithoutBody(t *testing.T) {
	m := &discordgo.Message{
		ID:               "m3",
		ChannelID:        "dm",
		Content:          "删除",
		Author:           &discordgo.User{ID: "u1", Username: "ada"},
		MessageReference: &discordgo.MessageReference{MessageID: "m0"},
	}

	in := discordInbound(m, "bot")
	if in.Reply == nil || in.Reply.MessageID != "m0" {
		t.Fatalf("reply = %+v", in.Reply)
	}
	if in.SenderName != "ada" {
		t.Fatalf("sender name = %q", in.SenderName)
	}
}

func TestBuildDiscordSend(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "card.png")
	if err := os.WriteFile(local, []byte("png-bytes"), 0644); err != nil {
		t.Fatal(err)
	}

	send, err := buildDiscordSend(bus.OutboundMessage{
		ChatID:  "c1",
		Content: "here",
		ReplyTo: "m9",
		Images:  []bus.Image{{Data: []byte("x")}, {Path: local}},
	})
	if err != nil {
		t.Fatalf("buildDiscordSend() error = %v", err)
	}
	if send.Reference == nil || send.Reference.MessageID != "m9" {
		t.Fatalf("reference = %+v", send.Reference)
	}
	if len(send.Files) != 2 {
		t.Fatalf("files = %d", len(send.Files))
	}
	if send.Files[0].Name != "image_1.png" || send.Files[1].Name != "card.png" {
		t.Fatalf("file names = %q, %q", send.Files[0].Name, send.Files[1].Name)
	}
	body, _ := io.ReadAll(send.Files[1].Reader)
	if string(body) != "png-bytes" {
		t.Fatalf("file body = %q", body)
	}

	if _, err := buildDiscordSend(bus.OutboundMessage{ChatID: "c1"}); err == nil {
		t.Fatal("expected error for empty message")
	}
	if _, err := buildDiscordSend(bus.OutboundMessage{ChatID: "c1", Images: []bus.Image{{Path: "https://x/y.png"}}}); err == nil {
		t.Fatal("expected error for remote image path")
	}
}
