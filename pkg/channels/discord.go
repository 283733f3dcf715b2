package channels

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/media"
)

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
	selfID  string
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", cfg, messageBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	if c.session.State != nil && c.session.State.User != nil {
		c.selfID = c.session.State.User.ID
	} else if me, err := c.session.User("@me"); err == nil {
		c.selfID = me.ID
	}

	c.setRunning(true)
	logger.InfoCF("discord", "Discord bot connected", map[string]interface{}{
		"bot_id": c.selfID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.ID == c.selfID || m.Author.Bot {
		return
	}

	inbound := discordInbound(m.Message, c.selfID)

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender":  inbound.SenderID,
		"chat":    inbound.ChatID,
		"content": truncate(inbound.Content, 100),
		"media":   len(inbound.Media),
	})

	c.HandleMessage(inbound)
}

// discordInbound converts a gateway message without touching the network.
// Attachments are kept as CDN URLs.
func discordInbound(m *discordgo.Message, selfID string) bus.InboundMessage {
	content := stripDiscordMention(m.Content, selfID)

	var mentions []string
	for _, u := range m.Mentions {
		if u == nil || u.ID == selfID {
			continue
		}
		mentions = appendUniqueString(mentions, u.ID)
	}

	metadata := map[string]string{
		"message_id": m.ID,
		"username":   m.Author.Username,
	}
	if m.GuildID != "" {
		metadata["guild_id"] = m.GuildID
		metadata["is_group"] = "true"
	}

	inbound := bus.InboundMessage{
		SenderID:   m.Author.ID,
		SenderName: discordDisplayName(m.Member, m.Author),
		ChatID:     m.ChannelID,
		Content:    content,
		Media:      discordAttachmentURLs(m.Attachments),
		Mentions:   mentions,
		Metadata:   metadata,
	}

	if ref := m.ReferencedMessage; ref != nil {
		quoted := &bus.QuotedMessage{
			MessageID: ref.ID,
			Text:      strings.TrimSpace(stripDiscordMention(ref.Content, selfID)),
			Media:     discordAttachmentURLs(ref.Attachments),
		}
		if !ref.Timestamp.IsZero() {
			quoted.Time = ref.Timestamp.Unix()
		}
		if ref.Author != nil {
			quoted.SenderID = ref.Author.ID
			quoted.SenderName = discordDisplayName(ref.Member, ref.Author)
			quoted.FromBot = ref.Author.ID == selfID
		}
		inbound.Reply = quoted
	} else if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		inbound.Reply = &bus.QuotedMessage{MessageID: m.MessageReference.MessageID}
	}

	return inbound
}

func stripDiscordMention(content, selfID string) string {
	if selfID != "" {
		content = strings.ReplaceAll(content, "<@"+selfID+">", "")
		content = strings.ReplaceAll(content, "<@!"+selfID+">", "")
	}
	return strings.TrimSpace(content)
}

func discordAttachmentURLs(attachments []*discordgo.MessageAttachment) []string {
	var out []string
	for _, a := range attachments {
		if a == nil || a.URL == "" {
			continue
		}
		if a.ContentType != "" && !strings.HasPrefix(a.ContentType, "image/") {
			continue
		}
		out = append(out, a.URL)
	}
	return out
}

func discordDisplayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user == nil {
		return ""
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, err := c.SendWithID(ctx, msg)
	return err
}

func (c *DiscordChannel) SendWithID(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	if !c.IsRunning() {
		return "", ErrNotRunning
	}

	send, err := buildDiscordSend(msg)
	if err != nil {
		return "", err
	}

	sent, err := c.session.ChannelMessageSendComplex(msg.ChatID, send, discordgo.WithContext(ctx))
	if err != nil {
		logger.ErrorCF("discord", "Failed to send message", map[string]interface{}{
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		return "", fmt.Errorf("failed to send discord message: %w", err)
	}
	return sent.ID, nil
}

func buildDiscordSend(msg bus.OutboundMessage) (*discordgo.MessageSend, error) {
	send := &discordgo.MessageSend{Content: msg.Content}

	for i, img := range msg.Images {
		file, err := discordFile(img, i)
		if err != nil {
			return nil, err
		}
		send.Files = append(send.Files, file)
	}

	if strings.TrimSpace(send.Content) == "" && len(send.Files) == 0 {
		return nil, fmt.Errorf("empty discord message for %s", msg.ChatID)
	}

	if id := strings.TrimSpace(msg.ReplyTo); id != "" {
		send.Reference = &discordgo.MessageReference{MessageID: id, ChannelID: msg.ChatID}
	}
	return send, nil
}

func discordFile(img bus.Image, index int) (*discordgo.File, error) {
	name := img.Name
	data := img.Data
	if len(data) == 0 {
		p := strings.TrimSpace(img.Path)
		if p == "" || media.IsRemoteURL(p) {
			return nil, fmt.Errorf("image %q is not a local file", img.Name)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		data = b
		if name == "" {
			name = filepath.Base(p)
		}
	}
	if name == "" {
		name = fmt.Sprintf("image_%d.png", index+1)
	}
	return &discordgo.File{
		Name:        name,
		ContentType: media.MimeFor(name),
		Reader:      bytes.NewReader(data),
	}, nil
}

func (c *DiscordChannel) ResolveMemberName(ctx context.Context, chatID, userID string) (string, error) {
	if chatID != "" {
		if ch, err := c.session.Channel(chatID, discordgo.WithContext(ctx)); err == nil && ch.GuildID != "" {
			if member, err := c.session.GuildMember(ch.GuildID, userID, discordgo.WithContext(ctx)); err == nil {
				if name := discordDisplayName(member, member.User); name != "" {
					return name, nil
				}
			}
		}
	}

	user, err := c.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	return discordDisplayName(nil, user), nil
}
