package channels

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/media"
)

type TelegramChannel struct {
	*BaseChannel
	bot        *tgbotapi.BotAPI
	config     config.TelegramConfig
	downloader *media.Downloader
	mediaDir   string
	cancel     context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus, downloader *media.Downloader, mediaDir string) (*TelegramChannel, error) {
	var bot *tgbotapi.BotAPI
	var err error

	if cfg.Proxy != "" {
		proxyURL, parseErr := neturl.Parse(cfg.Proxy)
		if parseErr != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", parseErr)
		}
		client := &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
			Timeout:   60 * time.Second,
		}
		bot, err = tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, client)
	} else {
		bot, err = tgbotapi.NewBotAPI(cfg.Token)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	if downloader == nil {
		downloader = media.NewDownloader(0)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", cfg, messageBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		downloader:  downloader,
		mediaDir:    mediaDir,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoCF("telegram", "Starting Telegram bot (polling mode)", map[string]interface{}{
		"username": c.bot.Self.UserName,
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setRunning(true)

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(runCtx, update.Message)
				}
			}
		}
	}()

	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	c.bot.StopReceivingUpdates()
	return nil
}

func (c *TelegramChannel) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || message.From.IsBot {
		return
	}

	inbound := telegramInbound(message, c.bot.Self.ID)

	dlCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	inbound.Media = c.downloadPhotos(dlCtx, message.Photo)
	if inbound.Reply != nil && message.ReplyToMessage != nil {
		inbound.Reply.Media = c.downloadPhotos(dlCtx, message.ReplyToMessage.Photo)
	}

	logger.InfoCF("telegram", "Received message", map[string]interface{}{
		"sender":  inbound.SenderID,
		"chat":    inbound.ChatID,
		"content": truncate(inbound.Content, 100),
		"photos":  len(inbound.Media),
	})

	c.HandleMessage(inbound)
}

// telegramInbound converts a message without touching the network.
func telegramInbound(message *tgbotapi.Message, selfID int64) bus.InboundMessage {
	content := message.Text
	if content == "" {
		content = message.Caption
	}
	if message.IsCommand() {
		// drops the @botname suffix Telegram appends in groups
		content = "/" + message.Command() + " " + message.CommandArguments()
	}

	metadata := map[string]string{
		"message_id": strconv.Itoa(message.MessageID),
		"chat_type":  message.Chat.Type,
		"username":   message.From.UserName,
	}
	if message.Chat.IsGroup() || message.Chat.IsSuperGroup() {
		metadata["is_group"] = "true"
	}

	var mentions []string
	for _, entity := range append(message.Entities, message.CaptionEntities...) {
		if entity.Type == "text_mention" && entity.User != nil && entity.User.ID != selfID {
			mentions = appendUniqueString(mentions, strconv.FormatInt(entity.User.ID, 10))
		}
	}

	inbound := bus.InboundMessage{
		SenderID:   strconv.FormatInt(message.From.ID, 10),
		SenderName: telegramDisplayName(message.From),
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		Content:    strings.TrimSpace(content),
		Mentions:   mentions,
		Metadata:   metadata,
	}

	if r := message.ReplyToMessage; r != nil {
		quoted := &bus.QuotedMessage{
			MessageID: strconv.Itoa(r.MessageID),
			Text:      strings.TrimSpace(r.Text),
			Time:      int64(r.Date),
		}
		if quoted.Text == "" {
			quoted.Text = strings.TrimSpace(r.Caption)
		}
		if r.From != nil {
			quoted.SenderID = strconv.FormatInt(r.From.ID, 10)
			quoted.SenderName = telegramDisplayName(r.From)
			quoted.FromBot = r.From.ID == selfID
		}
		inbound.Reply = quoted
	}

	return inbound
}

func telegramDisplayName(u *tgbotapi.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// downloadPhotos fetches the largest size of a photo message.
func (c *TelegramChannel) downloadPhotos(ctx context.Context, photos []tgbotapi.PhotoSize) []string {
	if len(photos) == 0 {
		return nil
	}
	largest := photos[len(photos)-1]

	fileURL, err := c.bot.GetFileDirectURL(largest.FileID)
	if err != nil {
		logger.WarnCF("telegram", "Failed to resolve photo URL", map[string]interface{}{
			"file_id": largest.FileID,
			"error":   err.Error(),
		})
		return nil
	}
	if err := os.MkdirAll(c.mediaDir, 0700); err != nil {
		return nil
	}
	local, err := c.downloader.DownloadTo(ctx, fileURL, c.mediaDir, largest.FileUniqueID)
	if err != nil {
		logger.WarnCF("telegram", "Failed to download photo", map[string]interface{}{
			"file_id": largest.FileID,
			"error":   err.Error(),
		})
		return nil
	}
	return []string{local}
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, err := c.SendWithID(ctx, msg)
	return err
}

// SendWithID returns the id of the first message sent. Several images are
// sent as separate photos with the text as the first caption.
func (c *TelegramChannel) SendWithID(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	if !c.IsRunning() {
		return "", ErrNotRunning
	}

	chattables, err := buildTelegramSends(msg)
	if err != nil {
		return "", err
	}

	firstID := ""
	for _, chattable := range chattables {
		sent, err := c.bot.Send(chattable)
		if err != nil {
			logger.ErrorCF("telegram", "Failed to send message", map[string]interface{}{
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
			return firstID, err
		}
		if firstID == "" {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}

func buildTelegramSends(msg bus.OutboundMessage) ([]tgbotapi.Chattable, error) {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	replyTo, _ := strconv.Atoi(strings.TrimSpace(msg.ReplyTo))

	if len(msg.Images) == 0 {
		if strings.TrimSpace(msg.Content) == "" {
			return nil, fmt.Errorf("empty telegram message for %s", msg.ChatID)
		}
		tgMsg := tgbotapi.NewMessage(chatID, msg.Content)
		tgMsg.ReplyToMessageID = replyTo
		return []tgbotapi.Chattable{tgMsg}, nil
	}

	out := make([]tgbotapi.Chattable, 0, len(msg.Images))
	for i, img := range msg.Images {
		file, err := telegramFile(img)
		if err != nil {
			return nil, err
		}
		photo := tgbotapi.NewPhoto(chatID, file)
		if i == 0 {
			photo.Caption = msg.Content
			photo.ReplyToMessageID = replyTo
		}
		out = append(out, photo)
	}
	return out, nil
}

func telegramFile(img bus.Image) (tgbotapi.RequestFileData, error) {
	if len(img.Data) > 0 {
		name := img.Name
		if name == "" {
			name = "image.png"
		}
		return tgbotapi.FileBytes{Name: name, Bytes: img.Data}, nil
	}
	p := strings.TrimSpace(img.Path)
	if p == "" {
		return nil, fmt.Errorf("image %q has neither data nor path", img.Name)
	}
	if media.IsRemoteURL(p) {
		return tgbotapi.FileURL(p), nil
	}
	if _, err := os.Stat(p); err != nil {
		return nil, fmt.Errorf("image %s: %w", p, err)
	}
	return tgbotapi.FilePath(filepath.Clean(p)), nil
}

func (c *TelegramChannel) ResolveMemberName(ctx context.Context, chatID, userID string) (string, error) {
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q", userID)
	}
	cid, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q", chatID)
	}

	member, err := c.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: cid, UserID: uid},
	})
	if err != nil {
		return "", err
	}
	name := telegramDisplayName(member.User)
	if name == "" {
		return "", fmt.Errorf("user %s has no name", userID)
	}
	return name, nil
}
