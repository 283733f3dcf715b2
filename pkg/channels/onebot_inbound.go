package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	neturl "net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/media"
	"github.com/sipeed/picoquote/pkg/utils"
)

const oneBotIngestTimeout = 30 * time.Second

func (c *OneBotChannel) normalizeMessageEvent(raw *oneBotRawEvent) (*oneBotEvent, error) {
	userID, err := parseJSONInt64(raw.UserID)
	if err != nil {
		return nil, fmt.Errorf("parse user_id: %w (raw: %s)", err, string(raw.UserID))
	}

	groupID, _ := parseJSONInt64(raw.GroupID)
	selfID, _ := parseJSONInt64(raw.SelfID)
	if selfID == 0 {
		selfID = c.selfID.Load()
	}
	ts, _ := parseJSONInt64(raw.Time)

	var sender oneBotSender
	if len(raw.Sender) > 0 {
		if err := json.Unmarshal(raw.Sender, &sender); err != nil {
			logger.WarnCF("onebot", "Failed to parse sender", map[string]interface{}{
				"error":  err.Error(),
				"sender": string(raw.Sender),
			})
		}
	}

	return &oneBotEvent{
		PostType:    raw.PostType,
		MessageType: raw.MessageType,
		SubType:     raw.SubType,
		MessageID:   parseJSONString(raw.MessageID),
		UserID:      userID,
		GroupID:     groupID,
		Sender:      sender,
		SelfID:      selfID,
		Time:        ts,
		Parsed:      parseMessageContentEx(raw.Message, raw.RawMessage, selfID),
	}, nil
}

func (c *OneBotChannel) handleMessage(evt *oneBotEvent) {
	if c.isDuplicate(evt.MessageID) {
		logger.DebugCF("onebot", "Duplicate message, skipping", map[string]interface{}{
			"message_id": evt.MessageID,
		})
		return
	}

	content := strings.TrimSpace(evt.Parsed.Text)
	if content == "" && len(evt.Parsed.Segments) == 0 {
		logger.DebugCF("onebot", "Received empty message, ignoring", map[string]interface{}{
			"message_id": evt.MessageID,
		})
		return
	}

	senderID := strconv.FormatInt(evt.UserID, 10)
	senderName := evt.Sender.displayName()
	fromBot := evt.PostType == "message_sent" || (evt.SelfID > 0 && evt.UserID == evt.SelfID)

	metadata := map[string]string{
		"message_id":   evt.MessageID,
		"message_type": evt.MessageType,
	}
	if evt.Sender.Nickname != "" {
		metadata["nickname"] = evt.Sender.Nickname
	}
	if senderName != "" {
		metadata["sender_name"] = senderName
	}

	var chatID string
	switch evt.MessageType {
	case "private":
		if fromBot {
			return
		}
		chatID = "private:" + senderID
		_, content = c.checkGroupTrigger(content, false)

		logger.InfoCF("onebot", "Received private message", map[string]interface{}{
			"sender":     senderID,
			"message_id": evt.MessageID,
			"content":    truncate(content, 100),
		})

	case "group":
		groupIDStr := strconv.FormatInt(evt.GroupID, 10)
		if !c.isGroupAllowed(groupIDStr) {
			logger.DebugCF("onebot", "Group message ignored (group not allowed)", map[string]interface{}{
				"sender": senderID,
				"group":  groupIDStr,
			})
			return
		}

		c.recordRecent(groupIDStr, bus.QuotedMessage{
			MessageID:  evt.MessageID,
			SenderID:   senderID,
			SenderName: senderName,
			Text:       content,
			Time:       evt.Time,
			FromBot:    fromBot,
		})
		if fromBot {
			return
		}

		triggered, stripped := c.checkGroupTrigger(content, evt.Parsed.IsBotMentioned)
		if !triggered {
			logger.DebugCF("onebot", "Group message ignored (no trigger)", map[string]interface{}{
				"sender":  senderID,
				"group":   groupIDStr,
				"content": truncate(content, 100),
			})
			return
		}
		content = stripped
		chatID = "group:" + groupIDStr
		metadata["group_id"] = groupIDStr

		logger.InfoCF("onebot", "Received group message", map[string]interface{}{
			"sender":       senderID,
			"group":        groupIDStr,
			"message_id":   evt.MessageID,
			"is_mentioned": evt.Parsed.IsBotMentioned,
			"content":      truncate(content, 100),
		})

	default:
		logger.WarnCF("onebot", "Unknown message type, cannot route", map[string]interface{}{
			"type":       evt.MessageType,
			"message_id": evt.MessageID,
			"user_id":    evt.UserID,
		})
		return
	}

	if !c.IsAllowed(senderID) {
		logger.DebugCF("onebot", "Message ignored (sender not allowed)", map[string]interface{}{
			"sender":     senderID,
			"message_id": evt.MessageID,
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.baseContext(), oneBotIngestTimeout)
	defer cancel()

	inbound := bus.InboundMessage{
		SenderID:   senderID,
		SenderName: senderName,
		ChatID:     chatID,
		Content:    content,
		Media:      c.resolveImages(ctx, evt.Parsed.Images()),
		Mentions:   evt.Parsed.Mentions(),
		Metadata:   metadata,
	}

	if replyID := evt.Parsed.ReplyID(); replyID != "" {
		metadata["reply_id"] = replyID
		reply, err := c.fetchReplyMessage(ctx, replyID)
		if err != nil {
			logger.WarnCF("onebot", "Failed to fetch reply message", map[string]interface{}{
				"reply_id": replyID,
				"error":    err.Error(),
			})
			// The id alone still lets commands match a sent quote.
			reply = &bus.QuotedMessage{MessageID: replyID}
		}
		inbound.Reply = reply
	}

	c.HandleMessage(inbound)
}

func (c *OneBotChannel) baseContext() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// checkGroupTrigger reports whether a group message addresses the bot and
// returns the content with the trigger prefix removed.
func (c *OneBotChannel) checkGroupTrigger(content string, isBotMentioned bool) (triggered bool, strippedContent string) {
	content = strings.TrimSpace(content)
	for _, prefix := range c.config.GroupTriggerPrefix {
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(content, prefix) {
			return true, strings.TrimSpace(strings.TrimPrefix(content, prefix))
		}
	}

	if isBotMentioned {
		return true, content
	}
	return false, content
}

func (c *OneBotChannel) isGroupAllowed(groupID string) bool {
	if len(c.config.AllowGroups) == 0 {
		return true
	}

	for _, allowed := range c.config.AllowGroups {
		normalized := strings.TrimSpace(strings.TrimPrefix(allowed, "group:"))
		if normalized == groupID {
			return true
		}
	}

	return false
}

type oneBotMessageData struct {
	MessageID  json.RawMessage `json:"message_id"`
	MessageSeq json.RawMessage `json:"message_seq"`
	UserID     json.RawMessage `json:"user_id"`
	Time       json.RawMessage `json:"time"`
	RawMessage string          `json:"raw_message"`
	Message    json.RawMessage `json:"message"`
	Sender     json.RawMessage `json:"sender"`
}

// quoted converts a get_msg / history record. Images are not resolved here.
func (c *OneBotChannel) quoted(raw oneBotMessageData) (bus.QuotedMessage, parseMessageResult) {
	selfID := c.selfID.Load()
	parsed := parseMessageContentEx(raw.Message, raw.RawMessage, selfID)

	senderID, _ := parseJSONInt64(raw.UserID)
	var sender oneBotSender
	if len(raw.Sender) > 0 {
		if err := json.Unmarshal(raw.Sender, &sender); err == nil && senderID == 0 {
			senderID, _ = parseJSONInt64(sender.UserID)
		}
	}

	senderIDStr := ""
	if senderID > 0 {
		senderIDStr = strconv.FormatInt(senderID, 10)
	}

	ts, _ := parseJSONInt64(raw.Time)
	return bus.QuotedMessage{
		MessageID:  parseJSONString(raw.MessageID),
		SenderID:   senderIDStr,
		SenderName: sender.displayName(),
		Text:       strings.TrimSpace(parsed.Text),
		Time:       ts,
		FromBot:    selfID > 0 && senderID == selfID,
	}, parsed
}

func (c *OneBotChannel) fetchReplyMessage(ctx context.Context, replyID string) (*bus.QuotedMessage, error) {
	replyID = strings.TrimSpace(replyID)
	if replyID == "" {
		return nil, fmt.Errorf("empty reply id")
	}

	var messageID interface{} = replyID
	if idNum, err := strconv.ParseInt(replyID, 10, 64); err == nil {
		messageID = idNum
	}

	resp, err := c.callAPI(ctx, "get_msg", map[string]interface{}{
		"message_id": messageID,
	}, oneBotAPITimeout)
	if err != nil {
		return nil, err
	}
	if err := resp.err("get_msg"); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("reply lookup has empty data")
	}

	var raw oneBotMessageData
	if err := json.Unmarshal(resp.Data, &raw); err != nil {
		return nil, fmt.Errorf("parse reply payload failed: %w", err)
	}

	quoted, parsed := c.quoted(raw)
	if quoted.MessageID == "" {
		quoted.MessageID = replyID
	}
	quoted.Media = c.resolveImages(ctx, parsed.Images())
	return &quoted, nil
}

// resolveImages turns image segments into local files under the media dir.
// Failures are logged and skipped.
func (c *OneBotChannel) resolveImages(ctx context.Context, images []oneBotMessageSegment) []string {
	var out []string
	for _, seg := range images {
		local, err := c.ensureImage(ctx, seg)
		if err != nil {
			logger.WarnCF("onebot", "Failed to fetch image", map[string]interface{}{
				"file":  seg.ImageFile,
				"url":   truncate(seg.ImageURL, 120),
				"error": err.Error(),
			})
			continue
		}
		out = appendUniqueString(out, local)
	}
	return out
}

// ensureImage tries, in order: a readable local path, the segment URL, then
// the server's get_image action.
func (c *OneBotChannel) ensureImage(ctx context.Context, seg oneBotMessageSegment) (string, error) {
	if seg.ImagePath != "" {
		if local := c.ensureImageInWorkspace(seg.ImagePath, seg.ImageFile); local != "" {
			return local, nil
		}
	}

	if media.IsRemoteURL(seg.ImageURL) {
		local, err := c.downloadImageToWorkspace(ctx, seg.ImageURL, seg.ImageFile)
		if err == nil {
			return local, nil
		}
		if seg.ImageFile == "" {
			return "", err
		}
	}

	if seg.ImageFile == "" {
		return "", fmt.Errorf("image segment has no source")
	}
	if media.IsRemoteURL(seg.ImageFile) {
		return c.downloadImageToWorkspace(ctx, seg.ImageFile, "")
	}

	resp, err := c.callAPI(ctx, "get_image", map[string]interface{}{"file": seg.ImageFile}, oneBotAPITimeout)
	if err != nil {
		return "", err
	}
	if err := resp.err("get_image"); err != nil {
		return "", err
	}
	var data struct {
		File     string `json:"file"`
		URL      string `json:"url"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("parse get_image payload: %w", err)
	}

	name := data.Filename
	if name == "" {
		name = seg.ImageFile
	}
	if data.File != "" {
		if local := c.ensureImageInWorkspace(data.File, name); local != "" {
			return local, nil
		}
	}
	if media.IsRemoteURL(data.URL) {
		return c.downloadImageToWorkspace(ctx, data.URL, name)
	}
	return "", fmt.Errorf("get_image returned no usable file for %s", seg.ImageFile)
}

func oneBotFilenameFromURL(rawURL string) string {
	parsedURL, err := neturl.Parse(rawURL)
	if err != nil {
		return "image"
	}
	base := strings.TrimSpace(path.Base(parsedURL.Path))
	if base == "" || base == "." || base == "/" {
		return "image"
	}
	return base
}

func (c *OneBotChannel) downloadImageToWorkspace(ctx context.Context, rawURL, filename string) (string, error) {
	if filename == "" {
		filename = oneBotFilenameFromURL(rawURL)
	}
	if c.downloadFile != nil {
		return c.downloadFile(ctx, rawURL, filename)
	}
	if err := os.MkdirAll(c.mediaDir, 0700); err != nil {
		return "", err
	}
	return c.downloader.DownloadTo(ctx, rawURL, c.mediaDir, filename)
}

// ensureImageInWorkspace copies a local image into the media dir so later
// commands can read it after the server cleans its cache. Returns "" when the
// source is not a readable file.
func (c *OneBotChannel) ensureImageInWorkspace(imagePath, filename string) string {
	imagePath = strings.TrimSpace(strings.TrimPrefix(imagePath, "file://"))
	if imagePath == "" {
		return ""
	}

	absImagePath, err := filepath.Abs(imagePath)
	if err != nil {
		absImagePath = imagePath
	}

	info, err := os.Stat(absImagePath)
	if err != nil || info.IsDir() {
		return ""
	}

	absMediaDir, err := filepath.Abs(c.mediaDir)
	if err != nil {
		absMediaDir = c.mediaDir
	}

	if oneBotPathInDir(absImagePath, absMediaDir) {
		return absImagePath
	}

	name := strings.TrimSpace(filename)
	if name == "" {
		name = filepath.Base(absImagePath)
	}
	name = utils.SanitizeFilename(name)
	if name == "" {
		name = "image"
	}
	if filepath.Ext(name) == "" {
		name += strings.ToLower(filepath.Ext(absImagePath))
	}

	if err := os.MkdirAll(absMediaDir, 0700); err != nil {
		logger.WarnCF("onebot", "Failed to ensure media directory", map[string]interface{}{
			"dir":   absMediaDir,
			"error": err.Error(),
		})
		return absImagePath
	}

	targetPath := filepath.Join(absMediaDir, oneBotBuildUniqueFilename(name))
	if err := oneBotCopyFile(absImagePath, targetPath); err != nil {
		logger.WarnCF("onebot", "Failed to copy image into media directory", map[string]interface{}{
			"src":   absImagePath,
			"dst":   targetPath,
			"error": err.Error(),
		})
		return absImagePath
	}

	return targetPath
}

func oneBotPathInDir(filePath, dir string) bool {
	rel, err := filepath.Rel(dir, filePath)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

func oneBotBuildUniqueFilename(base string) string {
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if name == "" {
		name = "image"
	}
	return fmt.Sprintf("%d_%s%s", time.Now().UnixNano(), name, ext)
}

func oneBotCopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
