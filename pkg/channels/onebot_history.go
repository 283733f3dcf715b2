package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/logger"
)

// recordRecent keeps the last recentLimit messages per group. Serves as
// history when the server has no get_group_msg_history.
func (c *OneBotChannel) recordRecent(groupID string, msg bus.QuotedMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	c.recentMu.Lock()
	defer c.recentMu.Unlock()

	queue := append(c.recent[groupID], msg)
	if len(queue) > c.recentLimit {
		queue = queue[len(queue)-c.recentLimit:]
	}
	c.recent[groupID] = queue
}

func (c *OneBotChannel) recentMessages(groupID string, count int) []bus.QuotedMessage {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()

	queue := c.recent[groupID]
	if count > 0 && len(queue) > count {
		queue = queue[len(queue)-count:]
	}
	return append([]bus.QuotedMessage(nil), queue...)
}

// FetchGroupHistory pages backwards with get_group_msg_history. The cursor
// is the message_seq of the oldest message already returned. When the
// server does not support the action, the first page falls back to the
// messages seen since startup.
func (c *OneBotChannel) FetchGroupHistory(ctx context.Context, chatID, cursor string, count int) ([]bus.QuotedMessage, string, error) {
	groupID, ok := parseOneBotGroupChatID(chatID)
	if !ok {
		groupID = strings.TrimSpace(chatID)
	}
	gid, err := strconv.ParseInt(groupID, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid group id %q", chatID)
	}
	if count <= 0 {
		count = 20
	}

	params := map[string]interface{}{
		"group_id": gid,
		"count":    count,
	}
	if cursor != "" {
		seq, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid history cursor %q", cursor)
		}
		params["message_seq"] = seq
	}

	resp, err := c.callAPI(ctx, "get_group_msg_history", params, oneBotAPITimeout)
	if err == nil {
		err = resp.err("get_group_msg_history")
	}
	if err != nil {
		if cursor == "" {
			recent := c.recentMessages(groupID, count)
			logger.WarnCF("onebot", "History API unavailable, using recent messages", map[string]interface{}{
				"group":  groupID,
				"recent": len(recent),
				"error":  err.Error(),
			})
			return recent, "", nil
		}
		return nil, "", err
	}

	var data struct {
		Messages []oneBotMessageData `json:"messages"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, "", fmt.Errorf("parse history payload: %w", err)
	}

	msgs := make([]bus.QuotedMessage, 0, len(data.Messages))
	var oldest int64
	for _, raw := range data.Messages {
		seq, _ := parseJSONInt64(raw.MessageSeq)
		if seq == 0 {
			seq, _ = parseJSONInt64(raw.MessageID)
		}
		if seq > 0 && (oldest == 0 || seq < oldest) {
			oldest = seq
		}
		quoted, _ := c.quoted(raw)
		msgs = append(msgs, quoted)
	}

	next := ""
	if oldest > 0 {
		next = strconv.FormatInt(oldest, 10)
	}
	if next == cursor {
		next = ""
	}
	return msgs, next, nil
}

// ResolveMemberName prefers the group card, then the nickname. Private chats
// and unknown members fall back to get_stranger_info.
func (c *OneBotChannel) ResolveMemberName(ctx context.Context, chatID, userID string) (string, error) {
	uid, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid user id %q", userID)
	}

	if groupID, ok := parseOneBotGroupChatID(chatID); ok {
		if gid, err := strconv.ParseInt(groupID, 10, 64); err == nil {
			resp, err := c.callAPI(ctx, "get_group_member_info", map[string]interface{}{
				"group_id": gid,
				"user_id":  uid,
			}, oneBotAPITimeout)
			if err == nil && resp.err("get_group_member_info") == nil {
				var member oneBotSender
				if json.Unmarshal(resp.Data, &member) == nil && member.displayName() != "" {
					return member.displayName(), nil
				}
			}
		}
	}

	resp, err := c.callAPI(ctx, "get_stranger_info", map[string]interface{}{"user_id": uid}, oneBotAPITimeout)
	if err != nil {
		return "", err
	}
	if err := resp.err("get_stranger_info"); err != nil {
		return "", err
	}
	var info oneBotSender
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return "", fmt.Errorf("parse get_stranger_info payload: %w", err)
	}
	if info.Nickname == "" {
		return "", fmt.Errorf("user %s has no nickname", userID)
	}
	return info.Nickname, nil
}
