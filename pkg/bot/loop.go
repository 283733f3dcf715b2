// PicoQuote - group chat quote bot
// Built on the PicoClaw channel runtime: https://github.com/sipeed/picoclaw
// License: MIT
//
// Copyright (c) 2026 PicoQuote contributors

package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/commands"
	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/cron"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/utils"
)

const commandTimeout = 3 * time.Minute

// Loop routes inbound chat messages to commands and publishes the replies.
type Loop struct {
	bus      *bus.MessageBus
	cfg      *config.Config
	registry *commands.Registry
	deps     *commands.Deps
	running  atomic.Bool
}

func NewLoop(cfg *config.Config, msgBus *bus.MessageBus, registry *commands.Registry, deps *commands.Deps) *Loop {
	return &Loop{
		bus:      msgBus,
		cfg:      cfg,
		registry: registry,
		deps:     deps,
	}
}

func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)

	for l.running.Load() {
		msg, ok := l.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}

		out, err := l.Process(ctx, msg)
		if err != nil {
			logger.ErrorCF("bot", "Message processing failed", map[string]interface{}{
				"channel": msg.Channel,
				"chat":    msg.ChatID,
				"error":   err.Error(),
			})
			continue
		}
		if out != nil {
			l.bus.PublishOutbound(*out)
		}
	}

	return nil
}

func (l *Loop) Stop() {
	l.running.Store(false)
}

// Process handles one message and returns the reply, or nil when the
// message is not a command.
func (l *Loop) Process(ctx context.Context, msg bus.InboundMessage) (*bus.OutboundMessage, error) {
	content := l.stripPrefix(msg.Content)
	cmd, trigger, args, ok := l.registry.Resolve(content)
	if !ok {
		logger.DebugCF("bot", "Ignoring non-command message", map[string]interface{}{
			"channel": msg.Channel,
			"preview": utils.Truncate(msg.Content, 40),
		})
		return nil, nil
	}

	logger.InfoCF("bot", fmt.Sprintf("Command %s from %s:%s", cmd.Name(), msg.Channel, msg.SenderID),
		map[string]interface{}{
			"channel":     msg.Channel,
			"chat_id":     msg.ChatID,
			"sender_id":   msg.SenderID,
			"session_key": msg.SessionKey,
		})

	req := &commands.Request{
		Message: msg,
		Trigger: trigger,
		Args:    args,
		Scope:   IsolationKey(l.cfg, msg),
		IsAdmin: l.isAdmin(msg),
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	resp, err := l.registry.Execute(cmdCtx, cmd, req)
	switch {
	case errors.Is(err, commands.ErrPermission):
		resp = &commands.Response{Text: "只有管理员可以使用该指令。"}
	case err != nil:
		resp = &commands.Response{Text: fmt.Sprintf("指令执行失败：%v", err)}
	}
	if resp == nil || (resp.Text == "" && len(resp.Images) == 0) {
		return nil, nil
	}

	return &bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: resp.Text,
		Images:  resp.Images,
		QuoteID: resp.QuoteID,
	}, nil
}

// stripPrefix removes one configured trigger prefix. OneBot strips group
// prefixes itself; other channels pass the text through unchanged.
func (l *Loop) stripPrefix(content string) string {
	content = strings.TrimSpace(content)
	for _, prefix := range l.cfg.Channels.OneBot.GroupTriggerPrefix {
		if prefix != "" && strings.HasPrefix(content, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(content, prefix))
		}
	}
	return content
}

// IsCommand reports whether a history line is a bot command. The miner
// skips those.
func (l *Loop) IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	for _, prefix := range l.cfg.Channels.OneBot.GroupTriggerPrefix {
		if prefix != "" && strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return l.registry.IsCommand(text)
}

func (l *Loop) isAdmin(msg bus.InboundMessage) bool {
	if msg.Channel == "cli" {
		return true
	}
	return l.cfg.IsAdmin(msg.SenderID)
}

// IsolationKey is the quote scope of a chat: the OneBot group id, a
// per-user key for OneBot private chats, "<channel>:<chat>" elsewhere, and
// empty when the pool is global.
func IsolationKey(cfg *config.Config, msg bus.InboundMessage) string {
	if cfg.Quotes.GlobalScope {
		return ""
	}
	if gid := msg.Metadata["group_id"]; gid != "" {
		return gid
	}
	if msg.Channel == "onebot" {
		return "private_" + msg.SenderID
	}
	return msg.Channel + ":" + msg.ChatID
}

// OnSent records which quote a delivered message displayed, so a later
// reply to it can be resolved.
func (l *Loop) OnSent(msg bus.OutboundMessage, messageID string) {
	key := msg.Channel + ":" + msg.ChatID
	if err := l.deps.Sessions.RecordSent(key, messageID, msg.QuoteID); err != nil {
		logger.WarnCF("bot", "Failed to record sent quote", map[string]interface{}{
			"session":  key,
			"quote_id": msg.QuoteID,
			"error":    err.Error(),
		})
	}
}

// HandleJob runs a scheduled job.
func (l *Loop) HandleJob(job *cron.CronJob) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result, err := l.runJob(ctx, job)
	l.deps.Metrics.ObserveCronRun(job.Payload.Kind, err)
	return result, err
}

func (l *Loop) runJob(ctx context.Context, job *cron.CronJob) (string, error) {
	p := job.Payload
	if p.Channel == "" || p.To == "" {
		return "", fmt.Errorf("job %s has no target chat", job.ID)
	}

	switch p.Kind {
	case cron.KindMessage:
		if strings.TrimSpace(p.Message) == "" {
			return "", fmt.Errorf("job %s has an empty message", job.ID)
		}
		l.bus.PublishOutbound(bus.OutboundMessage{Channel: p.Channel, ChatID: p.To, Content: p.Message})
		return "sent", nil

	case cron.KindRandomQuote, "":
		scope := p.Scope
		if l.cfg.Quotes.GlobalScope {
			scope = ""
		}
		resp, ok := commands.ShowRandom(ctx, l.deps, scope, p.Author)
		if !ok {
			logger.InfoCF("bot", "Scheduled quote skipped, scope is empty", map[string]interface{}{
				"job":   job.ID,
				"scope": scope,
			})
			return "no quotes", nil
		}
		l.bus.PublishOutbound(bus.OutboundMessage{
			Channel: p.Channel,
			ChatID:  p.To,
			Content: resp.Text,
			Images:  resp.Images,
			QuoteID: resp.QuoteID,
		})
		return "quote " + resp.QuoteID, nil
	}

	return "", fmt.Errorf("unknown job kind %q", p.Kind)
}
