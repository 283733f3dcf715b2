package channels

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/logger"
)

var ErrNotRunning = errors.New("channel not running")

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// IDSender is implemented by channels that can report the platform id of a
// message they just sent. The id is what a later reply refers to.
type IDSender interface {
	SendWithID(ctx context.Context, msg bus.OutboundMessage) (string, error)
}

// MemberResolver looks up display names. chatID is the channel's own chat id
// and may be empty for a direct lookup.
type MemberResolver interface {
	ResolveMemberName(ctx context.Context, chatID, userID string) (string, error)
}

// HistorySource pages backwards through a group's message history. An empty
// cursor starts at the newest message; an empty next cursor means there is
// nothing older.
type HistorySource interface {
	FetchGroupHistory(ctx context.Context, chatID, cursor string, count int) (msgs []bus.QuotedMessage, next string, err error)
}

type BaseChannel struct {
	config    interface{}
	bus       *bus.MessageBus
	running   atomic.Bool
	name      string
	allowList []string
}

func NewBaseChannel(name string, config interface{}, bus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		config:    config,
		bus:       bus,
		name:      name,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string {
	return c.name
}

func (c *BaseChannel) IsRunning() bool {
	return c.running.Load()
}

// IsAllowed checks senderID against the allow list. An empty list allows
// everyone. Compound ids such as "123|username" match on either part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if i := strings.Index(senderID, "|"); i > 0 {
		idPart, userPart = senderID[:i], senderID[i+1:]
	}

	for _, allowed := range c.allowList {
		allowed = strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if allowed == "" {
			continue
		}
		if allowed == senderID || allowed == idPart || (userPart != "" && allowed == userPart) {
			return true
		}
	}
	return false
}

// HandleMessage publishes an inbound message after the allow-list check.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) {
	if !c.IsAllowed(msg.SenderID) {
		logger.DebugCF(c.name, "Message ignored (sender not allowed)", map[string]interface{}{
			"sender": msg.SenderID,
			"chat":   msg.ChatID,
		})
		return
	}

	msg.Channel = c.name
	if msg.SessionKey == "" {
		msg.SessionKey = c.name + ":" + msg.ChatID
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]string{}
	}

	c.bus.PublishInbound(msg)
}

func (c *BaseChannel) setRunning(running bool) {
	c.running.Store(running)
}
