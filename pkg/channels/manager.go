// PicoQuote - group chat quote bot
// Built on the PicoClaw channel runtime: https://github.com/sipeed/picoclaw
// License: MIT
//
// Copyright (c) 2026 PicoQuote contributors

package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/constants"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/media"
	"github.com/sipeed/picoquote/pkg/metrics"
)

// SentHook is called after a message carrying a QuoteID was delivered.
// messageID is empty when the channel cannot report platform ids.
type SentHook func(msg bus.OutboundMessage, messageID string)

type Manager struct {
	channels     map[string]Channel
	bus          *bus.MessageBus
	config       *config.Config
	downloader   *media.Downloader
	dispatchTask *asyncTask
	onSent       SentHook
	metrics      *metrics.Collector
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg *config.Config, messageBus *bus.MessageBus, downloader *media.Downloader) (*Manager, error) {
	m := &Manager{
		channels:   make(map[string]Channel),
		bus:        messageBus,
		config:     cfg,
		downloader: downloader,
	}

	if err := m.initChannels(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Manager) initChannels() error {
	logger.InfoC("channels", "Initializing channel manager")

	mediaDir := m.config.MediaTmpPath()

	if m.config.Channels.Telegram.Enabled && m.config.Channels.Telegram.Token != "" {
		logger.DebugC("channels", "Attempting to initialize Telegram channel")
		telegram, err := NewTelegramChannel(m.config.Channels.Telegram, m.bus, m.downloader, mediaDir)
		if err != nil {
			logger.ErrorCF("channels", "Failed to initialize Telegram channel", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			m.channels["telegram"] = telegram
			logger.InfoC("channels", "Telegram channel enabled successfully")
		}
	}

	if m.config.Channels.Discord.Enabled && m.config.Channels.Discord.Token != "" {
		logger.DebugC("channels", "Attempting to initialize Discord channel")
		discord, err := NewDiscordChannel(m.config.Channels.Discord, m.bus)
		if err != nil {
			logger.ErrorCF("channels", "Failed to initialize Discord channel", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			m.channels["discord"] = discord
			logger.InfoC("channels", "Discord channel enabled successfully")
		}
	}

	if m.config.Channels.OneBot.Enabled && m.config.Channels.OneBot.WSUrl != "" {
		logger.DebugC("channels", "Attempting to initialize OneBot channel")
		onebot, err := NewOneBotChannel(m.config.Channels.OneBot, m.bus, m.downloader, mediaDir)
		if err != nil {
			logger.ErrorCF("channels", "Failed to initialize OneBot channel", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			m.channels["onebot"] = onebot
			logger.InfoC("channels", "OneBot channel enabled successfully")
		}
	}

	logger.InfoCF("channels", "Channel initialization completed", map[string]interface{}{
		"enabled_channels": len(m.channels),
	})

	return nil
}

// SetOnSent installs the delivery hook. Call before StartAll.
func (m *Manager) SetOnSent(hook SentHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSent = hook
}

// SetMetrics records delivery results into c.
func (m *Manager) SetMetrics(c *metrics.Collector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = c
}

func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
		return nil
	}

	logger.InfoC("channels", "Starting all channels")

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel, done: make(chan struct{})}

	go m.dispatchOutbound(dispatchCtx, m.dispatchTask.done)

	for name, channel := range m.channels {
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{
			"channel": name,
		})
		if err := channel.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels started")
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	task := m.dispatchTask
	m.dispatchTask = nil
	channels := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	logger.InfoC("channels", "Stopping all channels")

	if task != nil {
		task.cancel()
		<-task.done
	}

	for name, channel := range channels {
		logger.InfoCF("channels", "Stopping channel", map[string]interface{}{
			"channel": name,
		})
		if err := channel.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	logger.InfoC("channels", "All channels stopped")
	return nil
}

func (m *Manager) dispatchOutbound(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	logger.InfoC("channels", "Outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			logger.InfoC("channels", "Outbound dispatcher stopped")
			return
		}

		// Internal channels read their replies straight off the bus.
		if constants.IsInternalChannel(msg.Channel) {
			continue
		}

		if err := m.deliver(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Error sending message to channel", map[string]interface{}{
				"channel": msg.Channel,
				"chat":    msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}

// deliver sends one message and fires the sent hook for quote displays.
func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.RLock()
	channel, exists := m.channels[msg.Channel]
	hook := m.onSent
	collector := m.metrics
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", msg.Channel)
	}

	var messageID string
	var err error
	if sender, ok := channel.(IDSender); ok {
		messageID, err = sender.SendWithID(ctx, msg)
	} else {
		err = channel.Send(ctx, msg)
	}
	collector.ObserveSend(msg.Channel, err)
	if err != nil {
		return err
	}

	if hook != nil && msg.QuoteID != "" {
		hook(msg, messageID)
	}
	return nil
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// HistorySource returns the named channel's history capability, if any.
func (m *Manager) HistorySource(name string) (HistorySource, bool) {
	ch, ok := m.GetChannel(name)
	if !ok {
		return nil, false
	}
	src, ok := ch.(HistorySource)
	return src, ok
}

// ResolveMemberName asks the named channel for a display name.
func (m *Manager) ResolveMemberName(ctx context.Context, channelName, chatID, userID string) (string, error) {
	ch, ok := m.GetChannel(channelName)
	if !ok {
		return "", fmt.Errorf("channel %s not found", channelName)
	}
	resolver, ok := ch.(MemberResolver)
	if !ok {
		return "", fmt.Errorf("channel %s cannot resolve members", channelName)
	}
	return resolver.ResolveMemberName(ctx, chatID, userID)
}

func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		entry := map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
		if _, ok := channel.(HistorySource); ok {
			entry["history"] = true
		}
		status[name] = entry
	}
	return status
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// SendToChannel delivers msg directly, bypassing the bus.
func (m *Manager) SendToChannel(ctx context.Context, msg bus.OutboundMessage) error {
	return m.deliver(ctx, msg)
}
