package channels

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picoquote/pkg/bus"
	"github.com/sipeed/picoquote/pkg/config"
	"github.com/sipeed/picoquote/pkg/logger"
	"github.com/sipeed/picoquote/pkg/media"
)

const (
	oneBotAPITimeout  = 8 * time.Second
	oneBotSendTimeout = 30 * time.Second
	// Local images above this size are sent by path instead of inline.
	oneBotInlineLimit = 8 << 20
)

var errOneBotNotConnected = errors.New("OneBot WebSocket not connected")

type OneBotChannel struct {
	*BaseChannel
	config      config.OneBotConfig
	conn        *websocket.Conn
	ctx         context.Context
	cancel      context.CancelFunc
	dedup       map[string]struct{}
	dedupRing   []string
	dedupIdx    int
	recent      map[string][]bus.QuotedMessage
	recentLimit int
	selfID      atomic.Int64
	mu          sync.Mutex
	recentMu    sync.Mutex
	writeMu     sync.Mutex
	apiWaitMu   sync.Mutex
	echoCounter int64
	nowFunc     func() time.Time
	downloader  *media.Downloader
	// downloadFile and callAPI are test seams.
	downloadFile func(ctx context.Context, url, filename string) (string, error)
	callAPI      func(ctx context.Context, action string, params interface{}, timeout time.Duration) (*oneBotAPIResponse, error)
	apiWaiters   map[string]chan oneBotAPIResponse
	mediaDir     string
}

type oneBotRawEvent struct {
	PostType      string          `json:"post_type"`
	MessageType   string          `json:"message_type"`
	SubType       string          `json:"sub_type"`
	MessageID     json.RawMessage `json:"message_id"`
	MessageSeq    json.RawMessage `json:"message_seq"`
	UserID        json.RawMessage `json:"user_id"`
	GroupID       json.RawMessage `json:"group_id"`
	RawMessage    string          `json:"raw_message"`
	Message       json.RawMessage `json:"message"`
	Sender        json.RawMessage `json:"sender"`
	SelfID        json.RawMessage `json:"self_id"`
	Time          json.RawMessage `json:"time"`
	MetaEventType string          `json:"meta_event_type"`
	Echo          string          `json:"echo"`
	RetCode       json.RawMessage `json:"retcode"`
	Status        BotStatus       `json:"status"`
}

type oneBotSender struct {
	UserID   json.RawMessage `json:"user_id"`
	Nickname string          `json:"nickname"`
	Card     string          `json:"card"`
}

func (s oneBotSender) displayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

type oneBotEvent struct {
	PostType    string
	MessageType string
	SubType     string
	MessageID   string
	UserID      int64
	GroupID     int64
	Sender      oneBotSender
	SelfID      int64
	Time        int64
	Parsed      parseMessageResult
}

type oneBotAPIRequest struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo,omitempty"`
}

type oneBotOutSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

type oneBotSendPrivateMsgParams struct {
	UserID  int64              `json:"user_id"`
	Message []oneBotOutSegment `json:"message"`
}

type oneBotSendGroupMsgParams struct {
	GroupID int64              `json:"group_id"`
	Message []oneBotOutSegment `json:"message"`
}

type oneBotAPIResponse struct {
	Status  string          `json:"status"`
	RetCode json.RawMessage `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
	Echo    string          `json:"echo"`
}

// err reports a failed API call. Servers differ on whether they fill status,
// retcode or both.
func (r *oneBotAPIResponse) err(action string) error {
	status := strings.ToLower(strings.TrimSpace(r.Status))
	code, _ := parseJSONInt64(r.RetCode)
	if (status == "" || status == "ok") && code == 0 {
		return nil
	}
	detail := strings.TrimSpace(r.Wording)
	if detail == "" {
		detail = strings.TrimSpace(r.Message)
	}
	return fmt.Errorf("OneBot %s failed: status=%s retcode=%d %s", action, r.Status, code, detail)
}

func NewOneBotChannel(cfg config.OneBotConfig, messageBus *bus.MessageBus, downloader *media.Downloader, mediaDir string) (*OneBotChannel, error) {
	base := NewBaseChannel("onebot", cfg, messageBus, cfg.AllowFrom)

	const dedupSize = 1024
	const defaultRecentLimit = 100
	recentLimit := cfg.GroupContextQueueSize
	if recentLimit <= 0 {
		recentLimit = defaultRecentLimit
	}
	if downloader == nil {
		downloader = media.NewDownloader(0)
	}
	if strings.TrimSpace(mediaDir) == "" {
		mediaDir = filepath.Join("tmp", "media")
	}

	c := &OneBotChannel{
		BaseChannel: base,
		config:      cfg,
		dedup:       make(map[string]struct{}, dedupSize),
		dedupRing:   make([]string, dedupSize),
		recent:      make(map[string][]bus.QuotedMessage),
		recentLimit: recentLimit,
		nowFunc:     time.Now,
		downloader:  downloader,
		apiWaiters:  make(map[string]chan oneBotAPIResponse),
		mediaDir:    mediaDir,
	}
	c.callAPI = c.callOneBotAPI
	return c, nil
}

func (c *OneBotChannel) Start(ctx context.Context) error {
	if c.config.WSUrl == "" {
		return fmt.Errorf("OneBot ws_url not configured")
	}

	logger.InfoCF("onebot", "Starting OneBot channel", map[string]interface{}{
		"ws_url": c.config.WSUrl,
	})

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		logger.WarnCF("onebot", "Initial connection failed, will retry in background", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		c.afterConnect()
	}

	if c.config.ReconnectInterval > 0 {
		go c.reconnectLoop()
	} else {
		c.mu.Lock()
		connected := c.conn != nil
		c.mu.Unlock()
		if !connected {
			return fmt.Errorf("failed to connect to OneBot and reconnect is disabled")
		}
	}

	c.setRunning(true)
	logger.InfoC("onebot", "OneBot channel started successfully")

	return nil
}

func (c *OneBotChannel) connect() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := make(map[string][]string)
	if c.config.AccessToken != "" {
		header["Authorization"] = []string{"Bearer " + c.config.AccessToken}
	}

	conn, _, err := dialer.Dial(c.config.WSUrl, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	logger.InfoC("onebot", "WebSocket connected")
	return nil
}

func (c *OneBotChannel) afterConnect() {
	go c.listen()
	go c.refreshSelfID()
}

// refreshSelfID learns the bot account id so replies to the bot's own
// messages can be recognized before the first event arrives.
func (c *OneBotChannel) refreshSelfID() {
	resp, err := c.callAPI(c.ctx, "get_login_info", map[string]interface{}{}, oneBotAPITimeout)
	if err == nil {
		err = resp.err("get_login_info")
	}
	if err != nil {
		logger.DebugCF("onebot", "get_login_info failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	var info struct {
		UserID   json.RawMessage `json:"user_id"`
		Nickname string          `json:"nickname"`
	}
	if err := json.Unmarshal(resp.Data, &info); err != nil {
		return
	}
	if id, err := parseJSONInt64(info.UserID); err == nil && id > 0 {
		c.selfID.Store(id)
		logger.InfoCF("onebot", "Logged in", map[string]interface{}{
			"self_id":  id,
			"nickname": info.Nickname,
		})
	}
}

func (c *OneBotChannel) reconnectLoop() {
	interval := time.Duration(c.config.ReconnectInterval) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(interval):
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				logger.InfoC("onebot", "Attempting to reconnect...")
				if err := c.connect(); err != nil {
					logger.ErrorCF("onebot", "Reconnect failed", map[string]interface{}{
						"error": err.Error(),
					})
				} else {
					c.afterConnect()
				}
			}
		}
	}
}

func (c *OneBotChannel) Stop(ctx context.Context) error {
	logger.InfoC("onebot", "Stopping OneBot channel")
	c.setRunning(false)

	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	return nil
}

func (c *OneBotChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, err := c.SendWithID(ctx, msg)
	return err
}

// SendWithID sends msg and waits for the server to report the message id.
func (c *OneBotChannel) SendWithID(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	if !c.IsRunning() {
		return "", ErrNotRunning
	}

	action, params, err := c.buildSendRequest(msg)
	if err != nil {
		return "", err
	}

	resp, err := c.callAPI(ctx, action, params, oneBotSendTimeout)
	if err != nil {
		logger.ErrorCF("onebot", "Failed to send message", map[string]interface{}{
			"chat_id": msg.ChatID,
			"error":   err.Error(),
		})
		return "", err
	}
	if err := resp.err(action); err != nil {
		return "", err
	}

	var data struct {
		MessageID json.RawMessage `json:"message_id"`
	}
	if len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &data)
	}
	messageID := parseJSONString(data.MessageID)

	logger.DebugCF("onebot", "Message sent", map[string]interface{}{
		"chat_id":    msg.ChatID,
		"message_id": messageID,
		"images":     len(msg.Images),
	})
	return messageID, nil
}

func (c *OneBotChannel) nextEcho(prefix string) string {
	c.writeMu.Lock()
	c.echoCounter++
	echo := fmt.Sprintf("%s_%d", prefix, c.echoCounter)
	c.writeMu.Unlock()
	return echo
}

func (c *OneBotChannel) buildSendRequest(msg bus.OutboundMessage) (string, interface{}, error) {
	segments, err := buildOneBotSegments(msg)
	if err != nil {
		return "", nil, err
	}
	if len(segments) == 0 {
		return "", nil, fmt.Errorf("empty OneBot message for %s", msg.ChatID)
	}

	chatID := msg.ChatID

	if groupID, ok := parseOneBotGroupChatID(chatID); ok {
		id, err := strconv.ParseInt(groupID, 10, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid group ID in chatID: %s", chatID)
		}
		return "send_group_msg", oneBotSendGroupMsgParams{
			GroupID: id,
			Message: segments,
		}, nil
	}

	userPart := strings.TrimPrefix(chatID, "private:")
	userID, err := strconv.ParseInt(userPart, 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("invalid chatID for OneBot: %s", chatID)
	}

	return "send_private_msg", oneBotSendPrivateMsgParams{
		UserID:  userID,
		Message: segments,
	}, nil
}

func buildOneBotSegments(msg bus.OutboundMessage) ([]oneBotOutSegment, error) {
	var segments []oneBotOutSegment
	if id := strings.TrimSpace(msg.ReplyTo); id != "" {
		segments = append(segments, oneBotOutSegment{Type: "reply", Data: map[string]string{"id": id}})
	}
	if msg.Content != "" {
		segments = append(segments, oneBotOutSegment{Type: "text", Data: map[string]string{"text": msg.Content}})
	}
	for _, img := range msg.Images {
		file, err := oneBotImageFile(img)
		if err != nil {
			return nil, err
		}
		segments = append(segments, oneBotOutSegment{Type: "image", Data: map[string]string{"file": file}})
	}
	return segments, nil
}

// oneBotImageFile encodes an outbound image for the "file" field. Inline
// base64 works with servers that do not share our filesystem.
func oneBotImageFile(img bus.Image) (string, error) {
	if len(img.Data) > 0 {
		return "base64://" + base64.StdEncoding.EncodeToString(img.Data), nil
	}
	p := strings.TrimSpace(img.Path)
	if p == "" {
		return "", fmt.Errorf("image %q has neither data nor path", img.Name)
	}
	if media.IsRemoteURL(p) {
		return p, nil
	}

	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("image %s: %w", abs, err)
	}
	if info.Size() > oneBotInlineLimit {
		return "file://" + filepath.ToSlash(abs), nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("image %s: %w", abs, err)
	}
	return "base64://" + base64.StdEncoding.EncodeToString(data), nil
}

func (c *OneBotChannel) callOneBotAPI(ctx context.Context, action string, params interface{}, timeout time.Duration) (*oneBotAPIResponse, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, errOneBotNotConnected
	}

	if timeout <= 0 {
		timeout = oneBotAPITimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}

	echo := c.nextEcho("api")
	waiter := make(chan oneBotAPIResponse, 1)

	c.apiWaitMu.Lock()
	c.apiWaiters[echo] = waiter
	c.apiWaitMu.Unlock()

	defer func() {
		c.apiWaitMu.Lock()
		delete(c.apiWaiters, echo)
		c.apiWaitMu.Unlock()
	}()

	req := oneBotAPIRequest{
		Action: action,
		Params: params,
		Echo:   echo,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal OneBot API request: %w", err)
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write OneBot API request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var done <-chan struct{}
	if c.ctx != nil {
		done = c.ctx.Done()
	}

	select {
	case resp := <-waiter:
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("OneBot API request timeout: action=%s", action)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, ErrNotRunning
	}
}

func (c *OneBotChannel) listen() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				logger.WarnC("onebot", "WebSocket connection is nil, listener exiting")
				return
			}

			_, message, err := conn.ReadMessage()
			if err != nil {
				logger.ErrorCF("onebot", "WebSocket read error", map[string]interface{}{
					"error": err.Error(),
				})
				c.mu.Lock()
				if c.conn == conn {
					c.conn.Close()
					c.conn = nil
				}
				c.mu.Unlock()
				return
			}

			if c.config.Debug {
				logger.DebugCF("onebot", "Raw WebSocket message received", map[string]interface{}{
					"length":  len(message),
					"payload": truncate(string(message), 2000),
				})
			}

			var raw oneBotRawEvent
			if err := json.Unmarshal(message, &raw); err != nil {
				logger.WarnCF("onebot", "Failed to unmarshal raw event", map[string]interface{}{
					"error":   err.Error(),
					"payload": truncate(string(message), 500),
				})
				continue
			}

			if raw.Echo != "" {
				c.dispatchAPIResponse(raw, message)
				continue
			}

			rawCopy := raw
			go c.handleRawEvent(&rawCopy)
		}
	}
}

func (c *OneBotChannel) dispatchAPIResponse(raw oneBotRawEvent, payload []byte) {
	var resp oneBotAPIResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		resp = oneBotAPIResponse{
			Echo: raw.Echo,
		}
	}

	if resp.Echo == "" {
		resp.Echo = raw.Echo
	}
	if resp.Status == "" {
		resp.Status = raw.Status.Text
	}

	c.apiWaitMu.Lock()
	waiter := c.apiWaiters[resp.Echo]
	c.apiWaitMu.Unlock()
	if waiter == nil {
		return
	}

	select {
	case waiter <- resp:
	default:
	}
}

func parseJSONInt64(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return 0, fmt.Errorf("cannot parse as int64: %s", string(raw))
}

func parseJSONString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}

func (c *OneBotChannel) handleRawEvent(raw *oneBotRawEvent) {
	if selfID, _ := parseJSONInt64(raw.SelfID); selfID > 0 {
		c.selfID.Store(selfID)
	}

	switch raw.PostType {
	case "message", "message_sent":
		evt, err := c.normalizeMessageEvent(raw)
		if err != nil {
			logger.WarnCF("onebot", "Failed to normalize message event", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		c.handleMessage(evt)
	case "meta_event":
		c.handleMetaEvent(raw)
	case "notice":
		logger.DebugCF("onebot", "Notice event received", map[string]interface{}{
			"sub_type": raw.SubType,
		})
	case "request":
		logger.DebugCF("onebot", "Request event received", map[string]interface{}{
			"sub_type": raw.SubType,
		})
	default:
		logger.DebugCF("onebot", "Unknown post_type", map[string]interface{}{
			"post_type": raw.PostType,
		})
	}
}

func (c *OneBotChannel) handleMetaEvent(raw *oneBotRawEvent) {
	switch raw.MetaEventType {
	case "lifecycle":
		logger.InfoCF("onebot", "Lifecycle event", map[string]interface{}{
			"sub_type": raw.SubType,
		})
	case "heartbeat":
		logger.DebugC("onebot", "Heartbeat received")
	default:
		logger.DebugCF("onebot", "Unknown meta_event_type", map[string]interface{}{
			"meta_event_type": raw.MetaEventType,
		})
	}
}

func (c *OneBotChannel) isDuplicate(messageID string) bool {
	if messageID == "" || messageID == "0" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.dedup[messageID]; exists {
		return true
	}

	if old := c.dedupRing[c.dedupIdx]; old != "" {
		delete(c.dedup, old)
	}
	c.dedupRing[c.dedupIdx] = messageID
	c.dedup[messageID] = struct{}{}
	c.dedupIdx = (c.dedupIdx + 1) % len(c.dedupRing)

	return false
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func parseOneBotGroupChatID(chatID string) (string, bool) {
	if !strings.HasPrefix(chatID, "group:") {
		return "", false
	}
	groupID := strings.TrimSpace(strings.TrimPrefix(chatID, "group:"))
	if groupID == "" {
		return "", false
	}
	return groupID, true
}
